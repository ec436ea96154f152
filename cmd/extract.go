package main

import (
	"github.com/spf13/cobra"

	"github.com/sells-group/kpidrift-cli/internal/extractor"
)

var (
	extractSession  string
	extractLimit    int
	extractRetryDLQ bool
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract chart values from good widget crops",
	Long:  "Sends every good widget crop of a capture session to the vision oracle and persists the structured values. Failures land in the dead letter queue; --retry-dlq replays them instead.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		mc, err := initMistral()
		if err != nil {
			return err
		}

		ex := extractor.New(st, initBlobs(), extractor.NewOracle(mc, cfg.Mistral.Model), extractRetryConfig())

		if extractRetryDLQ {
			m, err := ex.Retry(ctx, extractLimit)
			if err != nil {
				return err
			}
			cmd.Printf("dlq replay: %d recovered, %d failed again\n", m.Processed, m.Failed)
			return nil
		}

		if extractSession == "" {
			return cmd.Help()
		}
		m, err := ex.ProcessSession(ctx, extractSession, extractLimit)
		if err != nil {
			return err
		}
		cmd.Printf("session %s: %d extracted, %d failed\n",
			extractSession, m.Processed, m.Failed)
		return nil
	},
}

func init() {
	extractCmd.Flags().StringVar(&extractSession, "session", "", "capture session to process")
	extractCmd.Flags().IntVar(&extractLimit, "limit", 0, "max widgets to process (0 = all)")
	extractCmd.Flags().BoolVar(&extractRetryDLQ, "retry-dlq", false, "replay dead-lettered extraction jobs")
	rootCmd.AddCommand(extractCmd)
}
