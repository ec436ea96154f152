package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/kpidrift-cli/internal/pipeline"
)

var captureJSON bool

var captureCmd = &cobra.Command{
	Use:   "capture <url>",
	Short: "Capture a dashboard and detect its widgets",
	Long:  "Renders the dashboard URL through the engine fallback chain, detects and scores widget regions, resolves the report name, and persists the screengrab with its crops. Re-capturing byte-identical content reuses the existing record.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		chain, err := initCaptureChain()
		if err != nil {
			return err
		}

		p := pipeline.New(chain, st, initBlobs(), cfg)
		summary, err := p.Run(ctx, args[0])
		if err != nil {
			return err
		}

		if captureJSON {
			return json.NewEncoder(os.Stdout).Encode(summary)
		}

		if summary.Reused {
			cmd.Printf("content unchanged, reusing session %s (screengrab %s)\n",
				summary.SessionID, summary.ScreengrabID)
			return nil
		}
		cmd.Printf("session %s: %q on %s — %d widgets (%d good, %d junk)\n",
			summary.SessionID, summary.ReportName, summary.Platform,
			summary.WidgetCount, summary.GoodCount, summary.JunkCount)
		for _, ge := range summary.GroupErrors {
			zap.L().Warn("selector group failed", zap.String("group", ge))
		}
		return nil
	},
}

func init() {
	captureCmd.Flags().BoolVar(&captureJSON, "json", false, "emit the run summary as JSON")
	rootCmd.AddCommand(captureCmd)
}
