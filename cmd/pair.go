package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/kpidrift-cli/internal/pairing"
)

var (
	pairFile         string
	pairLeftSession  string
	pairRightSession string
)

var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "Manage human-asserted widget pair mappings",
}

var pairSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a pairing batch from a JSON file",
	Long:  "Reads a pairing submission (two session ids plus pair-number tags per side) and persists every unambiguous 1:1 number as a pair mapping. Ambiguous numbers are reported and skipped; the rest of the batch still commits.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if pairFile == "" {
			return eris.New("pair: --file is required")
		}
		data, err := os.ReadFile(pairFile)
		if err != nil {
			return eris.Wrapf(err, "pair: read %s", pairFile)
		}
		var sub pairing.Submission
		if err := json.Unmarshal(data, &sub); err != nil {
			return eris.Wrapf(err, "pair: parse %s", pairFile)
		}

		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		res, err := pairing.NewManager(st).SubmitBatch(ctx, sub)
		if err != nil {
			return err
		}

		cmd.Printf("pairs: %d inserted, %d unchanged, %d superseded, %d failed\n",
			res.Inserted, res.Unchanged, res.Superseded, res.Failed)
		for _, a := range res.Ambiguous {
			cmd.Printf("  skipped pair %d: %d left / %d right widgets\n",
				a.PairNumber, a.LeftCount, a.RightCount)
		}
		for _, o := range res.Outcomes {
			if o.Error != "" {
				cmd.Printf("  pair %d failed: %s\n", o.PairNumber, o.Error)
			}
		}
		return nil
	},
}

var pairListCmd = &cobra.Command{
	Use:   "list",
	Short: "List current pair mappings between two sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		if pairLeftSession == "" || pairRightSession == "" {
			return eris.New("pair: --left and --right are required")
		}

		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		pairs, err := pairing.NewManager(st).ListCurrent(ctx, pairLeftSession, pairRightSession)
		if err != nil {
			return err
		}
		for _, p := range pairs {
			cmd.Printf("pair %d\t%s\t%s <-> %s\n", p.PairNumber, p.ID, p.WidgetIDLeft, p.WidgetIDRight)
		}
		cmd.Printf("%d current pairs\n", len(pairs))
		return nil
	},
}

func init() {
	pairSubmitCmd.Flags().StringVarP(&pairFile, "file", "f", "", "pairing submission JSON file")
	pairListCmd.Flags().StringVar(&pairLeftSession, "left", "", "left capture session")
	pairListCmd.Flags().StringVar(&pairRightSession, "right", "", "right capture session")
	pairCmd.AddCommand(pairSubmitCmd, pairListCmd)
	rootCmd.AddCommand(pairCmd)
}
