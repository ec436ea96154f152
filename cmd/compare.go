package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/kpidrift-cli/internal/comparator"
	"github.com/sells-group/kpidrift-cli/internal/model"
)

var (
	compareLeft     string
	compareRight    string
	compareMode     string
	compareProvider string
	compareBatch    bool
)

var compareCmd = &cobra.Command{
	Use:   "compare",
	Short: "Compare paired widgets between two sessions",
	Long:  "Runs the comparison engine over every current pair mapping between two sessions. Numeric mode joins the extracted series locally (Pearson + MAPE); llm mode asks an oracle for a values-only verdict. --batch pushes all llm comparisons through the Anthropic Message Batches API.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if compareLeft == "" || compareRight == "" {
			return eris.New("compare: --left and --right are required")
		}

		mode := model.CompareMode(compareMode)
		if mode != model.CompareNumeric && mode != model.CompareLLM {
			return eris.Errorf("compare: unsupported mode %q", compareMode)
		}

		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		var summary *comparator.RunSummary
		switch {
		case compareBatch:
			if mode != model.CompareLLM {
				return eris.New("compare: --batch requires --mode llm")
			}
			ac, err := initAnthropic()
			if err != nil {
				return err
			}
			engine := comparator.NewEngine(st, nil, numericThresholds())
			bulk := comparator.NewBulkComparer(engine, ac, cfg.Anthropic.Model)
			summary, err = bulk.CompareSessions(ctx, compareLeft, compareRight)
			if err != nil {
				return err
			}
		default:
			var provider comparator.Provider
			if mode == model.CompareLLM {
				name := compareProvider
				if name == "" {
					name = cfg.Compare.Provider
				}
				provider, err = initCompareProvider(name)
				if err != nil {
					return err
				}
			}
			engine := comparator.NewEngine(st, provider, numericThresholds())
			summary, err = engine.CompareSessions(ctx, compareLeft, compareRight, mode)
			if err != nil {
				return err
			}
		}

		cmd.Printf("%d compared, %d failed\n", summary.Compared, summary.Failed)
		for _, o := range summary.Outcomes {
			if o.Error != "" {
				cmd.Printf("  pair %d: %s\n", o.PairNumber, o.Error)
				continue
			}
			cmd.Printf("  pair %d: %s\n", o.PairNumber, o.Verdict)
		}
		return nil
	},
}

func init() {
	compareCmd.Flags().StringVar(&compareLeft, "left", "", "left capture session")
	compareCmd.Flags().StringVar(&compareRight, "right", "", "right capture session")
	compareCmd.Flags().StringVar(&compareMode, "mode", "numeric", "comparison mode: numeric or llm")
	compareCmd.Flags().StringVar(&compareProvider, "provider", "", "llm oracle provider: mistral or anthropic (default from config)")
	compareCmd.Flags().BoolVar(&compareBatch, "batch", false, "bulk-compare through the Anthropic batch API")
	rootCmd.AddCommand(compareCmd)
}
