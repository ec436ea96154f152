package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/kpidrift-cli/internal/store"
)

var (
	sessionsLimit  int
	widgetsSession string
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List capture sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		sessions, err := st.ListSessions(ctx, sessionsLimit)
		if err != nil {
			return err
		}
		for _, s := range sessions {
			cmd.Printf("%s\t%s\t%q\t%d widgets (%d good)\t%s\n",
				s.SessionID, s.Platform, s.ReportName,
				s.WidgetCount, s.GoodCount, s.CapturedAt.Format("2006-01-02 15:04"))
		}
		cmd.Printf("%d sessions\n", len(sessions))
		return nil
	},
}

var widgetsCmd = &cobra.Command{
	Use:   "widgets",
	Short: "List widgets of a capture session",
	RunE: func(cmd *cobra.Command, args []string) error {
		if widgetsSession == "" {
			return eris.New("widgets: --session is required")
		}

		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		widgets, err := st.ListWidgets(ctx, store.WidgetFilter{SessionID: widgetsSession})
		if err != nil {
			return err
		}
		for _, w := range widgets {
			cmd.Printf("%s\t#%d\t%s\t%s (%.2f)\t%q\t%s\n",
				w.ID, w.Index, w.SelectorKind, w.Quality, w.QualityScore, w.Title, w.ExtractionStage)
		}
		cmd.Printf("%d widgets\n", len(widgets))
		return nil
	},
}

func init() {
	sessionsCmd.Flags().IntVar(&sessionsLimit, "limit", 50, "max sessions to list")
	widgetsCmd.Flags().StringVar(&widgetsSession, "session", "", "capture session")
	rootCmd.AddCommand(sessionsCmd, widgetsCmd)
}
