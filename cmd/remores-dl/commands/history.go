package commands

import (
	"fmt"

	"remores-dl/services/runlog"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var historyFlags struct {
	logDb string
	runId int64
}

func init() {
	f := historyCmd.Flags()
	f.StringVar(&historyFlags.logDb, "log-db", "", "the sqlite database written by download --log-db")
	f.Int64Var(&historyFlags.runId, "run", 0, "show the outcomes of one run instead of the run list")

	rootCmd.AddCommand(historyCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history --log-db <path>",
	Short: "Show past download runs recorded with --log-db.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logDb := historyFlags.logDb
		if logDb == "" {
			logDb = cfg.LogDb
		}
		if logDb == "" {
			return fmt.Errorf("no run log configured, pass --log-db or set log_db in config.json5")
		}

		store, err := runlog.Open(logDb)
		if err != nil {
			return err
		}
		defer store.Close()

		if historyFlags.runId != 0 {
			outcomes, err := store.RunOutcomes(cmd.Context(), historyFlags.runId)
			if err != nil {
				return err
			}
			t := newTable()
			t.AppendHeader(table.Row{"student", "name", "status", "reason", "file"})
			for _, outcome := range outcomes {
				t.AppendRow(table.Row{
					outcome.Identifier, outcome.Student,
					string(outcome.Status), outcome.Reason, outcome.TargetPath,
				})
			}
			t.Render()
			return nil
		}

		runs, err := store.ListRuns(cmd.Context(), 20)
		if err != nil {
			return err
		}
		t := newTable()
		t.AppendHeader(table.Row{"run", "started", "repository", "course", "assignment", "outcomes"})
		for _, run := range runs {
			t.AppendRow(table.Row{
				run.Id,
				run.StartedAt.Format("2006-01-02 15:04"),
				run.Repository,
				run.CourseId,
				run.AssignmentId,
				run.Outcomes,
			})
		}
		t.Render()
		return nil
	},
}
