package commands

import (
	"errors"
	"fmt"
	"strconv"

	"remores-dl/lib/canvas"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(assignmentsCmd)
}

var assignmentsCmd = &cobra.Command{
	Use:   "assignments <course_id>",
	Short: "List the published, gradeable assignments of a course.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireToken(); err != nil {
			return err
		}
		courseId, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid course id %q", args[0])
		}

		client := canvas.NewClient(canvas.ClientOptions{
			BaseUrl: cfg.CanvasBaseUrl,
			Token:   Token,
		})

		assignments, err := client.ListAssignments(cmd.Context(), courseId)
		if err != nil {
			var apiErr canvas.ApiError
			if errors.As(err, &apiErr) && apiErr.NotFound() {
				return fmt.Errorf("course %d was not found on Canvas", courseId)
			}
			return err
		}

		t := newTable()
		t.AppendHeader(table.Row{"id", "name", "due"})
		for _, assignment := range assignments {
			due := ""
			if assignment.DueAt != nil {
				due = assignment.DueAt.Format("2006-01-02 15:04")
			}
			t.AppendRow(table.Row{assignment.Id, assignment.Name, due})
		}
		t.Render()
		return nil
	},
}
