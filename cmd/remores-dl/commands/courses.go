package commands

import (
	"remores-dl/lib/canvas"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(coursesCmd)
}

var coursesCmd = &cobra.Command{
	Use:   "courses",
	Short: "List Canvas courses where you are a teacher or TA.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireToken(); err != nil {
			return err
		}
		client := canvas.NewClient(canvas.ClientOptions{
			BaseUrl: cfg.CanvasBaseUrl,
			Token:   Token,
		})

		courses, err := client.ListCourses(cmd.Context())
		if err != nil {
			return err
		}

		t := newTable()
		t.AppendHeader(table.Row{"id", "name"})
		for _, course := range courses {
			t.AppendRow(table.Row{course.Id, course.Name})
		}
		t.Render()
		return nil
	},
}
