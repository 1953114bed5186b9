package cmd

import (
	"log"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var tasksClassID string
var tasksUserID string
var tasksStatus string

func init() {
	tasksCmd.Flags().StringVar(&tasksClassID, "class", "", "filter by class id")
	tasksCmd.Flags().StringVar(&tasksUserID, "user", "", "filter by user id")
	tasksCmd.Flags().StringVar(&tasksStatus, "status", "", "filter by status")
	rootCmd.AddCommand(tasksCmd)
}

type taskRow struct {
	Title       string     `json:"title"`
	Type        string     `json:"task_type"`
	DueAt       *time.Time `json:"due_at"`
	Status      string     `json:"status"`
	SourceLabel string     `json:"source_label"`
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Lists synced tasks, soonest due first.",
	Run: func(cmd *cobra.Command, args []string) {
		var out []taskRow
		res, err := client.R().
			SetContext(cmd.Context()).
			SetQueryParams(map[string]string{
				"class_id": tasksClassID,
				"user_id":  tasksUserID,
				"status":   tasksStatus,
			}).
			SetResult(&out).
			Get(serverUrl + "/tasks")
		if err != nil {
			log.Fatal(err)
		}
		if res.IsError() {
			log.Fatalf("server returned %s: %s", res.Status(), res.String())
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Label", "Title", "Type", "Due", "Status"})
		for _, task := range out {
			due := ""
			if task.DueAt != nil {
				due = task.DueAt.Format(time.ANSIC)
			}
			t.AppendRow(table.Row{task.SourceLabel, task.Title, task.Type, due, task.Status})
		}
		t.SetStyle(table.StyleRounded)
		t.Render()
	},
}
