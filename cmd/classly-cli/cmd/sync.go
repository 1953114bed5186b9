package cmd

import (
	"fmt"
	"log"
	"os"

	"classly-backend/services/syncer"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var syncClassID string
var syncAsync bool

func init() {
	syncCmd.Flags().StringVar(&syncClassID, "class", "", "sync only this class id")
	syncCmd.Flags().BoolVar(&syncAsync, "async", false, "start the sync and return immediately")
	rootCmd.AddCommand(syncCmd)
}

type syncResponse struct {
	Job struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"job"`
	Result *syncer.UserResult `json:"result"`
}

var syncCmd = &cobra.Command{
	Use:   "sync <user_id>",
	Short: "Syncs tasks for all of a user's classes (or one class with --class).",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var out syncResponse
		res, err := client.R().
			SetContext(cmd.Context()).
			SetBody(map[string]any{
				"user_id":  args[0],
				"class_id": syncClassID,
				"async":    syncAsync,
			}).
			SetResult(&out).
			Post(serverUrl + "/sync")
		if err != nil {
			log.Fatal(err)
		}
		if res.IsError() {
			log.Fatalf("server returned %s: %s", res.Status(), res.String())
		}

		fmt.Printf("job %s: %s\n", out.Job.ID, out.Job.Status)
		if out.Result == nil {
			return
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Class", "Synced", "Created", "Updated", "Errors"})
		for _, class := range out.Result.Classes {
			status := fmt.Sprintf("%d", len(class.Errors))
			if class.Error != "" {
				status = class.Error
			}
			t.AppendRow(table.Row{
				class.ClassCode, class.TasksSynced, class.Created, class.Updated, status,
			})
		}
		t.SetStyle(table.StyleRounded)
		t.Render()
	},
}
