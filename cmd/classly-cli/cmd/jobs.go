package cmd

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var jobsLimit int

func init() {
	jobsCmd.Flags().IntVar(&jobsLimit, "limit", 10, "how many recent jobs to show")
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(cancelCmd)
}

type jobRow struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	ItemsSynced  int        `json:"items_synced"`
	ErrorMessage string     `json:"error_message"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at"`
}

var jobsCmd = &cobra.Command{
	Use:   "jobs <user_id>",
	Short: "Lists a user's recent sync jobs, newest first.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var out []jobRow
		res, err := client.R().
			SetContext(cmd.Context()).
			SetQueryParams(map[string]string{
				"user_id": args[0],
				"limit":   fmt.Sprintf("%d", jobsLimit),
			}).
			SetResult(&out).
			Get(serverUrl + "/jobs")
		if err != nil {
			log.Fatal(err)
		}
		if res.IsError() {
			log.Fatalf("server returned %s: %s", res.Status(), res.String())
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Job", "Status", "Synced", "Created", "Error"})
		for _, job := range out {
			t.AppendRow(table.Row{
				job.ID, job.Status, job.ItemsSynced,
				job.CreatedAt.Format(time.ANSIC), job.ErrorMessage,
			})
		}
		t.SetStyle(table.StyleRounded)
		t.Render()
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job_id>",
	Short: "Cancels a running sync job.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		res, err := client.R().
			SetContext(cmd.Context()).
			Post(serverUrl + "/jobs/" + args[0] + "/cancel")
		if err != nil {
			log.Fatal(err)
		}
		if res.IsError() {
			log.Fatalf("server returned %s: %s", res.Status(), res.String())
		}
		fmt.Println("cancelled")
	},
}
