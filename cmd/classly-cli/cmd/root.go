package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
)

var serverUrl string

var client *resty.Client

var rootCmd = &cobra.Command{
	Use:   "classly-cli",
	Short: "classly-cli is a CLI interface for the classly sync server.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&serverUrl, "server", "http://localhost:8200",
		"base url of the classly server",
	)
}

func Execute() {
	client = resty.New()
	client.SetTimeout(time.Minute * 5)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
