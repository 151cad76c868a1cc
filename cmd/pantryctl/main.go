// Package main is pantryctl, the operator CLI for a pantry server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/muaviaUsmani/pantry/pkg/client"
)

var (
	serverURL  string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "pantryctl",
	Short: "Manage pantry schedules and pipeline runs",
	Long: `pantryctl talks to a pantry server's management API.

Examples:
  pantryctl schedules list
  pantryctl schedules create --every 120
  pantryctl schedules disable <id>
  pantryctl run --auto
  pantryctl logs list --status FAILED
  pantryctl cron describe 90`,
	SilenceUsage: true,
}

func init() {
	defaultURL := os.Getenv("PANTRY_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8080"
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultURL, "pantry server URL (env PANTRY_URL)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print raw JSON")

	rootCmd.AddCommand(schedulesCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(cronCmd)
}

func apiClient() *client.Client {
	return client.NewClient(serverURL)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
