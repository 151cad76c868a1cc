package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/muaviaUsmani/pantry/internal/run"
	"github.com/muaviaUsmani/pantry/pkg/client"
)

var runCmd = &cobra.Command{
	Use:   "run [source-id]",
	Short: "Start a manual pipeline run",
	Long: `Start a manual run for a source, or for the next pending source with --auto.

Examples:
  pantryctl run --auto
  pantryctl run post-42 --title "Weekly digest"`,
	Args: cobra.MaximumNArgs(1),
	RunE: runManual,
}

var logsCmd = &cobra.Command{
	Use:     "logs",
	Aliases: []string{"runs"},
	Short:   "Inspect and clean up run history",
}

var logsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runLogsList,
}

var logsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one run with its log lines",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogsShow,
}

var logsDeleteCmd = &cobra.Command{
	Use:   "delete <run-id>...",
	Short: "Delete runs",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runLogsDelete,
}

var (
	runAuto     bool
	runTitle    string
	listStatus  string
	listTrigger string
	listPage    int
	listLimit   int
)

func init() {
	runCmd.Flags().BoolVar(&runAuto, "auto", false, "pick the next pending source")
	runCmd.Flags().StringVar(&runTitle, "title", "", "source title")

	logsListCmd.Flags().StringVar(&listStatus, "status", "", "RUNNING, SUCCESS or FAILED")
	logsListCmd.Flags().StringVar(&listTrigger, "triggered-by", "", "schedule or manual")
	logsListCmd.Flags().IntVar(&listPage, "page", 1, "page number")
	logsListCmd.Flags().IntVar(&listLimit, "limit", 20, "runs per page (max 100)")

	logsCmd.AddCommand(logsListCmd)
	logsCmd.AddCommand(logsShowCmd)
	logsCmd.AddCommand(logsDeleteCmd)
}

func runManual(cmd *cobra.Command, args []string) error {
	req := client.RunRequest{AutoSelect: runAuto, Title: runTitle}
	if len(args) == 1 {
		req.SourceID = args[0]
	}
	if !req.AutoSelect && req.SourceID == "" {
		return fmt.Errorf("give a source id or --auto")
	}

	r, err := apiClient().Run(cmd.Context(), req)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(os.Stdout, r)
	}
	fmt.Printf("Run %s %s for source %s\n", r.ID, statusText(r.Status), r.Source.ID)
	if r.Status == run.StatusFailed {
		fmt.Printf("Error: %s\n", strText(r.Error))
	}
	return nil
}

func runLogsList(cmd *cobra.Command, _ []string) error {
	page, err := apiClient().ListRuns(cmd.Context(), client.ListRunsOptions{
		Status:      strings.ToUpper(listStatus),
		TriggeredBy: strings.ToLower(listTrigger),
		Page:        listPage,
		Limit:       listLimit,
	})
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(os.Stdout, page)
	}
	if len(page.Runs) == 0 {
		fmt.Println("No runs")
		return nil
	}

	tw := newTable()
	fmt.Fprintln(tw, "ID\tSTATUS\tTRIGGER\tSOURCE\tSTAGE\tSTARTED\tDURATION")
	for _, r := range page.Runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, statusText(r.Status), r.TriggeredBy, r.Source.ID,
			strText(r.Stage), timeText(&r.StartedAt), durationText(r.DurationMs))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Printf("\nPage %d of %d (%d runs)\n", page.Page, page.TotalPages, page.Total)
	return nil
}

func runLogsShow(cmd *cobra.Command, args []string) error {
	r, err := apiClient().GetRun(cmd.Context(), args[0])
	if err != nil {
		if client.IsNotFound(err) {
			return fmt.Errorf("run %s not found", args[0])
		}
		return err
	}
	if jsonOutput {
		return printJSON(os.Stdout, r)
	}

	fmt.Printf("Run:       %s\n", r.ID)
	fmt.Printf("Status:    %s (%d%%)\n", statusText(r.Status), r.Progress)
	fmt.Printf("Trigger:   %s\n", r.TriggeredBy)
	fmt.Printf("Schedule:  %s\n", strText(r.ScheduleID))
	fmt.Printf("Source:    %s %s\n", r.Source.ID, r.Source.Title)
	fmt.Printf("Started:   %s\n", timeText(&r.StartedAt))
	fmt.Printf("Completed: %s\n", timeText(r.CompletedAt))
	fmt.Printf("Duration:  %s\n", durationText(r.DurationMs))
	if r.ResultRef != nil {
		fmt.Printf("Result:    %s\n", *r.ResultRef)
	}
	if r.Error != nil {
		fmt.Printf("Error:     %s (stage %s)\n", red(*r.Error), strText(r.ErrorStage))
	}

	if len(r.Logs) > 0 {
		fmt.Println()
		for _, entry := range r.Logs {
			step := ""
			if entry.Step != nil && entry.Total != nil {
				step = fmt.Sprintf("[%d/%d] ", *entry.Step, *entry.Total)
			}
			fmt.Printf("%s  %s%s\n", faint(entry.Timestamp.Local().Format("15:04:05")), step, entry.Message)
		}
	}
	return nil
}

func runLogsDelete(cmd *cobra.Command, args []string) error {
	var (
		n   int
		err error
	)
	if len(args) == 1 {
		n, err = apiClient().DeleteRun(cmd.Context(), args[0])
	} else {
		n, err = apiClient().DeleteRuns(cmd.Context(), args)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %d of %d runs\n", n, len(args))
	return nil
}
