package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/muaviaUsmani/pantry/pkg/client"
)

var schedulesCmd = &cobra.Command{
	Use:     "schedules",
	Aliases: []string{"schedule", "sc"},
	Short:   "Manage pipeline schedules",
}

var schedulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List schedules with their next run",
	Args:  cobra.NoArgs,
	RunE:  runSchedulesList,
}

var schedulesCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a schedule from a cron expression or an interval",
	Long: `Create a schedule. Give either --cron or --every.

Examples:
  pantryctl schedules create --every 120 --name "two-hourly"
  pantryctl schedules create --cron "30 9 * * 1" --disabled`,
	Args: cobra.NoArgs,
	RunE: runSchedulesCreate,
}

var schedulesEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Enable a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setEnabled(cmd, args[0], true)
	},
}

var schedulesDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setEnabled(cmd, args[0], false)
	},
}

var schedulesDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  runSchedulesDelete,
}

var (
	createName     string
	createCron     string
	createEvery    int
	createDisabled bool
	deletePurge    bool
)

func init() {
	schedulesCreateCmd.Flags().StringVar(&createName, "name", "", "display name (defaults to the recurrence)")
	schedulesCreateCmd.Flags().StringVar(&createCron, "cron", "", "5-field cron expression")
	schedulesCreateCmd.Flags().IntVar(&createEvery, "every", 0, "interval in minutes")
	schedulesCreateCmd.Flags().BoolVar(&createDisabled, "disabled", false, "create the schedule disabled")
	schedulesCreateCmd.MarkFlagsMutuallyExclusive("cron", "every")
	schedulesCreateCmd.MarkFlagsOneRequired("cron", "every")

	schedulesDeleteCmd.Flags().BoolVar(&deletePurge, "purge-runs", false, "also delete the schedule's finished runs")

	schedulesCmd.AddCommand(schedulesListCmd)
	schedulesCmd.AddCommand(schedulesCreateCmd)
	schedulesCmd.AddCommand(schedulesEnableCmd)
	schedulesCmd.AddCommand(schedulesDisableCmd)
	schedulesCmd.AddCommand(schedulesDeleteCmd)
}

func runSchedulesList(cmd *cobra.Command, _ []string) error {
	list, err := apiClient().ListSchedules(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(os.Stdout, list)
	}
	if len(list) == 0 {
		fmt.Println("No schedules")
		return nil
	}

	tw := newTable()
	fmt.Fprintln(tw, "ID\tNAME\tCRON\tEVERY\tSTATE\tNEXT RUN\tLAST RUN\tRUNS")
	for _, sc := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			sc.ID, sc.Name, sc.CronExpression, sc.Description,
			enabledText(sc.Enabled), timeText(sc.NextRun), timeText(sc.LastRun), sc.RunCount)
	}
	return tw.Flush()
}

func runSchedulesCreate(cmd *cobra.Command, _ []string) error {
	enabled := !createDisabled
	req := client.CreateScheduleRequest{
		Name:           createName,
		CronExpression: createCron,
		Enabled:        &enabled,
	}
	if cmd.Flags().Changed("every") {
		req.IntervalMinutes = &createEvery
	}

	sc, err := apiClient().CreateSchedule(cmd.Context(), req)
	if err != nil {
		return err
	}
	return printSchedule(sc, "Created")
}

func setEnabled(cmd *cobra.Command, id string, enabled bool) error {
	sc, err := apiClient().SetEnabled(cmd.Context(), id, enabled)
	if err != nil {
		return err
	}
	verb := "Disabled"
	if enabled {
		verb = "Enabled"
	}
	return printSchedule(sc, verb)
}

func runSchedulesDelete(cmd *cobra.Command, args []string) error {
	res, err := apiClient().DeleteSchedule(cmd.Context(), args[0], deletePurge)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(os.Stdout, res)
	}
	if !res.Deleted {
		fmt.Printf("Schedule %s did not exist\n", args[0])
		return nil
	}
	fmt.Printf("Deleted schedule %s", args[0])
	if deletePurge {
		fmt.Printf(" and %d runs", res.PurgedRuns)
	}
	fmt.Println()
	return nil
}

func printSchedule(sc *client.Schedule, verb string) error {
	if jsonOutput {
		return printJSON(os.Stdout, sc)
	}
	fmt.Printf("%s schedule %s (%s, %s)\n", verb, sc.ID, sc.Description, enabledText(sc.Enabled))
	if sc.NextRun != nil {
		fmt.Printf("Next run: %s\n", timeText(sc.NextRun))
	}
	return nil
}
