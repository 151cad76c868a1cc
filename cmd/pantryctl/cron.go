package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/muaviaUsmani/pantry/internal/crontab"
)

var cronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Work with cron expressions locally",
}

var cronDescribeCmd = &cobra.Command{
	Use:   "describe <minutes|expression>",
	Short: "Show the cron expression for an interval and when it fires",
	Long: `Translate an interval in minutes to the cron expression the server would
store, describe it and list its next fire times. A cron expression is
described as given.

Examples:
  pantryctl cron describe 90
  pantryctl cron describe "0 */2 * * *" --tz Europe/Berlin`,
	Args: cobra.ExactArgs(1),
	RunE: runCronDescribe,
}

var (
	cronTZ    string
	cronCount int
)

func init() {
	cronDescribeCmd.Flags().StringVar(&cronTZ, "tz", "UTC", "IANA zone to evaluate in")
	cronDescribeCmd.Flags().IntVar(&cronCount, "next", 3, "number of fire times to list")
	cronCmd.AddCommand(cronDescribeCmd)
}

type cronDescription struct {
	Expression  string      `json:"cronExpression"`
	Description string      `json:"description"`
	TimeOfDay   string      `json:"timeOfDay,omitempty"`
	DayOfWeek   string      `json:"dayOfWeek,omitempty"`
	Next        []time.Time `json:"next"`
}

func runCronDescribe(cmd *cobra.Command, args []string) error {
	loc, err := time.LoadLocation(cronTZ)
	if err != nil {
		return fmt.Errorf("invalid --tz: %w", err)
	}

	expr := args[0]
	if minutes, convErr := strconv.Atoi(expr); convErr == nil {
		if expr, err = crontab.MinutesToCron(minutes); err != nil {
			return err
		}
	}
	if err := crontab.Validate(expr); err != nil {
		return err
	}

	d := cronDescription{Expression: expr, Description: crontab.CronToHuman(expr)}
	d.TimeOfDay, d.DayOfWeek = crontab.Hints(expr)

	from := time.Now()
	for i := 0; i < cronCount; i++ {
		next, err := crontab.Next(expr, from, loc)
		if err != nil {
			return err
		}
		d.Next = append(d.Next, next)
		from = next
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, d)
	}
	fmt.Fprintf(out, "Cron:        %s\n", d.Expression)
	fmt.Fprintf(out, "Description: %s\n", d.Description)
	if d.TimeOfDay != "" {
		fmt.Fprintf(out, "Time of day: %s\n", d.TimeOfDay)
	}
	if d.DayOfWeek != "" {
		fmt.Fprintf(out, "Day of week: %s\n", d.DayOfWeek)
	}
	for _, t := range d.Next {
		fmt.Fprintf(out, "Next:        %s\n", t.Format("Mon 2006-01-02 15:04 MST"))
	}
	return nil
}
