package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/clawgate/pkg/clawgate/scheduler"
	"github.com/jholhewres/clawgate/pkg/clawgate/store"
)

// newCronCmd creates the `clawgate cron` command group. The registry is a
// file, so changes made here are picked up by a running gateway on its
// next tick.
func newCronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled jobs",
		Long: `Manage the jobs that post a message to the agent on a schedule.
Schedules accept cron expressions, "@every 30m", "at 2026-03-01T09:00:00Z"
and phrases such as "every day at 9am" or "in 20 minutes".

Examples:
  clawgate cron list
  clawgate cron add "every monday at 9am" "Summarize open pull requests" --channel discord --to 123456
  clawgate cron disable a1b2c3d4`,
	}

	cmd.AddCommand(
		newCronListCmd(),
		newCronAddCmd(),
		newCronRemoveCmd(),
		newCronToggleCmd("enable", "Enable a job", (*scheduler.Scheduler).Enable),
		newCronToggleCmd("disable", "Disable a job without removing it", (*scheduler.Scheduler).Disable),
	)
	return cmd
}

func openScheduler(cmd *cobra.Command) (*scheduler.Scheduler, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return scheduler.New(cfg.Scheduler, nil, newLogger(cmd, cfg, cmd.ErrOrStderr())), nil
}

func newCronListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openScheduler(cmd)
			if err != nil {
				return err
			}
			jobs, err := s.List()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(jobs) == 0 {
				fmt.Fprintln(out, "No scheduled jobs.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSCHEDULE\tENABLED\tTARGET\tLAST FIRED\tMESSAGE")
			for _, j := range jobs {
				fmt.Fprintf(tw, "%s\t%s\t%v\t%s\t%s\t%s\n",
					j.ID, j.Schedule, j.Enabled, target(j), lastFired(j), truncate(j.MessageTemplate, 50))
			}
			return tw.Flush()
		},
	}
}

func target(j store.CronJob) string {
	if j.TargetChannel == "" {
		return "-"
	}
	return j.TargetChannel + ":" + j.TargetKey
}

func lastFired(j store.CronJob) string {
	if j.LastFiredWatermark.IsZero() {
		return "never"
	}
	return j.LastFiredWatermark.Local().Format(time.DateTime)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func newCronAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <schedule> <message>",
		Short: "Add a scheduled job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openScheduler(cmd)
			if err != nil {
				return err
			}
			channel, _ := cmd.Flags().GetString("channel")
			to, _ := cmd.Flags().GetString("to")
			id, _ := cmd.Flags().GetString("id")
			if (channel == "") != (to == "") {
				return fmt.Errorf("--channel and --to must be given together")
			}
			job, err := s.Add(store.CronJob{
				ID:              id,
				Schedule:        args[0],
				MessageTemplate: args[1],
				TargetChannel:   channel,
				TargetKey:       to,
			})
			if err != nil {
				return err
			}
			if disabled, _ := cmd.Flags().GetBool("disabled"); disabled {
				if err := s.Disable(job.ID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added job %s (%s), disabled\n", job.ID, job.Schedule)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added job %s (%s)\n", job.ID, job.Schedule)
			return nil
		},
	}

	cmd.Flags().String("channel", "", "channel that receives the agent's reply (discord, telegram)")
	cmd.Flags().String("to", "", "chat or channel id on that platform")
	cmd.Flags().String("id", "", "job id (generated when empty)")
	cmd.Flags().Bool("disabled", false, "store the job without enabling it")
	return cmd
}

func newCronRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a scheduled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openScheduler(cmd)
			if err != nil {
				return err
			}
			if err := s.Remove(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed job %s\n", args[0])
			return nil
		},
	}
}

func newCronToggleCmd(use, short string, apply func(*scheduler.Scheduler, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openScheduler(cmd)
			if err != nil {
				return err
			}
			if err := apply(s, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s %sd\n", args[0], use)
			return nil
		},
	}
}
