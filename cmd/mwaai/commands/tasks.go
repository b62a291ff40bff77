package commands

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/jholhewres/mwaai/pkg/mwaai/scheduler"
	"github.com/spf13/cobra"
)

// newTasksCmd creates the `mwaai tasks` command to inspect scheduled messages.
func newTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Manage scheduled messages",
		Long: `Inspect and manage the messages waiting to be delivered.

Examples:
  mwaai tasks list
  mwaai tasks add "2026-11-01 09:00" 5511999999999 "Stand-up in 15 minutes" --endpoint 1234
  mwaai tasks dead`,
	}

	cmd.AddCommand(
		newTasksListCmd(),
		newTasksAddCmd(),
		newTasksDeadCmd(),
	)
	return cmd
}

func newTasksListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending tasks, in arrival order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			stores, err := openStores(cmd)
			if err != nil {
				return err
			}
			defer stores.Close()

			tasks, err := stores.Tasks.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Println("No scheduled tasks.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tDUE (UTC)\tTO\tENDPOINT\tATTEMPTS\tMESSAGE")
			for _, t := range tasks {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					t.ID, scheduler.FormatTime(t.DueTime), t.Destination, t.Endpoint, t.Attempts, oneLine(t.Message))
			}
			return w.Flush()
		},
	}
}

func newTasksAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <due> <to> <message>",
		Short: "Schedule a message (due is ISO-8601, UTC when no zone is given)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			due, err := scheduler.ParseTime(args[0])
			if err != nil {
				return err
			}
			endpoint, _ := cmd.Flags().GetString("endpoint")

			stores, err := openStores(cmd)
			if err != nil {
				return err
			}
			defer stores.Close()

			task, err := stores.Tasks.Append(cmd.Context(), scheduler.Task{
				Message:     args[2],
				DueTime:     due,
				Destination: args[1],
				Endpoint:    endpoint,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Task %s scheduled for %s UTC.\n", task.ID, due.Format("2006-01-02 15:04:05"))
			return nil
		},
	}

	cmd.Flags().String("endpoint", "", "sending endpoint (Cloud API phone_number_id)")
	return cmd
}

func newTasksDeadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dead",
		Short: "List tasks that exhausted their delivery attempts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			stores, err := openStores(cmd)
			if err != nil {
				return err
			}
			defer stores.Close()

			dead, err := stores.Tasks.DeadLetters(cmd.Context())
			if err != nil {
				return err
			}
			if len(dead) == 0 {
				fmt.Println("No dead letters.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tFAILED AT\tTO\tATTEMPTS\tREASON")
			for _, d := range dead {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					d.Task.ID, scheduler.FormatTime(d.FailedAt), d.Task.Destination, d.Task.Attempts, oneLine(d.Reason))
			}
			return w.Flush()
		},
	}
}

// oneLine flattens and shortens text for table output.
func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > 60 {
		return string(r[:57]) + "..."
	}
	return s
}
