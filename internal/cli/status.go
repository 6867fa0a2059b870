package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/steveyackey/bloom/internal/task"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the task graph and what is dispatchable",
	Run: func(cmd *cobra.Command, args []string) {
		store, err := task.Load(taskFilePath(), nil)
		if err != nil {
			fatal(err)
		}

		ready := make(map[string]bool)
		for _, t := range store.ReadySet("") {
			ready[t.ID] = true
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tAGENT\tREPO\tBRANCH\tPHASE\tREADY")
		for _, t := range store.Snapshot().Flatten() {
			phase := ""
			if t.Phase != nil {
				phase = fmt.Sprintf("%d", *t.Phase)
			}
			mark := ""
			if ready[t.ID] {
				mark = "*"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				t.ID, t.Status, t.AgentName, t.Repo, t.Branch, phase, mark)
		}
		w.Flush()
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset in_progress and blocked tasks back to ready_for_agent",
	Run: func(cmd *cobra.Command, args []string) {
		logger, err := newLogger()
		if err != nil {
			fatal(err)
		}
		defer logger.Sync()

		store, err := task.Load(taskFilePath(), logger)
		if err != nil {
			fatal(err)
		}
		n, err := store.ResetStuck()
		if err != nil {
			fatal(err)
		}
		fmt.Printf("reset %d task(s)\n", n)
	},
}

var taskDoneCmd = &cobra.Command{
	Use:   "done <task-id>",
	Short: "Close a task awaiting merge (done_pending_merge -> done)",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		store, err := task.Load(taskFilePath(), nil)
		if err != nil {
			fatal(err)
		}
		if err := store.SetStatus(args[0], task.StatusDone); err != nil {
			fatal(err)
		}
		fmt.Printf("%s is done\n", args[0])
	},
}

var assignCmd = &cobra.Command{
	Use:   "assign <task-id> <agent-name>",
	Short: "Assign an agent to a task",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		store, err := task.Load(taskFilePath(), nil)
		if err != nil {
			fatal(err)
		}
		if err := store.Assign(args[0], args[1]); err != nil {
			fatal(err)
		}
		fmt.Printf("%s assigned to %s\n", args[0], args[1])
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(taskDoneCmd)
	rootCmd.AddCommand(assignCmd)
}
