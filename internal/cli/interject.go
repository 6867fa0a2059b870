package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/steveyackey/bloom/internal/humanq"
)

var interjectCmd = &cobra.Command{
	Use:   "interject <agent-name>",
	Short: "Pre-empt a running agent session for human takeover",
	Long: `Creates an interjection request for the named agent. The running
orchestrator picks the request up, gracefully terminates the agent's
session, and records the session id and working directory so the run can
be resumed once the human pane closes.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		reason, _ := cmd.Flags().GetString("reason")
		id, err := openQueue().CreateInterjection(args[0], "", humanq.InterjectOptions{Reason: reason})
		if err != nil {
			fatal(err)
		}
		fmt.Println(id)
	},
}

var interjectionsCmd = &cobra.Command{
	Use:   "interjections",
	Short: "List interjections",
	Run: func(cmd *cobra.Command, args []string) {
		records, err := openQueue().ListInterjections("")
		if err != nil {
			fatal(err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tAGENT\tTASK\tSTATUS\tSESSION\tWORKDIR")
		for _, record := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				record.ID, record.AgentName, record.TaskID, record.Status,
				record.SessionID, record.WorkingDirectory)
		}
		w.Flush()
	},
}

var interjectionResumeCmd = &cobra.Command{
	Use:   "resume <interjection-id>",
	Short: "Mark an interjection resumed (human pane closed)",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := openQueue().MarkInterjectionResumed(args[0]); err != nil {
			fatal(err)
		}
		fmt.Println("resumed")
	},
}

var interjectionDismissCmd = &cobra.Command{
	Use:   "dismiss <interjection-id>",
	Short: "Dismiss an interjection",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := openQueue().DismissInterjection(args[0]); err != nil {
			fatal(err)
		}
		fmt.Println("dismissed")
	},
}

func init() {
	interjectCmd.Flags().String("reason", "", "why the session is being taken over")
	interjectionsCmd.AddCommand(interjectionResumeCmd)
	interjectionsCmd.AddCommand(interjectionDismissCmd)
	rootCmd.AddCommand(interjectCmd)
	rootCmd.AddCommand(interjectionsCmd)
}
