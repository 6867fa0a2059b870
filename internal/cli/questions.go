package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/steveyackey/bloom/internal/clock"
	"github.com/steveyackey/bloom/internal/humanq"
)

func openQueue() *humanq.Queue {
	queue, err := humanq.New(bloomDir, clock.New(), nil)
	if err != nil {
		fatal(err)
	}
	return queue
}

var questionsCmd = &cobra.Command{
	Use:   "questions",
	Short: "List pending agent questions",
	Run: func(cmd *cobra.Command, args []string) {
		all, _ := cmd.Flags().GetBool("all")
		status := humanq.QuestionPending
		if all {
			status = ""
		}
		records, err := openQueue().ListQuestions(status)
		if err != nil {
			fatal(err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tAGENT\tSTATUS\tQUESTION")
		for _, record := range records {
			q := record.Question
			if len(record.Options) > 0 {
				q += " [" + strings.Join(record.Options, "/") + "]"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", record.ID, record.AgentName, record.Status, q)
		}
		w.Flush()
	},
}

var answerCmd = &cobra.Command{
	Use:   "answer <question-id> <answer>",
	Short: "Answer a pending question",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ok, err := openQueue().AnswerQuestion(args[0], args[1])
		if err != nil {
			fatal(err)
		}
		if !ok {
			fatal(fmt.Errorf("question %s not found", args[0]))
		}
		fmt.Println("answered")
	},
}

var clearAnsweredCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete answered questions",
	Run: func(cmd *cobra.Command, args []string) {
		n, err := openQueue().ClearAnswered()
		if err != nil {
			fatal(err)
		}
		fmt.Printf("cleared %d question(s)\n", n)
	},
}

func init() {
	questionsCmd.Flags().Bool("all", false, "include answered questions")
	questionsCmd.AddCommand(answerCmd)
	questionsCmd.AddCommand(clearAnsweredCmd)
	rootCmd.AddCommand(questionsCmd)
}
