package cli

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/steveyackey/bloom/internal/agent"
	"github.com/steveyackey/bloom/internal/version"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List supported agents and probe their availability",
	Run: func(cmd *cobra.Command, args []string) {
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tCOMMAND\tAVAILABLE\tMISSING ENV\tINSTALL")
		for _, name := range agent.List() {
			spec, err := agent.Get(name)
			if err != nil {
				continue
			}
			available := "no"
			if _, err := exec.LookPath(spec.Command); err == nil {
				available = "yes"
			}
			var missing []string
			for _, key := range spec.Env.Required {
				if os.Getenv(key) == "" {
					missing = append(missing, key)
				}
			}
			install := ""
			if available == "no" {
				install = spec.Docs
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				name, spec.Command, available, strings.Join(missing, ","), install)
		}
		w.Flush()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		if verbose {
			fmt.Println(version.Full())
		} else {
			fmt.Println(version.Info())
		}
	},
}

func init() {
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(versionCmd)
}
