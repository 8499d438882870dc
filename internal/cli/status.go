package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/convoflow/convoflow/internal/config"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "convoflow %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and runtime status",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	printHeader(out, "📊 convoflow status")
	fmt.Fprintf(out, "Version: %s\n", version)

	path, err := config.ConfigPath()
	if err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			ok(out, "Config: %s", path)
		} else {
			warn(out, "Config: not found at %s (using defaults)", path)
		}
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	ok(out, "Database: %s", a.Config.Database.Path)
	stats := a.Agents.Stats()
	fmt.Fprintf(out, "Agents: %d (%d with sub-agents)\n", stats.Total, stats.WithSubagents)
	if a.Orchestrator != nil {
		ok(out, "LLM provider: %s", a.LLM.DefaultModel())
	} else {
		warn(out, "LLM provider: not configured")
	}
	if a.Embedder.Available() {
		ok(out, "Embeddings: %s (%d dims)", a.Embedder.ModelName(), a.Embedder.Dimension())
	} else {
		warn(out, "Embeddings: unavailable")
	}
	if len(a.Config.Bus.Brokers) > 0 {
		fmt.Fprintf(out, "Bus: kafka %v\n", a.Config.Bus.Brokers)
	} else {
		fmt.Fprintln(out, "Bus: in-process")
	}
	fmt.Fprintf(out, "Learning: %v   Triggers: %v\n", a.Config.SICC.Enabled, a.Config.Triggers.Enabled)
	return nil
}
