package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var metricsCmd = &cobra.Command{
	Use:   "metrics <agent>",
	Short: "Show an agent's learning metrics",
	Args:  cobra.ExactArgs(1),
	RunE:  runMetrics,
}

func init() {
	metricsCmd.Flags().Int("days", 30, "Window in days")
	metricsCmd.Flags().Bool("daily", false, "Print one row per day")
	metricsCmd.Flags().Bool("json", false, "Output machine-readable JSON")
}

func runMetrics(cmd *cobra.Command, args []string) error {
	days, _ := cmd.Flags().GetInt("days")
	daily, _ := cmd.Flags().GetBool("daily")
	asJSON, _ := cmd.Flags().GetBool("json")

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	ag, err := resolveAgent(a, args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if daily {
		rows, err := a.Metrics.Get(cmd.Context(), ag.ID, days)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(out, rows)
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "DATE\tINTERACTIONS\tSUCCESS\tAVG MS\tSATISFACTION\tMEMORIES\tPATTERNS\tLEARNINGS")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%d\t%d\t%.0f\t%.2f\t%d\t%d\t%d\n", r.Date, r.TotalInteractions, r.SuccessfulInteractions,
				r.AvgResponseTimeMs, r.UserSatisfactionScore, r.MemoryChunksUsed, r.PatternsApplied, r.NewLearnings)
		}
		return w.Flush()
	}

	sum, err := a.Metrics.Aggregate(cmd.Context(), ag.ID, days)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(out, sum)
	}
	printHeader(out, fmt.Sprintf("📈 %s, last %d days", ag.Slug, days))
	fmt.Fprintf(out, "Interactions:       %d (%.0f%% successful)\n", sum.TotalInteractions, sum.SuccessRate*100)
	fmt.Fprintf(out, "Avg response time:  %.0f ms\n", sum.AvgResponseTimeMs)
	fmt.Fprintf(out, "Avg satisfaction:   %.2f\n", sum.AvgSatisfaction)
	fmt.Fprintf(out, "Memories used:      %d\n", sum.MemoryChunksUsed)
	fmt.Fprintf(out, "Patterns applied:   %d\n", sum.PatternsApplied)
	fmt.Fprintf(out, "New learnings:      %d (%.2f/day)\n", sum.NewLearnings, sum.LearningVelocity)
	return nil
}
