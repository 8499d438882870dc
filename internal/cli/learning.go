package cli

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/convoflow/convoflow/internal/agents"
	"github.com/convoflow/convoflow/internal/app"
	"github.com/convoflow/convoflow/internal/learning"
)

var (
	learningCmd = &cobra.Command{
		Use:   "learning",
		Short: "Review and consolidate what agents have learned",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	learningListCmd = &cobra.Command{
		Use:   "list",
		Short: "List learning logs, newest first",
		RunE:  runLearningList,
	}

	learningApproveCmd = &cobra.Command{
		Use:   "approve <log-id>...",
		Short: "Approve pending learnings and consolidate them",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runLearningApprove,
	}

	learningRejectCmd = &cobra.Command{
		Use:   "reject <log-id>...",
		Short: "Reject pending learnings",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runLearningReject,
	}

	learningAnalyzeCmd = &cobra.Command{
		Use:   "analyze <agent>",
		Short: "Mine an agent's recent conversations for learnings",
		Args:  cobra.ExactArgs(1),
		RunE:  runLearningAnalyze,
	}

	learningConsolidateCmd = &cobra.Command{
		Use:   "consolidate",
		Short: "Run one consolidation cycle for every active agent",
		RunE:  runLearningConsolidate,
	}

	learningSettingsCmd = &cobra.Command{
		Use:   "settings <agent>",
		Short: "Show an agent's learning settings",
		Long: `Show an agent's learning settings.

A learning at or above auto_approve_threshold is applied without review, one at
or above manual_review_threshold waits in "learning list --status pending", and
anything lower is rejected. The defaults are 0.9 and 0.7, so a 0.65 learning is
rejected; --hybrid saves the 0.8 / 0.5 band under which it waits for review.`,
		Args: cobra.ExactArgs(1),
		RunE: runLearningSettings,
	}
)

func init() {
	learningListCmd.Flags().String("agent", "", "Filter by agent ID or slug")
	learningListCmd.Flags().String("status", "", "Filter by status (pending, approved, applied, rejected)")
	learningListCmd.Flags().Int("limit", 50, "Maximum rows")
	learningListCmd.Flags().Bool("json", false, "Output machine-readable JSON")
	learningApproveCmd.Flags().String("by", "cli", "Reviewer name")
	learningRejectCmd.Flags().String("by", "cli", "Reviewer name")
	learningSettingsCmd.Flags().Bool("hybrid", false, "Save the 0.8 / 0.5 approval thresholds for the agent")
	learningRejectCmd.Flags().String("reason", "", "Why the learnings are rejected")
	learningAnalyzeCmd.Flags().Int("hours", 0, "Look-back window in hours (default from config)")
	learningAnalyzeCmd.Flags().Int("min-messages", 0, "Skip conversations shorter than this (default from config)")
	learningConsolidateCmd.Flags().Bool("json", false, "Output machine-readable JSON")
	learningCmd.AddCommand(learningListCmd, learningApproveCmd, learningRejectCmd,
		learningAnalyzeCmd, learningConsolidateCmd, learningSettingsCmd)
}

func resolveAgent(a *app.App, ref string) (*agents.Agent, error) {
	ag, found := a.Agents.Lookup(ref)
	if !found {
		return nil, fmt.Errorf("%w: %s", agents.ErrNotFound, ref)
	}
	return ag, nil
}

func runLearningList(cmd *cobra.Command, args []string) error {
	agentRef, _ := cmd.Flags().GetString("agent")
	status, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")
	asJSON, _ := cmd.Flags().GetBool("json")

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	filter := learning.Filter{Status: status, Limit: limit}
	if agentRef != "" {
		ag, err := resolveAgent(a, agentRef)
		if err != nil {
			return err
		}
		filter.AgentID = ag.ID
	}
	logs, err := a.Pipeline.Logs().List(cmd.Context(), filter)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if asJSON {
		return printJSON(out, logs)
	}
	if len(logs) == 0 {
		fmt.Fprintln(out, "No learning logs.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tCONF\tCONTENT")
	for _, l := range logs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%s\n", l.ID, l.LearningType, l.Status, l.Confidence, truncate(l.Content, 60))
	}
	return w.Flush()
}

func runLearningApprove(cmd *cobra.Command, args []string) error {
	by, _ := cmd.Flags().GetString("by")
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()
	return printBatch(cmd, "Approved", a.Pipeline.BatchApprove(cmd.Context(), args, by))
}

func runLearningReject(cmd *cobra.Command, args []string) error {
	by, _ := cmd.Flags().GetString("by")
	reason, _ := cmd.Flags().GetString("reason")
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()
	return printBatch(cmd, "Rejected", a.Pipeline.BatchReject(cmd.Context(), args, by, reason))
}

func printBatch(cmd *cobra.Command, verb string, res learning.BatchResult) error {
	out := cmd.OutOrStdout()
	for _, id := range res.Succeeded {
		ok(out, "%s %s", verb, id)
	}
	ids := make([]string, 0, len(res.Failed))
	for id := range res.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		warn(out, "%s: %v", id, res.Failed[id])
	}
	if len(res.Failed) > 0 {
		return fmt.Errorf("%d of %d failed", len(res.Failed), len(res.Failed)+len(res.Succeeded))
	}
	return nil
}

func runLearningAnalyze(cmd *cobra.Command, args []string) error {
	hours, _ := cmd.Flags().GetInt("hours")
	minMessages, _ := cmd.Flags().GetInt("min-messages")

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	ag, err := resolveAgent(a, args[0])
	if err != nil {
		return err
	}
	if hours <= 0 {
		hours = a.Config.SICC.AnalysisWindowHours
	}
	if minMessages <= 0 {
		minMessages = a.Config.SICC.AnalysisMinMessages
	}
	stats, err := a.Learning.AnalyzeConversations(cmd.Context(), ag.ID, hours, minMessages)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), stats)
}

func runLearningConsolidate(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	stats := a.Worker.RunOnce(cmd.Context())
	out := cmd.OutOrStdout()
	if asJSON {
		return printJSON(out, stats)
	}
	ok(out, "Consolidated %d agents: %d applied, %d new candidates, %d patterns retired, %d chunks pruned, %d snapshots",
		stats.Agents, stats.Applied, stats.Candidates, stats.PatternsRetired, stats.ChunksPruned, stats.SnapshotsTaken)
	if stats.Errors > 0 {
		warn(out, "%d errors, see log", stats.Errors)
	}
	return nil
}

func runLearningSettings(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	ag, err := resolveAgent(a, args[0])
	if err != nil {
		return err
	}
	st, err := a.Settings.Get(cmd.Context(), ag.ID)
	if err != nil {
		return err
	}
	if hybrid, _ := cmd.Flags().GetBool("hybrid"); hybrid {
		h := learning.HybridSettings()
		st.AutoApproveThreshold, st.ManualReviewThreshold = h.AutoApproveThreshold, h.ManualReviewThreshold
		if err := a.Settings.Save(cmd.Context(), ag.ID, st); err != nil {
			return err
		}
	}
	return printJSON(cmd.OutOrStdout(), st)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
