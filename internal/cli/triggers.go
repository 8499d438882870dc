package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/convoflow/convoflow/internal/trigger"
)

var (
	triggersCmd = &cobra.Command{
		Use:   "triggers",
		Short: "Manage automation triggers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	triggersImportCmd = &cobra.Command{
		Use:   "import <triggers.yaml>",
		Short: "Create triggers from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE:  runTriggersImport,
	}

	triggersListCmd = &cobra.Command{
		Use:   "list",
		Short: "List triggers",
		RunE:  runTriggersList,
	}

	triggersEnableCmd = &cobra.Command{
		Use:   "enable <id>",
		Short: "Activate a trigger",
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return setTriggerActive(cmd, args[0], true) },
	}

	triggersDisableCmd = &cobra.Command{
		Use:   "disable <id>",
		Short: "Deactivate a trigger",
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return setTriggerActive(cmd, args[0], false) },
	}

	triggersDeleteCmd = &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a trigger and its execution log",
		Args:  cobra.ExactArgs(1),
		RunE:  runTriggersDelete,
	}

	triggersTickCmd = &cobra.Command{
		Use:   "tick",
		Short: "Evaluate every active trigger once and run due actions",
		RunE:  runTriggersTick,
	}

	triggersFireCmd = &cobra.Command{
		Use:   "fire <event-type> <record-id>",
		Short: "Evaluate event triggers for one record, as if it had just changed",
		Args:  cobra.ExactArgs(2),
		RunE:  runTriggersFire,
	}

	triggersExecutionsCmd = &cobra.Command{
		Use:   "executions <id>",
		Short: "Show a trigger's execution log",
		Args:  cobra.ExactArgs(1),
		RunE:  runTriggersExecutions,
	}
)

// triggerFile is the import format: a list under "triggers".
type triggerFile struct {
	Triggers []trigger.Trigger `yaml:"triggers"`
}

func init() {
	triggersListCmd.Flags().String("client", "", "Filter by client ID")
	triggersListCmd.Flags().Bool("json", false, "Output machine-readable JSON")
	triggersFireCmd.Flags().String("client", "", "Only triggers of this client")
	triggersExecutionsCmd.Flags().Int("limit", 20, "Maximum rows")
	triggersExecutionsCmd.Flags().Bool("json", false, "Output machine-readable JSON")
	triggersCmd.AddCommand(triggersImportCmd, triggersListCmd, triggersEnableCmd, triggersDisableCmd,
		triggersDeleteCmd, triggersTickCmd, triggersFireCmd, triggersExecutionsCmd)
}

func runTriggersImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read trigger file: %w", err)
	}
	var f triggerFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse trigger file: %w", err)
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	var failed int
	for i := range f.Triggers {
		t := &f.Triggers[i]
		if err := a.Triggers.Create(cmd.Context(), t); err != nil {
			warn(out, "%s: %v", t.Name, err)
			failed++
			continue
		}
		ok(out, "Created %s (%s)", t.Name, t.ID)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d triggers rejected", failed, len(f.Triggers))
	}
	return nil
}

func runTriggersList(cmd *cobra.Command, args []string) error {
	client, _ := cmd.Flags().GetString("client")
	asJSON, _ := cmd.Flags().GetBool("json")

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	list, err := a.Triggers.List(cmd.Context(), client)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if asJSON {
		return printJSON(out, list)
	}
	if len(list) == 0 {
		fmt.Fprintln(out, "No triggers.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCLIENT\tTYPE\tACTION\tACTIVE\tRUNS\tLAST RUN")
	for _, t := range list {
		last := "-"
		if t.LastExecutedAt != nil {
			last = t.LastExecutedAt.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%v\t%d\t%s\n",
			t.ID, t.Name, t.ClientID, t.TriggerType, t.ActionType, t.Active, t.ExecutionCount, last)
	}
	return w.Flush()
}

func setTriggerActive(cmd *cobra.Command, id string, active bool) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Triggers.SetActive(cmd.Context(), id, active); err != nil {
		return err
	}
	state := "Disabled"
	if active {
		state = "Enabled"
	}
	ok(cmd.OutOrStdout(), "%s %s", state, id)
	return nil
}

func runTriggersDelete(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Triggers.Delete(cmd.Context(), args[0]); err != nil {
		return err
	}
	ok(cmd.OutOrStdout(), "Deleted %s", args[0])
	return nil
}

func runTriggersTick(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	stop := a.StartQueue(cmd.Context())
	stats, err := a.Engine.Tick(cmd.Context())
	stop()
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), stats)
}

func runTriggersFire(cmd *cobra.Command, args []string) error {
	client, _ := cmd.Flags().GetString("client")
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	stop := a.StartQueue(cmd.Context())
	stats, err := a.Engine.HandleEvent(cmd.Context(), trigger.Event{Type: args[0], ID: args[1], ClientID: client})
	stop()
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), stats)
}

func runTriggersExecutions(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	asJSON, _ := cmd.Flags().GetBool("json")

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	execs, err := a.Triggers.Executions(cmd.Context(), args[0], limit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if asJSON {
		return printJSON(out, execs)
	}
	if len(execs) == 0 {
		fmt.Fprintln(out, "No executions.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EXECUTED\tCONDITION\tACTION\tMS\tERROR")
	for _, e := range execs {
		fmt.Fprintf(w, "%s\t%v\t%v\t%d\t%s\n", e.ExecutedAt.Format("2006-01-02 15:04:05"),
			e.ConditionMet, e.ActionExecuted, e.ExecutionTimeMs, dash(e.Error))
	}
	return w.Flush()
}
