package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/convoflow/convoflow/internal/agents"
)

var (
	agentsCmd = &cobra.Command{
		Use:   "agents",
		Short: "Manage agents and sub-agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	agentsImportCmd = &cobra.Command{
		Use:   "import <seed.yaml>",
		Short: "Create or update agents from a YAML seed file",
		Args:  cobra.ExactArgs(1),
		RunE:  runAgentsImport,
	}

	agentsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE:  runAgentsList,
	}

	agentsShowCmd = &cobra.Command{
		Use:   "show <id|slug>",
		Short: "Show an agent with its effective (inherited) config",
		Args:  cobra.ExactArgs(1),
		RunE:  runAgentsShow,
	}

	agentsDeactivateCmd = &cobra.Command{
		Use:   "deactivate <id|slug>",
		Short: "Deactivate an agent",
		Args:  cobra.ExactArgs(1),
		RunE:  runAgentsDeactivate,
	}
)

func init() {
	agentsListCmd.Flags().Bool("all", false, "Include inactive agents")
	agentsListCmd.Flags().Bool("json", false, "Output machine-readable JSON")
	agentsShowCmd.Flags().Bool("json", false, "Output machine-readable JSON")
	agentsCmd.AddCommand(agentsImportCmd, agentsListCmd, agentsShowCmd, agentsDeactivateCmd)
}

func runAgentsImport(cmd *cobra.Command, args []string) error {
	seed, err := agents.LoadSeedFile(args[0])
	if err != nil {
		return err
	}
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.AgentRepo.Import(cmd.Context(), seed)
	if err != nil {
		return err
	}
	ok(cmd.OutOrStdout(), "Imported %d agents (%d created, %d updated)", res.Created+res.Updated, res.Created, res.Updated)
	return nil
}

func runAgentsList(cmd *cobra.Command, args []string) error {
	all, _ := cmd.Flags().GetBool("all")
	asJSON, _ := cmd.Flags().GetBool("json")

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	var list []agents.Agent
	if all {
		list, err = a.AgentRepo.List(cmd.Context())
	} else {
		list, err = a.AgentRepo.ListActive(cmd.Context())
	}
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if asJSON {
		return printJSON(out, list)
	}
	if len(list) == 0 {
		fmt.Fprintln(out, "No agents. Import some with `convoflow agents import <seed.yaml>`.")
		return nil
	}
	slugs := make(map[string]string, len(list))
	for _, ag := range list {
		slugs[ag.ID] = ag.Slug
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SLUG\tNAME\tPARENT\tCLIENT\tMODEL\tTOPICS\tACTIVE")
	fmt.Fprintln(w, "----\t----\t------\t------\t-----\t------\t------")
	for _, ag := range list {
		parent := slugs[ag.ParentID]
		if ag.ParentID != "" && parent == "" {
			parent = ag.ParentID
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%v\n",
			ag.Slug, ag.Name, dash(parent), dash(ag.ClientID), dash(ag.Model),
			dash(strings.Join(ag.Topics, ",")), ag.IsActive)
	}
	return w.Flush()
}

func runAgentsShow(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	ag, found := a.Agents.Lookup(args[0])
	if !found {
		return fmt.Errorf("%w: %s", agents.ErrNotFound, args[0])
	}
	effective := a.Agents.EffectiveConfig(ag)
	out := cmd.OutOrStdout()
	if asJSON {
		return printJSON(out, map[string]any{"agent": ag, "effective_config": effective})
	}
	fmt.Fprintf(out, "%s (%s)\n", ag.Name, ag.Slug)
	fmt.Fprintf(out, "ID:     %s\n", ag.ID)
	fmt.Fprintf(out, "Type:   %s\n", ag.Type())
	fmt.Fprintf(out, "Client: %s\n", dash(ag.ClientID))
	fmt.Fprintf(out, "Model:  %s\n", dash(ag.Model))
	if subs := a.Agents.SubagentsOf(ag.ID); len(subs) > 0 {
		names := make([]string, 0, len(subs))
		for _, s := range subs {
			names = append(names, fmt.Sprintf("%s [%s]", s.Slug, strings.Join(s.Topics, ",")))
		}
		fmt.Fprintf(out, "Sub-agents: %s\n", strings.Join(names, ", "))
	}
	fmt.Fprintln(out, "Effective config:")
	return printJSON(out, effective)
}

func runAgentsDeactivate(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	ag, found := a.Agents.Lookup(args[0])
	if !found {
		return fmt.Errorf("%w: %s", agents.ErrNotFound, args[0])
	}
	if err := a.AgentRepo.Deactivate(cmd.Context(), ag.ID); err != nil {
		return err
	}
	ok(cmd.OutOrStdout(), "Deactivated %s", ag.Slug)
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
