package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/convoflow/convoflow/internal/snapshot"
)

var (
	snapshotCmd = &cobra.Command{
		Use:   "snapshot",
		Short: "Create, compare and restore learning snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	snapshotCreateCmd = &cobra.Command{
		Use:   "create <agent>",
		Short: "Snapshot an agent's active memories and patterns",
		Args:  cobra.ExactArgs(1),
		RunE:  runSnapshotCreate,
	}

	snapshotListCmd = &cobra.Command{
		Use:   "list <agent>",
		Short: "List an agent's snapshots",
		Args:  cobra.ExactArgs(1),
		RunE:  runSnapshotList,
	}

	snapshotRestoreCmd = &cobra.Command{
		Use:   "restore <snapshot-id>",
		Short: "Roll an agent back to a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE:  runSnapshotRestore,
	}

	snapshotCompareCmd = &cobra.Command{
		Use:   "compare <from-id> <to-id>",
		Short: "Show what changed between two snapshots",
		Args:  cobra.ExactArgs(2),
		RunE:  runSnapshotCompare,
	}

	snapshotArchiveCmd = &cobra.Command{
		Use:   "archive",
		Short: "Delete automatic snapshots past the retention window",
		RunE:  runSnapshotArchive,
	}
)

func init() {
	snapshotCreateCmd.Flags().String("type", snapshot.TypeManual, "Snapshot type (manual, milestone)")
	snapshotCreateCmd.Flags().String("description", "", "Free-form note")
	snapshotListCmd.Flags().Bool("json", false, "Output machine-readable JSON")
	snapshotArchiveCmd.Flags().Int("days", 0, "Retention in days (default from config)")
	snapshotCmd.AddCommand(snapshotCreateCmd, snapshotListCmd, snapshotRestoreCmd, snapshotCompareCmd, snapshotArchiveCmd)
}

func runSnapshotCreate(cmd *cobra.Command, args []string) error {
	kind, _ := cmd.Flags().GetString("type")
	desc, _ := cmd.Flags().GetString("description")

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	ag, err := resolveAgent(a, args[0])
	if err != nil {
		return err
	}
	snap, err := a.Snapshots.Create(cmd.Context(), ag.ID, kind, desc)
	if err != nil {
		return err
	}
	ok(cmd.OutOrStdout(), "Snapshot %s: %d memories, %d patterns", snap.ID, snap.MemoryCount, snap.PatternCount)
	return nil
}

func runSnapshotList(cmd *cobra.Command, args []string) error {
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
	snaps, err := a.Snapshots.List(cmd.Context(), ag.ID)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if asJSON {
		return printJSON(out, snaps)
	}
	if len(snaps) == 0 {
		fmt.Fprintln(out, "No snapshots.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tMEMORIES\tPATTERNS\tCREATED\tDESCRIPTION")
	for _, s := range snaps {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n", s.ID, s.SnapshotType, s.MemoryCount, s.PatternCount,
			s.CreatedAt.Format("2006-01-02 15:04"), dash(s.Description))
	}
	return w.Flush()
}

func runSnapshotRestore(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.Snapshots.Restore(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	ok(out, "Restored %s (backup %s)", res.SnapshotID, res.BackupID)
	fmt.Fprintf(out, "Deactivated %d memories and %d patterns learned since.\n", res.MemoriesDeactivated, res.PatternsDeactivated)
	return nil
}

func runSnapshotCompare(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	diff, err := a.Snapshots.Compare(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), diff)
}

func runSnapshotArchive(cmd *cobra.Command, args []string) error {
	days, _ := cmd.Flags().GetInt("days")
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if days <= 0 {
		days = a.Config.SICC.SnapshotRetentionDays
	}
	n, err := a.Snapshots.Archive(cmd.Context(), days)
	if err != nil {
		return err
	}
	ok(cmd.OutOrStdout(), "Archived %d snapshots older than %d days", n, days)
	return nil
}
