package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/proofwork/proofwork/internal/app/ledger"
	"github.com/proofwork/proofwork/internal/domain"
)

// ─── Ledger CLI ─────────────────────────────────────────────────────────────
// verify and repair operate on the configured store directly, so they work
// while the server is stopped.

func init() {
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(repairCmd)
	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.AddCommand(ledgerListCmd)
	ledgerCmd.AddCommand(ledgerTaskCmd)

	verifyCmd.Flags().Bool("json", false, "Print the full report as JSON")
	repairCmd.Flags().String("actor", "system", "Actor recorded on the LEDGER_REPAIRED entry")
	repairCmd.Flags().String("entry", "", "Repair a single entry by id")
	ledgerListCmd.Flags().Int64("after", 0, "Only entries with seq greater than this")
	ledgerListCmd.Flags().Int("limit", 50, "Maximum entries to print")
	ledgerTaskCmd.Flags().Bool("json", false, "Print the audit export as JSON")
}

// ─── verify ─────────────────────────────────────────────────────────────────

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the ledger hash chain",
	Long: `Walk the whole ledger in order, recompute every entry hash and check
linkage, uniqueness, timestamp order and Merkle checkpoints. Exits non-zero
when any violation is found.`,
	RunE: runVerify,
}

func runVerify(cmd *cobra.Command, args []string) error {
	d, err := openDaemon(cmd.Context())
	if err != nil {
		return err
	}
	defer d.Close()

	report, err := d.Verifier.Verify(cmd.Context())
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(os.Stdout, "entries:     %d\n", report.Total)
		fmt.Fprintf(os.Stdout, "last seq:    %d\n", report.LastSeq)
		fmt.Fprintf(os.Stdout, "last hash:   %s\n", report.LastHash)
		fmt.Fprintf(os.Stdout, "checkpoints: %d\n", report.CheckpointsChecked)
		for _, v := range report.Violations {
			fmt.Fprintf(os.Stdout, "VIOLATION seq=%d kind=%s entry=%s: %s\n", v.Seq, v.Kind, v.EntryID, v.Detail)
		}
	}
	if !report.OK {
		return fmt.Errorf("%d chain violations: %w", len(report.Violations), domain.ErrIntegrityViolation)
	}
	fmt.Fprintln(os.Stdout, "chain OK")
	return nil
}

// ─── repair ─────────────────────────────────────────────────────────────────

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Backfill hashes of legacy ledger entries",
	Long: `Fill the hash columns of entries written before hashing existed. Entries
that already carry a hash are never modified, even if verification reports
them as mismatched.`,
	RunE: runRepair,
}

func runRepair(cmd *cobra.Command, args []string) error {
	actor, _ := cmd.Flags().GetString("actor")
	entryID, _ := cmd.Flags().GetString("entry")

	d, err := openDaemon(cmd.Context())
	if err != nil {
		return err
	}
	defer d.Close()

	if entryID != "" {
		if err := d.Repairer.RepairEntry(cmd.Context(), actor, entryID); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "entry %s backfilled\n", entryID)
		return nil
	}
	res, err := d.Repairer.Repair(cmd.Context(), actor)
	if err != nil {
		return err
	}
	if len(res.Backfilled) == 0 {
		fmt.Fprintln(os.Stdout, "nothing to repair")
		return nil
	}
	fmt.Fprintf(os.Stdout, "backfilled %d entries (seq %d..%d)\n", len(res.Backfilled), res.FromSeq, res.ToSeq)
	return nil
}

// ─── ledger list / task ─────────────────────────────────────────────────────

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect ledger entries",
}

var ledgerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List entries in global order",
	RunE: func(cmd *cobra.Command, args []string) error {
		after, _ := cmd.Flags().GetInt64("after")
		limit, _ := cmd.Flags().GetInt("limit")

		d, err := openDaemon(cmd.Context())
		if err != nil {
			return err
		}
		defer d.Close()

		entries, err := d.Store.ListEntries(cmd.Context(), after, limit)
		if err != nil {
			return err
		}
		printEntries(entries)
		return nil
	},
}

var ledgerTaskCmd = &cobra.Command{
	Use:   "task TASK_ID",
	Short: "List entries for one task with its Merkle root",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDaemon(cmd.Context())
		if err != nil {
			return err
		}
		defer d.Close()

		audit, err := ledger.ExportTask(cmd.Context(), d.Store, args[0])
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(audit)
		}
		printEntries(audit.Entries)
		fmt.Fprintf(os.Stdout, "\nmerkle root: %s\nvalid:       %t\n", audit.MerkleRoot, audit.Valid)
		return nil
	},
}

func printEntries(entries []domain.LedgerEntry) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTIMESTAMP\tACTION\tACTOR\tTASK\tSTATUS\tHASH")
	for _, e := range entries {
		hash := e.EntryHash
		if len(hash) > 12 {
			hash = hash[:12]
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n", e.Seq, domain.FormatTimestamp(e.Timestamp),
			e.Action, e.ActorID, e.SubjectTaskID, e.IntegrityStatus, hash)
	}
	tw.Flush()
}
