package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ppiankov/procwarden/internal/audit"
	"github.com/ppiankov/procwarden/internal/config"
	"github.com/ppiankov/procwarden/internal/model"
)

var (
	tailLines int
	tailJSON  bool
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditTailCmd)
	auditTailCmd.Flags().IntVarP(&tailLines, "lines", "n", 10, "Number of recent events to show")
	auditTailCmd.Flags().BoolVar(&tailJSON, "json", false, "Print events as JSON")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Event log operations",
	Long:  "Commands for verifying and inspecting the security event log.",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [path]",
	Short: "Verify hash chain integrity of a JSONL event log",
	Long: `Walks the JSONL event log and checks that every entry's prev_hash
matches the SHA-256 of the previous line. Defaults to the configured log.
Exits 0 if valid, 1 if tampered.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAuditVerify,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent security events",
	Long:  "Reads the configured event log (csv, jsonl or sqlite) and prints the last N events.",
	Args:  cobra.NoArgs,
	RunE:  runAuditTail,
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	path := ""
	if len(args) == 1 {
		path = args[0]
	} else {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cfg.EventLog.Format != audit.FormatJSONL {
			return fmt.Errorf("event log format is %s; only jsonl logs carry a hash chain", cfg.EventLog.Format)
		}
		path = cfg.EventLogPath()
	}

	result := audit.Verify(path)
	if result.Valid {
		fmt.Printf("OK: %d entries verified (%d blocked, %d permitted)\n", result.Lines, result.Blocked, result.Permitted)
		return nil
	}
	fmt.Fprintf(os.Stderr, "FAILED at line %d: %s\n", result.ErrorLine, result.Error)
	os.Exit(1)
	return nil
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	events, err := audit.ReadAll(cfg.EventLog.Format, cfg.EventLogPath())
	if err != nil {
		return err
	}
	events = lastEvents(events, tailLines)

	if tailJSON {
		out, _ := json.MarshalIndent(events, "", "  ")
		fmt.Println(string(out))
		return nil
	}
	printEvents(os.Stdout, events)
	return nil
}

func lastEvents(events []model.ThreatEvent, n int) []model.ThreatEvent {
	if n <= 0 || n >= len(events) {
		return events
	}
	return events[len(events)-n:]
}

func printEvents(w io.Writer, events []model.ThreatEvent) {
	if len(events) == 0 {
		fmt.Fprintln(w, "No events.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tPID\tNAME\tALERT\tINTEGRITY\tACTION\tPATH")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n", e.Timestamp, e.PID, e.Name, e.AlertType, e.Integrity, e.Action, e.Path)
	}
	tw.Flush()
}
