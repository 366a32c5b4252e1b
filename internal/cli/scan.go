package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ppiankov/procwarden/internal/model"
	"github.com/ppiankov/procwarden/internal/monitor"
	"github.com/ppiankov/procwarden/internal/provenance"
)

var (
	scanVerify bool
	scanJSON   bool
)

func init() {
	scanCmd.Flags().BoolVar(&scanVerify, "verify", false, "Query the package manager for each anomaly")
	scanCmd.Flags().BoolVar(&scanJSON, "json", false, "Print anomalies as JSON")
	rootCmd.AddCommand(scanCmd)
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Classify the process table once without gating",
	Long: `Dry run: reads /proc, flags fileless processes and executables outside
trusted directories, and prints them. Nothing is prompted, learned, logged
or terminated.`,
	RunE: runScan,
}

// anomalyReport is one row of scan output.
type anomalyReport struct {
	PID        int                     `json:"pid"`
	Name       string                  `json:"name"`
	Path       string                  `json:"path"`
	Alert      model.AlertType         `json:"alert_type"`
	Catalogued bool                    `json:"catalogued"`
	Provenance *model.ProvenanceResult `json:"provenance,omitempty"`
}

func runScan(cmd *cobra.Command, args []string) error {
	s, err := loadSession()
	if err != nil {
		return err
	}

	scanner := monitor.NewProcfsScanner(0)
	snaps, err := scanner.Scan()
	if err != nil {
		return err
	}

	var verifier provenance.Verifier
	if scanVerify {
		verifier = s.verifier
	}
	reports := classifyAll(cmd.Context(), monitor.NewClassifier(s.cfg.TrustedDirs, s.cfg.UserDirs), s.store, verifier, snaps)

	if scanJSON {
		out, _ := json.MarshalIndent(reports, "", "  ")
		fmt.Println(string(out))
		return nil
	}

	printReports(os.Stdout, reports)
	stats := scanner.Stats()
	fmt.Printf("\n%d processes scanned, %d anomalies (%d skipped: access denied)\n", len(snaps), len(reports), stats.AccessDenied)
	return nil
}

// classifyAll flags snaps and, when verifier is set, attaches provenance.
func classifyAll(
	ctx context.Context,
	c *monitor.Classifier,
	kb monitor.Catalogue,
	verifier provenance.Verifier,
	snaps []model.ProcessSnapshot,
) []anomalyReport {
	if ctx == nil {
		ctx = context.Background()
	}
	reports := []anomalyReport{}
	for _, p := range snaps {
		alert, flagged := c.Classify(p)
		if !flagged {
			continue
		}
		_, catalogued := kb.Lookup(p.Name)
		r := anomalyReport{PID: p.PID, Name: p.Name, Path: p.Exe, Alert: alert, Catalogued: catalogued}
		if verifier != nil {
			prov := provenance.VerifyProcess(ctx, verifier, p)
			r.Provenance = &prov
		}
		reports = append(reports, r)
	}
	return reports
}

func printReports(w io.Writer, reports []anomalyReport) {
	if len(reports) == 0 {
		fmt.Fprintln(w, "No anomalies.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PID\tNAME\tALERT\tKB\tINTEGRITY\tPATH")
	for _, r := range reports {
		kb := "-"
		if r.Catalogued {
			kb = "yes"
		}
		integrity := "-"
		if r.Provenance != nil {
			integrity = string(r.Provenance.Status)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", r.PID, r.Name, r.Alert, kb, integrity, r.Path)
	}
	tw.Flush()
}
