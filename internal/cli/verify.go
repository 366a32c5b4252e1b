package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/procwarden/internal/model"
	"github.com/ppiankov/procwarden/internal/provenance"
)

func init() {
	rootCmd.AddCommand(verifyCmd)
}

var verifyCmd = &cobra.Command{
	Use:   "verify PATH...",
	Short: "Check executables against the package manager",
	Long:  "Prints the provenance verdict for each path as JSON. Exits 1 if any path is not Verified.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runVerify,
}

type verifyReport struct {
	Path string `json:"path"`
	model.ProvenanceResult
}

func runVerify(cmd *cobra.Command, args []string) error {
	s, err := loadSession()
	if err != nil {
		return err
	}
	if s.manager == provenance.ManagerNone {
		fmt.Fprintln(os.Stderr, "warning: no package manager available; every path reports Error")
	}

	if n := verifyPaths(cmd.Context(), os.Stdout, s.verifier, args); n > 0 {
		return fmt.Errorf("%d of %d paths not verified", n, len(args))
	}
	return nil
}

// verifyPaths writes one JSON report per path and returns how many were
// not Verified.
func verifyPaths(ctx context.Context, w io.Writer, v provenance.Verifier, paths []string) int {
	failed := 0
	for _, p := range paths {
		r := verifyReport{Path: p, ProvenanceResult: v.Verify(ctx, p)}
		if !r.Status.Trusted() {
			failed++
		}
		out, _ := json.MarshalIndent(r, "", "  ")
		fmt.Fprintln(w, string(out))
	}
	return failed
}
