package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/ppiankov/procwarden/internal/config"
	"github.com/ppiankov/procwarden/internal/console"
	"github.com/ppiankov/procwarden/internal/provenance"
	"github.com/ppiankov/procwarden/internal/systemd"
)

func init() {
	rootCmd.AddCommand(doctorCmd)
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check system readiness and diagnose configuration issues",
	RunE:  runDoctor,
}

type checkResult struct {
	label  string
	ok     bool
	detail string
	fix    string
}

func runDoctor(cmd *cobra.Command, args []string) error {
	var checks []checkResult

	execPath, _ := os.Executable()
	if execPath != "" {
		checks = append(checks, checkResult{label: "procwarden binary", ok: true, detail: fmt.Sprintf("%s (v%s)", execPath, version)})
	} else {
		checks = append(checks, checkResult{label: "procwarden binary", detail: "cannot determine executable path"})
	}

	if unix.Geteuid() == 0 {
		checks = append(checks, checkResult{label: "privileges", ok: true, detail: "root"})
	} else {
		checks = append(checks, checkResult{
			label:  "privileges",
			detail: "not root: other users' processes cannot be inspected or terminated",
			fix:    "sudo procwarden monitor",
		})
	}

	checks = append(checks, checkProcfs("/proc"))

	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		checks = append(checks, checkResult{label: "config", detail: err.Error(), fix: "procwarden init --force"})
		printChecks(os.Stdout, checks)
		return fmt.Errorf("doctor found issues")
	}
	if _, statErr := os.Stat(path); statErr == nil {
		checks = append(checks, checkResult{label: "config", ok: true, detail: path})
	} else {
		checks = append(checks, checkResult{label: "config", ok: true, detail: "built-in defaults (no file at " + path + ")"})
	}

	env := resolveEnvironment(cfg)
	checks = append(checks, checkResult{label: "environment", ok: true, detail: env})

	if cfg.Features.VerifyPackages {
		_, manager, err := provenance.New(cfg.PackageManager, env, cfg.QueryTimeout)
		switch {
		case err != nil:
			checks = append(checks, checkResult{label: "package manager", detail: err.Error()})
		case manager == provenance.ManagerNone:
			checks = append(checks, checkResult{
				label:  "package manager",
				detail: "neither dpkg nor rpm found: nothing can be Verified",
				fix:    "install dpkg or rpm, or set features.verify_packages: false",
			})
		default:
			checks = append(checks, checkResult{label: "package manager", ok: true, detail: manager})
		}
	} else {
		checks = append(checks, checkResult{label: "package manager", ok: true, detail: "verification disabled"})
	}

	kbPath := knowledgePath(cfg)
	if _, err := os.Stat(kbPath); err == nil {
		checks = append(checks, checkResult{label: "knowledge base", ok: true, detail: kbPath})
	} else {
		checks = append(checks, checkResult{label: "knowledge base", detail: "missing: " + kbPath, fix: "procwarden kb init"})
	}

	checks = append(checks, checkWritableDir("event log", filepath.Dir(cfg.EventLogPath())))

	if console.IsInteractive() {
		checks = append(checks, checkResult{label: "terminal", ok: true, detail: "interactive: prompts wait for an answer"})
	} else {
		checks = append(checks, checkResult{label: "terminal", ok: true, detail: "non-interactive: prompts apply the default policy"})
	}

	if _, err := os.Stat(systemd.DefaultUnitPath); err == nil {
		if warn := systemd.CheckUnitFile(systemd.DefaultUnitPath, systemd.DefaultUnitHashPath); warn != "" {
			checks = append(checks, checkResult{label: "systemd unit", detail: warn, fix: "sudo procwarden systemd --install"})
		} else {
			checks = append(checks, checkResult{label: "systemd unit", ok: true, detail: "installed"})
		}
	} else {
		checks = append(checks, checkResult{label: "systemd unit", ok: true, detail: "not installed"})
	}

	if printChecks(os.Stdout, checks) {
		return fmt.Errorf("doctor found issues")
	}
	return nil
}

func checkProcfs(root string) checkResult {
	if _, err := os.Stat(filepath.Join(root, "self", "exe")); err != nil {
		return checkResult{label: "procfs", detail: fmt.Sprintf("%s unavailable: %v", root, err)}
	}
	return checkResult{label: "procfs", ok: true, detail: root}
}

// checkWritableDir reports whether dir exists and accepts new files, or can
// be created.
func checkWritableDir(label, dir string) checkResult {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return checkResult{label: label, ok: true, detail: dir + " (created on first event)"}
	}
	if err != nil {
		return checkResult{label: label, detail: err.Error()}
	}
	if !info.IsDir() {
		return checkResult{label: label, detail: dir + " is not a directory"}
	}
	if unix.Access(dir, unix.W_OK) != nil {
		return checkResult{label: label, detail: dir + " is not writable", fix: "sudo procwarden monitor"}
	}
	return checkResult{label: label, ok: true, detail: dir}
}

// printChecks writes results and returns true if any check failed.
func printChecks(w io.Writer, checks []checkResult) bool {
	hasFailures := false
	for _, c := range checks {
		mark := "\u2713" // ✓
		if !c.ok {
			mark = "\u2717" // ✗
			hasFailures = true
		}
		line := fmt.Sprintf("%s %-20s %s", mark, c.label+":", c.detail)
		if !c.ok && c.fix != "" {
			line += fmt.Sprintf("  ->  %s", c.fix)
		}
		fmt.Fprintln(w, line)
	}

	fmt.Fprintln(w)
	if hasFailures {
		fmt.Fprintln(w, "Some checks failed. Run the suggested commands to fix.")
	} else {
		fmt.Fprintln(w, "All checks passed.")
	}
	return hasFailures
}
