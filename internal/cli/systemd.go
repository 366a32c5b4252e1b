package cli

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/ppiankov/procwarden/internal/config"
	"github.com/ppiankov/procwarden/internal/systemd"
)

var systemdInstall bool

func init() {
	systemdCmd.Flags().BoolVar(&systemdInstall, "install", false, "Write the unit to "+systemd.DefaultUnitPath+" and reload systemd (requires root)")
	rootCmd.AddCommand(systemdCmd)
}

var systemdCmd = &cobra.Command{
	Use:   "systemd",
	Short: "Print or install the procwarden.service unit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath := configPath
		if cfgPath == "" {
			cfgPath = config.SystemPath
		}
		if !systemdInstall {
			fmt.Print(systemd.MonitorTemplate(unitOptions(cfgPath)))
			return nil
		}
		unitPath, err := installUnit(cfgPath)
		if err != nil {
			return err
		}
		fmt.Printf("Installed %s\n", unitPath)
		fmt.Println("Enable with: sudo systemctl enable --now procwarden")
		return nil
	},
}

func unitOptions(cfgPath string) systemd.UnitOptions {
	opts := systemd.UnitOptions{ConfigPath: cfgPath}
	if exe, err := os.Executable(); err == nil {
		if abs, err := filepath.EvalSymlinks(exe); err == nil {
			opts.Binary = abs
		}
	}
	return opts
}

// installUnit writes the unit file, records its hash for doctor and reloads
// systemd.
func installUnit(cfgPath string) (string, error) {
	if runtime.GOOS != "linux" {
		return "", fmt.Errorf("systemd install is only supported on Linux")
	}
	if os.Geteuid() != 0 {
		return "", fmt.Errorf("systemd install requires root; run with sudo")
	}

	unitPath := systemd.DefaultUnitPath
	if err := os.WriteFile(unitPath, []byte(systemd.MonitorTemplate(unitOptions(cfgPath))), 0o644); err != nil {
		return "", fmt.Errorf("write systemd unit: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(systemd.DefaultUnitHashPath), 0o755); err != nil {
		return "", fmt.Errorf("create state directory: %w", err)
	}
	if err := systemd.RecordUnitFileHash(unitPath, systemd.DefaultUnitHashPath); err != nil {
		return "", err
	}

	if err := exec.Command("systemctl", "daemon-reload").Run(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: systemctl daemon-reload failed: %v\n", err)
	}
	return unitPath, nil
}
