package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/procwarden/internal/config"
	"github.com/ppiankov/procwarden/internal/knowledge"
)

var (
	initMode           string
	initInstallSystemd bool
	initForce          bool
)

func init() {
	initCmd.Flags().StringVar(&initMode, "mode", "user", "Config location: user (~/.procwarden) or system (/etc/procwarden)")
	initCmd.Flags().BoolVar(&initInstallSystemd, "install-systemd", false, "Install the procwarden.service unit (requires root)")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config files")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap procwarden configuration and an empty knowledge base",
	Long: `Creates the config directory, a commented config.yaml and an empty
knowledge base.

User mode (default):  writes to ~/.procwarden/
System mode:          writes /etc/procwarden/config.yaml and
                      /var/lib/procwarden/knowledge.json (requires root)

With --install-systemd: installs procwarden.service and records its hash
so procwarden doctor can detect later edits.`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	configDir, kbPath, err := initPaths()
	if err != nil {
		return err
	}

	var created []string

	cfgPath := filepath.Join(configDir, "config.yaml")
	if wrote, err := writeIfMissing(cfgPath, config.DefaultConfigYAML()); err != nil {
		return err
	} else if wrote {
		created = append(created, cfgPath)
	}

	// The knowledge base is never overwritten, even with --force: it holds
	// operator decisions.
	if _, err := os.Stat(kbPath); os.IsNotExist(err) {
		data, err := knowledge.Encode(knowledge.NewKnowledgeBase())
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(kbPath), 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", filepath.Dir(kbPath), err)
		}
		if err := os.WriteFile(kbPath, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", kbPath, err)
		}
		created = append(created, kbPath)
	}

	if initInstallSystemd {
		unitPath, err := installUnit(cfgPath)
		if err != nil {
			return err
		}
		created = append(created, unitPath)
	}

	fmt.Println("procwarden init complete.")
	fmt.Println()
	if len(created) > 0 {
		fmt.Println("Created:")
		for _, path := range created {
			fmt.Printf("  %s\n", path)
		}
		fmt.Println()
	} else {
		fmt.Println("All files already exist (use --force to overwrite the config).")
		fmt.Println()
	}

	fmt.Println("Verify:")
	fmt.Println("  procwarden doctor")
	fmt.Println()
	fmt.Println("Start monitoring:")
	if initMode == "system" {
		fmt.Println("  sudo procwarden monitor")
	} else {
		fmt.Printf("  sudo procwarden monitor --config %s\n", cfgPath)
	}
	if initInstallSystemd {
		fmt.Println()
		fmt.Println("Enable the service:")
		fmt.Println("  sudo systemctl enable --now procwarden")
	}
	return nil
}

// initPaths returns the config directory and knowledge base path for the
// selected mode.
func initPaths() (string, string, error) {
	switch initMode {
	case "system":
		return filepath.Dir(config.SystemPath), "/var/lib/procwarden/knowledge.json", nil
	case "user", "":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir := filepath.Join(home, ".procwarden")
		return dir, filepath.Join(dir, "knowledge.json"), nil
	default:
		return "", "", fmt.Errorf("unknown mode %q: use 'user' or 'system'", initMode)
	}
}

// writeIfMissing writes content to path if it doesn't exist or --force is set.
// Returns true if the file was written.
func writeIfMissing(path, content string) (bool, error) {
	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create directory %s: %w", dir, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
