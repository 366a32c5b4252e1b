package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/procwarden/internal/alert"
	"github.com/ppiankov/procwarden/internal/config"
	"github.com/ppiankov/procwarden/internal/integrity"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "procwarden",
	Short: "Process integrity monitor with package-manager provenance",
	Long: `Watches the live process table for fileless processes and executables
outside trusted directories, verifies them against dpkg or rpm, and gates
each one through auto-learning or an operator decision.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A broken config must not disable the tamper alert path, so load
		// errors are left for the command itself to report.
		var alerts []alert.AlertConfig
		if cfg, err := config.Load(configPath); err == nil {
			alerts = cfg.Alerts
		}
		if err := integrity.Verify(alerts); err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
			os.Exit(78) // EX_CONFIG
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default /etc/procwarden/config.yaml, then ~/.procwarden/config.yaml)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
