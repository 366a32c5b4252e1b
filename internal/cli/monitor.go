package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/ppiankov/procwarden/internal/alert"
	"github.com/ppiankov/procwarden/internal/audit"
	"github.com/ppiankov/procwarden/internal/console"
	"github.com/ppiankov/procwarden/internal/gate"
	"github.com/ppiankov/procwarden/internal/knowledge"
	"github.com/ppiankov/procwarden/internal/metrics"
	"github.com/ppiankov/procwarden/internal/monitor"
)

var (
	monitorOnce              bool
	monitorAllowUnprivileged bool
)

func init() {
	monitorCmd.Flags().BoolVar(&monitorOnce, "once", false, "Run a single scan cycle, wait for its decisions and exit")
	monitorCmd.Flags().BoolVar(&monitorAllowUnprivileged, "allow-unprivileged", false, "Run without root (other users' processes are skipped)")
	rootCmd.AddCommand(monitorCmd)
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Run the process integrity monitor",
	Long: `Scans /proc every scan_interval. Fileless processes and executables
outside trusted_dirs are verified against the package manager, then either
auto-learned into the knowledge base or shown to the operator for a
permit/block decision. Unanswered prompts fall back to the default policy:
package-verified processes are permitted, everything else is terminated.

Every decision is appended to the event log.`,
	RunE: runMonitor,
}

func runMonitor(cmd *cobra.Command, args []string) error {
	if unix.Geteuid() != 0 && !monitorAllowUnprivileged {
		return fmt.Errorf("monitor must run as root to read every process and terminate threats (use --allow-unprivileged to override)")
	}

	s, err := loadSession()
	if err != nil {
		return err
	}
	cfg, log := s.cfg, s.log

	sig, err := monitor.ParseSignal(cfg.KillSignal)
	if err != nil {
		return err
	}

	events, err := audit.Open(cfg.EventLog.Format, cfg.EventLogPath())
	if err != nil {
		return err
	}
	defer events.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	m := metrics.New()
	if cfg.Metrics.Listen != "" {
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.Listen, log); err != nil {
				log.WithError(err).Error("metrics listener stopped")
			}
		}()
	}

	dispatcher := alert.NewDispatcher(cfg.Alerts, log.WithField("component", "alert"))
	defer dispatcher.Wait()

	scanner := monitor.NewProcfsScanner(sig)
	cons := console.NewStdio()

	g, err := gate.New(gate.Config{
		Verifier:   s.verifier,
		Knowledge:  s.store,
		Events:     events,
		Prompter:   cons,
		Terminator: scanner,
		Notifier:   dispatcher,
		Metrics:    m,
		Log:        log,
		Options: gate.Options{
			Window:    cfg.DecisionWindow,
			AutoLearn: cfg.Features.AutoLearn,
			Pedagogy:  cfg.Features.Pedagogy,
		},
	})
	if err != nil {
		return err
	}

	sched, err := monitor.New(monitor.Config{
		Interval:         cfg.ScanInterval,
		Async:            cfg.AsyncDecisions,
		DecidedCacheSize: cfg.DecidedCacheSize,
		Scanner:          scanner,
		Classifier:       monitor.NewClassifier(cfg.TrustedDirs, cfg.UserDirs),
		Verifier:         s.verifier,
		Catalogue:        s.store,
		Gate:             g,
		Metrics:          m,
		Log:              log,
	})
	if err != nil {
		return err
	}

	watcher := knowledge.NewWatcher(s.store, func(changed int) {
		log.WithField("changed", changed).Info("knowledge base reloaded from disk")
	})
	go func() {
		if err := watcher.Run(ctx); err != nil {
			log.WithError(err).Warn("knowledge base hot reload disabled")
		}
	}()

	fmt.Fprintf(os.Stderr, "procwarden %s monitoring (environment=%s, package manager=%s)\n", version, s.env, s.manager)
	fmt.Fprintf(os.Stderr, "  knowledge base: %s\n", s.store.Path())
	fmt.Fprintf(os.Stderr, "  event log:      %s (%s)\n", cfg.EventLogPath(), cfg.EventLog.Format)
	if !console.IsInteractive() {
		fmt.Fprintln(os.Stderr, "  stdin is not a terminal: prompts apply the default policy")
	}
	fmt.Fprintln(os.Stderr)

	if monitorOnce {
		res := sched.Cycle(ctx)
		sched.Wait()
		log.WithFields(logrus.Fields{
			"cycle":      res.ID,
			"scanned":    res.Scanned,
			"anomalies":  res.Anomalies,
			"dispatched": res.Dispatched,
		}).Info("single cycle complete")
	} else if err := sched.Run(ctx); err != nil {
		return err
	}

	stats := scanner.Stats()
	fmt.Fprintf(os.Stderr, "\nprocwarden stopped: %d events logged, last scan saw %d processes (%d access denied)\n",
		events.Count(), stats.Seen, stats.AccessDenied)
	return nil
}
