// Package monitor scans the process table, classifies anomalies and feeds
// them to the decision gate on a fixed interval.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/ppiankov/procwarden/internal/gate"
	"github.com/ppiankov/procwarden/internal/knowledge"
	"github.com/ppiankov/procwarden/internal/metrics"
	"github.com/ppiankov/procwarden/internal/model"
	"github.com/ppiankov/procwarden/internal/provenance"
)

const (
	DefaultInterval         = 5 * time.Second
	DefaultDecidedCacheSize = 4096
)

// Decider resolves one anomaly.
type Decider interface {
	Decide(ctx context.Context, a gate.Anomaly) (gate.Outcome, error)
}

// Catalogue answers whether a process name is trusted.
type Catalogue interface {
	Lookup(name string) (knowledge.TrustEntry, bool)
}

// Config wires a Scheduler.
type Config struct {
	Interval         time.Duration
	Async            bool // decide in goroutines instead of blocking the cycle
	DecidedCacheSize int

	Scanner    Scanner
	Classifier *Classifier
	Verifier   provenance.Verifier
	Catalogue  Catalogue
	Gate       Decider
	Metrics    *metrics.Metrics
	Log        logrus.FieldLogger
}

// CycleResult summarizes one scan cycle.
type CycleResult struct {
	ID         string
	Scanned    int
	Anomalies  int
	Dispatched int
}

// Scheduler runs scan cycles and owns the in-flight decision bookkeeping.
type Scheduler struct {
	cfg     Config
	log     logrus.FieldLogger
	decided *lru.Cache[model.InstanceKey, gate.State]

	mu      sync.Mutex
	pending map[string]bool // process names with an unresolved decision
	wg      sync.WaitGroup
}

// New validates cfg and returns a Scheduler.
func New(cfg Config) (*Scheduler, error) {
	switch {
	case cfg.Scanner == nil:
		return nil, fmt.Errorf("monitor: scanner is required")
	case cfg.Verifier == nil:
		return nil, fmt.Errorf("monitor: verifier is required")
	case cfg.Catalogue == nil:
		return nil, fmt.Errorf("monitor: knowledge store is required")
	case cfg.Gate == nil:
		return nil, fmt.Errorf("monitor: decision gate is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.DecidedCacheSize <= 0 {
		cfg.DecidedCacheSize = DefaultDecidedCacheSize
	}
	if cfg.Classifier == nil {
		cfg.Classifier = NewClassifier(nil, nil)
	}
	log := cfg.Log
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}

	decided, err := lru.New[model.InstanceKey, gate.State](cfg.DecidedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("monitor: decided cache: %w", err)
	}

	return &Scheduler{
		cfg:     cfg,
		log:     log.WithField("component", "scheduler"),
		decided: decided,
		pending: make(map[string]bool),
	}, nil
}

// Run executes one cycle immediately and then one per interval until ctx
// is cancelled. It waits for in-flight decisions before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.WithFields(logrus.Fields{
		"interval": s.cfg.Interval,
		"async":    s.cfg.Async,
	}).Info("monitor started")

	s.Cycle(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Wait()
			s.log.Info("monitor stopped")
			return nil
		case <-ticker.C:
			s.Cycle(ctx)
		}
	}
}

// Wait blocks until every dispatched decision has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Cycle scans once and dispatches every anomaly. In async mode it returns
// without waiting for the decisions.
func (s *Scheduler) Cycle(ctx context.Context) CycleResult {
	res := CycleResult{ID: uuid.NewString()}
	log := s.log.WithField("cycle", res.ID)
	start := time.Now()

	snaps, err := s.cfg.Scanner.Scan()
	if err != nil {
		s.cfg.Metrics.ScanFailed()
		log.WithError(err).Error("scan failed")
		return res
	}
	res.Scanned = len(snaps)

	for _, p := range snaps {
		if ctx.Err() != nil {
			break
		}
		if s.decided.Contains(p.Key()) {
			continue
		}
		alert, flagged := s.cfg.Classifier.Classify(p)
		if !flagged {
			continue
		}
		res.Anomalies++

		if !s.claim(p.Name) {
			continue
		}

		a := gate.Anomaly{Snapshot: p, Alert: alert}
		if alert == model.AlertUnusualPath {
			if _, ok := s.cfg.Catalogue.Lookup(p.Name); ok {
				// Trust skips the prompt only while the image still verifies.
				prov := provenance.VerifyProcess(ctx, s.cfg.Verifier, p)
				s.cfg.Metrics.Provenance(prov.Status)
				if prov.Status.Trusted() {
					s.release(p.Name)
					continue
				}
				a.Provenance = &prov
			}
		}

		s.cfg.Metrics.Anomaly(alert)
		res.Dispatched++
		s.dispatch(ctx, log, a)
	}

	s.cfg.Metrics.ObserveScan(time.Since(start), res.Scanned)
	log.WithFields(logrus.Fields{
		"scanned":    res.Scanned,
		"anomalies":  res.Anomalies,
		"dispatched": res.Dispatched,
	}).Debug("cycle complete")
	return res
}

func (s *Scheduler) dispatch(ctx context.Context, log logrus.FieldLogger, a gate.Anomaly) {
	run := func() {
		defer s.release(a.Snapshot.Name)
		out, err := s.cfg.Gate.Decide(ctx, a)
		if err != nil {
			if errors.Is(err, gate.ErrCancelled) {
				log.WithField("name", a.Snapshot.Name).Debug("decision abandoned on shutdown")
			} else {
				log.WithError(err).WithField("name", a.Snapshot.Name).Error("decision failed")
			}
			return
		}
		s.decided.Add(a.Snapshot.Key(), out.State)
	}

	if !s.cfg.Async {
		run()
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		run()
	}()
}

// claim marks name pending. It returns false if a decision for the same
// name is already in flight.
func (s *Scheduler) claim(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[name] {
		return false
	}
	s.pending[name] = true
	s.cfg.Metrics.SetPending(len(s.pending))
	return true
}

func (s *Scheduler) release(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, name)
	s.cfg.Metrics.SetPending(len(s.pending))
}

// Pending returns the number of unresolved decisions.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
