// Package gate drives each anomaly through the decision state machine:
// Detected, then AutoApproved or AwaitingDecision, then Permitted or Blocked.
package gate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ppiankov/procwarden/internal/console"
	"github.com/ppiankov/procwarden/internal/knowledge"
	"github.com/ppiankov/procwarden/internal/metrics"
	"github.com/ppiankov/procwarden/internal/model"
	"github.com/ppiankov/procwarden/internal/provenance"
)

// State is a node of the decision state machine.
type State string

const (
	Detected         State = "Detected"
	AutoApproved     State = "AutoApproved"
	AwaitingDecision State = "AwaitingDecision"
	Permitted        State = "Permitted"
	Blocked          State = "Blocked"
)

// DefaultWindow is the operator decision window.
const DefaultWindow = 15 * time.Second

// ErrCancelled is returned when the context ends before a terminal state.
// Nothing is recorded, logged or terminated in that case.
var ErrCancelled = errors.New("gate: decision cancelled")

// Knowledge is the trust catalogue consulted and updated by the gate.
type Knowledge interface {
	Lookup(name string) (knowledge.TrustEntry, bool)
	Explain(name string) string
	Record(name, detail string) error
}

// EventSink persists terminal decisions.
type EventSink interface {
	Append(event model.ThreatEvent) (model.ThreatEvent, error)
}

// Prompter asks the operator and shows notices.
type Prompter interface {
	Ask(ctx context.Context, p console.Prompt) (console.Response, error)
	Printf(format string, args ...any)
}

// Terminator stops the exact process instance of a snapshot.
type Terminator interface {
	Terminate(p model.ProcessSnapshot) error
}

// Notifier receives every logged event, e.g. the webhook dispatcher.
type Notifier interface {
	Notify(event model.ThreatEvent)
}

// Anomaly is a flagged process handed to the gate. Provenance is set when
// the caller already verified the executable; otherwise the gate verifies.
type Anomaly struct {
	Snapshot   model.ProcessSnapshot
	Alert      model.AlertType
	Provenance *model.ProvenanceResult
}

// Outcome is the result of one decision.
type Outcome struct {
	State      State
	Action     model.Action
	Provenance model.ProvenanceResult
	Trail      []State
	Event      model.ThreatEvent
}

// Options toggles gate behaviour.
type Options struct {
	Window    time.Duration
	AutoLearn bool
	Pedagogy  bool
}

// Config wires a Gate. Verifier, Knowledge, Events, Prompter and
// Terminator are required; Notifier, Metrics and Log are optional.
type Config struct {
	Verifier   provenance.Verifier
	Knowledge  Knowledge
	Events     EventSink
	Prompter   Prompter
	Terminator Terminator
	Notifier   Notifier
	Metrics    *metrics.Metrics
	Log        logrus.FieldLogger
	Options    Options
}

// Gate decides anomalies. It holds no per-anomaly state and is safe for
// concurrent use; the prompter serializes operator interaction.
type Gate struct {
	verifier provenance.Verifier
	kb       Knowledge
	events   EventSink
	prompter Prompter
	term     Terminator
	notifier Notifier
	metrics  *metrics.Metrics
	log      logrus.FieldLogger
	opts     Options
}

// New validates cfg and returns a Gate.
func New(cfg Config) (*Gate, error) {
	switch {
	case cfg.Verifier == nil:
		return nil, fmt.Errorf("gate: verifier is required")
	case cfg.Knowledge == nil:
		return nil, fmt.Errorf("gate: knowledge store is required")
	case cfg.Events == nil:
		return nil, fmt.Errorf("gate: event log is required")
	case cfg.Prompter == nil:
		return nil, fmt.Errorf("gate: prompter is required")
	case cfg.Terminator == nil:
		return nil, fmt.Errorf("gate: terminator is required")
	}
	if cfg.Options.Window <= 0 {
		cfg.Options.Window = DefaultWindow
	}
	log := cfg.Log
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Gate{
		verifier: cfg.Verifier,
		kb:       cfg.Knowledge,
		events:   cfg.Events,
		prompter: cfg.Prompter,
		term:     cfg.Terminator,
		notifier: cfg.Notifier,
		metrics:  cfg.Metrics,
		log:      log.WithField("component", "gate"),
		opts:     cfg.Options,
	}, nil
}

// Decide runs a to a terminal state. It returns ErrCancelled, with the
// trail visited so far, when ctx ends first.
func (g *Gate) Decide(ctx context.Context, a Anomaly) (Outcome, error) {
	out := Outcome{State: Detected, Trail: []State{Detected}}
	if ctx.Err() != nil {
		return out, ErrCancelled
	}

	snap := a.Snapshot
	log := g.log.WithFields(logrus.Fields{
		"pid":   snap.PID,
		"name":  snap.Name,
		"path":  snap.Exe,
		"alert": a.Alert,
	})

	if a.Provenance != nil {
		out.Provenance = *a.Provenance
	} else {
		out.Provenance = provenance.VerifyProcess(ctx, g.verifier, snap)
		g.metrics.Provenance(out.Provenance.Status)
	}
	prov := out.Provenance

	_, catalogued := g.kb.Lookup(snap.Name)
	if g.autoApprovable(a.Alert, prov, catalogued) {
		out.transition(AutoApproved)
		g.record(log, snap.Name, prov.Detail)
		out.transition(Permitted)
		out.Action = model.ActionAutoLearned
		g.finish(log, a, &out, prov.Detail)
		return out, nil
	}

	out.transition(AwaitingDecision)
	prompt := console.Prompt{
		PID:        snap.PID,
		Name:       snap.Name,
		Path:       snap.Exe,
		Alert:      a.Alert,
		Provenance: prov,
		Window:     g.opts.Window,
	}
	if g.opts.Pedagogy {
		prompt.Explanation = g.kb.Explain(snap.Name)
	}

	log.WithField("integrity", prov.Status).Info("awaiting operator decision")
	resp, err := g.prompter.Ask(ctx, prompt)
	if err != nil || ctx.Err() != nil {
		log.Debug("decision cancelled")
		return out, ErrCancelled
	}

	detail := prov.Detail
	switch {
	case resp == console.ResponsePermit:
		g.record(log, snap.Name, knowledge.ManualPermitDetail)
		out.transition(Permitted)
		out.Action = model.ActionManualPermit

	case resp == console.ResponseBlock:
		detail = g.terminate(log, snap, detail)
		out.transition(Blocked)
		out.Action = model.ActionManualBlock

	case prov.Status.Trusted():
		out.transition(Permitted)
		out.Action = model.ActionTimeoutDefaultAllow

	default:
		detail = g.terminate(log, snap, detail)
		out.transition(Blocked)
		out.Action = model.ActionTimeoutBlock
	}

	g.finish(log, a, &out, detail)
	return out, nil
}

// autoApprovable reports whether a process may be learned without asking.
// A fileless process never qualifies.
func (g *Gate) autoApprovable(alert model.AlertType, prov model.ProvenanceResult, catalogued bool) bool {
	return g.opts.AutoLearn &&
		alert != model.AlertNoBinary &&
		!catalogued &&
		prov.Status == model.Verified
}

func (g *Gate) record(log logrus.FieldLogger, name, detail string) {
	if err := g.kb.Record(name, detail); err != nil {
		g.metrics.PersistFailed("knowledge")
		log.WithError(err).Error("knowledge base save failed")
		g.prompter.Printf("WARNING: could not save knowledge base: %v\n", err)
	}
}

// terminate stops the process once and folds any failure into the event
// detail. The decision itself stands.
func (g *Gate) terminate(log logrus.FieldLogger, snap model.ProcessSnapshot, detail string) string {
	err := g.term.Terminate(snap)
	if err == nil {
		log.Warn("process terminated")
		return detail
	}
	log.WithError(err).Warn("terminate failed")
	g.prompter.Printf("WARNING: could not terminate PID %d: %v\n", snap.PID, err)
	return fmt.Sprintf("%s; terminate: %v", detail, err)
}

func (g *Gate) finish(log logrus.FieldLogger, a Anomaly, out *Outcome, detail string) {
	decision := model.Permitted
	if out.State == Blocked {
		decision = model.Blocked
	}

	event := model.ThreatEvent{
		PID:       a.Snapshot.PID,
		Name:      a.Snapshot.Name,
		Path:      a.Snapshot.Exe,
		AlertType: a.Alert,
		Integrity: out.Provenance.Status,
		Decision:  decision,
		Action:    out.Action,
		Detail:    detail,
	}

	logged, err := g.events.Append(event)
	if err != nil {
		g.metrics.PersistFailed("event_log")
		log.WithError(err).Error("event log write failed")
		g.prompter.Printf("WARNING: could not write event log: %v\n", err)
		logged = event
	}
	out.Event = logged

	g.metrics.Decision(out.Action)
	if g.notifier != nil {
		g.notifier.Notify(logged)
	}
	log.WithFields(logrus.Fields{
		"decision": decision,
		"action":   out.Action,
	}).Info("decision recorded")
}

func (o *Outcome) transition(s State) {
	o.State = s
	o.Trail = append(o.Trail, s)
}
