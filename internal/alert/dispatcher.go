package alert

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ppiankov/procwarden/internal/model"
)

// Dispatcher fans out threat events to matching webhook configurations.
type Dispatcher struct {
	configs []AlertConfig
	host    string
	log     logrus.FieldLogger
	wg      sync.WaitGroup
}

// NewDispatcher creates a Dispatcher from webhook configurations.
// Returns nil if configs is empty (callers should nil-check).
func NewDispatcher(configs []AlertConfig, log logrus.FieldLogger) *Dispatcher {
	if len(configs) == 0 {
		return nil
	}
	host, _ := os.Hostname()
	return &Dispatcher{configs: configs, host: host, log: log}
}

// Notify sends the event to every webhook whose Events list contains the
// event's action, decision or alert type. Sends run in goroutines and never
// block the caller.
func (d *Dispatcher) Notify(event model.ThreatEvent) {
	if d == nil {
		return
	}
	payload := FromThreatEvent(d.host, event)
	for _, cfg := range d.configs {
		if !matches(cfg.Events, payload) {
			continue
		}
		d.wg.Add(1)
		go func(cfg AlertConfig) {
			defer d.wg.Done()
			if err := Send(cfg, payload); err != nil && d.log != nil {
				d.log.WithError(err).WithField("url", cfg.URL).Warn("alert delivery failed")
			}
		}(cfg)
	}
}

// Wait blocks until in-flight sends finish.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}

func matches(events []string, event AlertEvent) bool {
	for _, e := range events {
		if e == event.Action || e == event.Decision || e == event.AlertType {
			return true
		}
	}
	return false
}
