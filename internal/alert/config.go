package alert

import "github.com/ppiankov/procwarden/internal/model"

// AlertConfig defines a webhook alert destination.
type AlertConfig struct {
	URL     string            `yaml:"url"     json:"url"`
	Format  string            `yaml:"format"  json:"format"` // "generic", "slack", "pagerduty"
	Events  []string          `yaml:"events"  json:"events"` // actions, e.g. ["timeout-block", "manual-block"]
	Headers map[string]string `yaml:"headers" json:"headers"`
}

// AlertEvent is the payload sent to webhook endpoints.
type AlertEvent struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Host      string `json:"host,omitempty"`
	PID       int    `json:"pid"`
	Name      string `json:"name"`
	Path      string `json:"path"`
	AlertType string `json:"alert_type"`
	Severity  string `json:"severity"`
	Integrity string `json:"integrity_status"`
	Decision  string `json:"decision"`
	Action    string `json:"action"`
	Detail    string `json:"detail,omitempty"`
}

// FromThreatEvent converts a logged event into a webhook payload.
func FromThreatEvent(host string, e model.ThreatEvent) AlertEvent {
	return AlertEvent{
		ID:        e.ID,
		Timestamp: e.Timestamp,
		Host:      host,
		PID:       e.PID,
		Name:      e.Name,
		Path:      e.Path,
		AlertType: string(e.AlertType),
		Severity:  e.AlertType.Severity(),
		Integrity: string(e.Integrity),
		Decision:  string(e.Decision),
		Action:    string(e.Action),
		Detail:    e.Detail,
	}
}
