package alert

import (
	"encoding/json"
	"fmt"
)

// FormatPayload builds the webhook body for the given format.
func FormatPayload(format string, event AlertEvent) ([]byte, error) {
	switch format {
	case "slack":
		return json.Marshal(slackMessage(event))
	case "pagerduty":
		return json.Marshal(pagerDutyEvent(event))
	default:
		return json.Marshal(event)
	}
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

type slackPayload struct {
	Text   string       `json:"text"` // notification fallback
	Blocks []slackBlock `json:"blocks"`
}

func slackMessage(e AlertEvent) slackPayload {
	title := fmt.Sprintf("procwarden: %s %s", e.Name, e.Action)
	field := func(label, value string) slackText {
		return slackText{Type: "mrkdwn", Text: fmt.Sprintf("*%s:* %s", label, value)}
	}
	fields := []slackText{
		field("Process", fmt.Sprintf("%s (PID %d)", e.Name, e.PID)),
		field("Path", e.Path),
		field("Alert", fmt.Sprintf("%s (%s)", e.AlertType, e.Severity)),
		field("Integrity", string(e.Integrity)),
		field("Host", e.Host),
	}
	if e.Detail != "" {
		fields = append(fields, field("Detail", e.Detail))
	}
	return slackPayload{
		Text: title,
		Blocks: []slackBlock{
			{Type: "header", Text: &slackText{Type: "plain_text", Text: title}},
			{Type: "section", Fields: fields},
		},
	}
}

type pagerDutyDetails struct {
	PID       int    `json:"pid"`
	Path      string `json:"path"`
	AlertType string `json:"alert_type"`
	Integrity string `json:"integrity_status"`
	Decision  string `json:"decision"`
	Detail    string `json:"detail,omitempty"`
}

type pagerDutyBody struct {
	Summary  string           `json:"summary"`
	Severity string           `json:"severity"`
	Source   string           `json:"source"`
	Details  pagerDutyDetails `json:"custom_details"`
}

type pagerDutyPayload struct {
	EventAction string        `json:"event_action"`
	DedupKey    string        `json:"dedup_key,omitempty"`
	Payload     pagerDutyBody `json:"payload"`
}

// pagerDutyEvent builds an Events API v2 trigger. The event ID doubles as
// dedup key so webhook retries do not open duplicate incidents.
func pagerDutyEvent(e AlertEvent) pagerDutyPayload {
	severity := e.Severity
	if severity == "" {
		severity = "info"
	}
	source := e.Host
	if source == "" {
		source = "procwarden"
	}
	return pagerDutyPayload{
		EventAction: "trigger",
		DedupKey:    e.ID,
		Payload: pagerDutyBody{
			Summary:  fmt.Sprintf("procwarden %s: %s (%s)", e.Action, e.Name, e.Path),
			Severity: severity,
			Source:   source,
			Details: pagerDutyDetails{
				PID:       e.PID,
				Path:      e.Path,
				AlertType: string(e.AlertType),
				Integrity: string(e.Integrity),
				Decision:  string(e.Decision),
				Detail:    e.Detail,
			},
		},
	}
}
