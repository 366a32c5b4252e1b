package model

import "time"

// ProcessSnapshot is one entry of the live process table at capture time.
// Snapshots are never persisted.
type ProcessSnapshot struct {
	PID        int
	Name       string
	Exe        string // resolved executable path, " (deleted)" suffix stripped
	Deleted    bool   // kernel reports the image as unlinked
	StartTime  uint64 // clock ticks since boot, /proc/<pid>/stat field 22
	CapturedAt time.Time

	// Foreign is set when the process runs under a different root filesystem
	// (a container), so Exe names a path inside that root. Image is Exe as
	// reachable from the monitor, through /proc/<pid>/root.
	Foreign bool
	Image   string
}

// ImagePath returns the path the monitor can open for the executable.
func (p ProcessSnapshot) ImagePath() string {
	if p.Image != "" {
		return p.Image
	}
	return p.Exe
}

// InstanceKey identifies a process instance across PID reuse.
type InstanceKey struct {
	PID       int
	StartTime uint64
}

// Key returns the instance key of the snapshot.
func (p ProcessSnapshot) Key() InstanceKey {
	return InstanceKey{PID: p.PID, StartTime: p.StartTime}
}

// AlertType classifies why a process was flagged.
type AlertType string

const (
	AlertNoBinary    AlertType = "no-binary"
	AlertUnusualPath AlertType = "unusual-path"
)

// Severity ranks alerts for display and webhook payloads.
func (a AlertType) Severity() string {
	switch a {
	case AlertNoBinary:
		return "critical"
	case AlertUnusualPath:
		return "warning"
	default:
		return "info"
	}
}

// ProvenanceStatus is the package-manager verdict for an executable.
type ProvenanceStatus string

const (
	Verified ProvenanceStatus = "Verified"
	Modified ProvenanceStatus = "Modified"
	Orphan   ProvenanceStatus = "Orphan"
	Error    ProvenanceStatus = "Error"
)

// Trusted reports whether the status counts as verified for decisions.
// Orphan and Error are never trusted.
func (s ProvenanceStatus) Trusted() bool {
	return s == Verified
}

// ProvenanceResult is produced fresh on every verification call.
type ProvenanceResult struct {
	Status  ProvenanceStatus `json:"status"`
	Package string           `json:"package,omitempty"`
	Detail  string           `json:"detail"`
}

// Decision is the terminal state of a gated anomaly.
type Decision string

const (
	Permitted Decision = "Permitted"
	Blocked   Decision = "Blocked"
)

// Action records how a decision was reached.
type Action string

const (
	ActionAutoLearned         Action = "auto-learned"
	ActionManualPermit        Action = "manual-permit"
	ActionManualBlock         Action = "manual-block"
	ActionTimeoutBlock        Action = "timeout-block"
	ActionTimeoutDefaultAllow Action = "timeout-default-permit"
)

// ThreatEvent is one immutable record in the event log.
type ThreatEvent struct {
	ID        string           `json:"id"`
	Timestamp string           `json:"ts"`
	PID       int              `json:"pid"`
	Name      string           `json:"name"`
	Path      string           `json:"path"`
	AlertType AlertType        `json:"alert_type"`
	Integrity ProvenanceStatus `json:"integrity_status"`
	Decision  Decision         `json:"decision"`
	Action    Action           `json:"action"`
	Detail    string           `json:"detail,omitempty"`
}

// TimestampFormat is the UTC layout used for every persisted timestamp.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in TimestampFormat.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}
