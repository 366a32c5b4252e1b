package audit

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/ppiankov/procwarden/internal/model"
)

// CSVHeader is written once, as the first row of a new log file.
var CSVHeader = []string{"timestamp", "pid", "name", "path", "alert_type", "integrity_status", "decision", "action"}

// CSVLog appends ThreatEvents as CSV rows. The file is opened on first use
// and reopened after a failed write, so a temporarily unwritable path does
// not disable logging for the rest of the run.
type CSVLog struct {
	path string
	file *os.File
}

// NewCSVLog returns a CSV sink for path. Nothing is touched until Append.
func NewCSVLog(path string) *CSVLog {
	return &CSVLog{path: path}
}

// Append writes one row, preceded by the header if the file is empty.
func (l *CSVLog) Append(event model.ThreatEvent) error {
	if err := l.open(); err != nil {
		return err
	}

	info, err := l.file.Stat()
	if err != nil {
		l.reset()
		return fmt.Errorf("audit: stat %s: %w", l.path, err)
	}

	w := csv.NewWriter(l.file)
	if info.Size() == 0 {
		if err := w.Write(CSVHeader); err != nil {
			l.reset()
			return fmt.Errorf("audit: write header: %w", err)
		}
	}
	if err := w.Write(csvRow(event)); err != nil {
		l.reset()
		return fmt.Errorf("audit: write row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		l.reset()
		return fmt.Errorf("audit: write row: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		l.reset()
		return fmt.Errorf("audit: sync: %w", err)
	}
	return nil
}

func (l *CSVLog) open() error {
	if l.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0700); err != nil {
		return fmt.Errorf("audit: create directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("audit: open %s: %w", l.path, err)
	}
	l.file = f
	return nil
}

func (l *CSVLog) reset() {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

// Close closes the file if it was opened.
func (l *CSVLog) Close() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func csvRow(e model.ThreatEvent) []string {
	return []string{
		e.Timestamp,
		strconv.Itoa(e.PID),
		e.Name,
		e.Path,
		string(e.AlertType),
		string(e.Integrity),
		string(e.Decision),
		string(e.Action),
	}
}
