package audit

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/ppiankov/procwarden/internal/model"
)

// ReadAll loads every event from the log at path in the given format.
func ReadAll(format, path string) ([]model.ThreatEvent, error) {
	switch format {
	case "", FormatCSV:
		return ReadCSV(path)
	case FormatJSONL:
		return ReadChain(path)
	case FormatSQLite:
		l, err := OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		defer l.Close()
		return l.Events()
	default:
		return nil, fmt.Errorf("audit: unknown event log format %q", format)
	}
}

// ReadCSV parses a CSV event log, skipping the header row.
func ReadCSV(path string) ([]model.ThreatEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(CSVHeader)

	var out []model.ThreatEvent
	first := true
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("audit: parse %s: %w", path, err)
		}
		if first {
			first = false
			if rec[0] == CSVHeader[0] {
				continue
			}
		}
		pid, err := strconv.Atoi(rec[1])
		if err != nil {
			return nil, fmt.Errorf("audit: parse %s: bad pid %q", path, rec[1])
		}
		out = append(out, model.ThreatEvent{
			Timestamp: rec[0],
			PID:       pid,
			Name:      rec[2],
			Path:      rec[3],
			AlertType: model.AlertType(rec[4]),
			Integrity: model.ProvenanceStatus(rec[5]),
			Decision:  model.Decision(rec[6]),
			Action:    model.Action(rec[7]),
		})
	}
	return out, nil
}

// ReadChain parses a JSONL chain log without verifying links.
func ReadChain(path string) ([]model.ThreatEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	defer f.Close()

	var out []model.ThreatEvent
	err = walkChain(f, func(_ int, _ []byte, e *ChainEntry) error {
		out = append(out, e.ThreatEvent)
		return nil
	}, true)
	if err != nil {
		return nil, fmt.Errorf("audit: parse %s: %w", path, err)
	}
	return out, nil
}
