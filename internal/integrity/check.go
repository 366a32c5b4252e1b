// Package integrity checks the running procwarden binary against a
// reference SHA-256 before any command runs.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ppiankov/procwarden/internal/alert"
	"github.com/ppiankov/procwarden/internal/model"
)

// ExpectedHash is embedded by release builds:
//
//	-ldflags "-X github.com/ppiankov/procwarden/internal/integrity.ExpectedHash=<sha256hex>"
var ExpectedHash string

// TamperLogDir receives tamper.jsonl.
var TamperLogDir = "/var/log/procwarden"

// ChecksumPaths are consulted in order when no hash is embedded. Each holds
// one hex SHA-256; $HOME is expanded.
var ChecksumPaths = []string{
	"/etc/procwarden/binary.sha256",
	"$HOME/.procwarden/binary.sha256",
}

// TamperAction is the webhook event name for a checksum mismatch.
const TamperAction = "binary-tamper"

// TamperEvent is one line of tamper.jsonl.
type TamperEvent struct {
	Timestamp    string `json:"timestamp"`
	Binary       string `json:"binary"`
	ExpectedHash string `json:"expected_hash"`
	ActualHash   string `json:"actual_hash"`
	Source       string `json:"source"` // "build" or the checksum file path
	Hostname     string `json:"hostname"`
	Type         string `json:"type"`
}

// MismatchError reports a binary that does not match its reference hash.
type MismatchError struct {
	Binary   string
	Expected string
	Actual   string
	Source   string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("integrity: binary checksum mismatch for %s (expected %s from %s, got %s)",
		e.Binary, e.Expected, e.Source, e.Actual)
}

// Verify hashes the running binary and compares it with the reference. With
// no reference at all (dev builds) it warns and returns nil. On mismatch it
// records a tamper event, notifies webhooks subscribed to TamperAction or
// Blocked, and returns a *MismatchError.
func Verify(alerts []alert.AlertConfig) error {
	expected, source := reference()
	if expected == "" {
		fmt.Fprintf(os.Stderr, "integrity: WARNING no build-time hash or checksum file found (dev build, integrity check skipped)\n")
		return nil
	}

	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("integrity: resolve executable: %w", err)
	}
	actual, err := hashFile(exePath)
	if err != nil {
		return fmt.Errorf("integrity: hash %s: %w", exePath, err)
	}
	if strings.EqualFold(actual, expected) {
		return nil
	}

	mismatch := &MismatchError{Binary: exePath, Expected: expected, Actual: actual, Source: source}
	event := TamperEvent{
		Timestamp:    model.FormatTime(time.Now()),
		Binary:       exePath,
		ExpectedHash: expected,
		ActualHash:   actual,
		Source:       source,
		Type:         TamperAction,
	}
	event.Hostname, _ = os.Hostname()

	writeTamperEvent(event)
	dispatchTamperAlert(alerts, event)
	return mismatch
}

// HashSelf returns the SHA-256 hex digest of the running binary, for
// writing a checksum file after install.
func HashSelf() (string, error) {
	exePath, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("integrity: resolve executable: %w", err)
	}
	return hashFile(exePath)
}

// reference returns the expected hash and where it came from.
func reference() (string, string) {
	if ExpectedHash != "" {
		return ExpectedHash, "build"
	}
	return loadChecksumFile()
}

// loadChecksumFile returns the first valid hash in ChecksumPaths and the
// file it was read from.
func loadChecksumFile() (string, string) {
	for _, p := range ChecksumPaths {
		path := os.ExpandEnv(p)
		if h := readChecksum(path); h != "" {
			return h, path
		}
	}
	return "", ""
}

func readChecksum(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	hash := strings.TrimSpace(string(data))
	if len(hash) != sha256.Size*2 {
		return ""
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return ""
	}
	return hash
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// writeTamperEvent appends to the tamper log and echoes to stderr for the
// journal. Failures are ignored; the caller exits either way.
func writeTamperEvent(event TamperEvent) {
	line, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := os.MkdirAll(TamperLogDir, 0700); err == nil {
		logPath := filepath.Join(TamperLogDir, "tamper.jsonl")
		if f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600); err == nil {
			f.Write(append(line, '\n'))
			f.Sync()
			f.Close()
		}
	}
	fmt.Fprintf(os.Stderr, "TAMPER ALERT: %s\n", line)
}

// dispatchTamperAlert sends synchronously; the process is about to exit.
func dispatchTamperAlert(configs []alert.AlertConfig, event TamperEvent) {
	payload := alert.AlertEvent{
		Timestamp: event.Timestamp,
		Host:      event.Hostname,
		PID:       os.Getpid(),
		Name:      "procwarden",
		Path:      event.Binary,
		AlertType: TamperAction,
		Severity:  "critical",
		Integrity: string(model.Modified),
		Decision:  string(model.Blocked),
		Action:    TamperAction,
		Detail:    fmt.Sprintf("binary checksum mismatch: expected %s (%s), got %s", event.ExpectedHash, event.Source, event.ActualHash),
	}
	for _, cfg := range configs {
		if !subscribed(cfg.Events) {
			continue
		}
		if err := alert.Send(cfg, payload); err != nil {
			fmt.Fprintf(os.Stderr, "TAMPER ALERT webhook failed: %v\n", err)
		}
	}
}

func subscribed(events []string) bool {
	for _, e := range events {
		if e == TamperAction || e == string(model.Blocked) {
			return true
		}
	}
	return false
}
