package integrity

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ppiankov/procwarden/internal/alert"
)

// withState swaps the package globals for one test.
func withState(t *testing.T, hash string, paths []string) string {
	t.Helper()
	oldHash, oldPaths, oldDir := ExpectedHash, ChecksumPaths, TamperLogDir
	dir := filepath.Join(t.TempDir(), "tamper")
	ExpectedHash, ChecksumPaths, TamperLogDir = hash, paths, dir
	t.Cleanup(func() {
		ExpectedHash, ChecksumPaths, TamperLogDir = oldHash, oldPaths, oldDir
	})
	return dir
}

func TestVerifySkipsWhenNoExpectedHash(t *testing.T) {
	withState(t, "", []string{"/nonexistent/path"})

	if err := Verify(nil); err != nil {
		t.Fatalf("expected nil error in dev mode, got %v", err)
	}
}

func TestVerifyPassesWithOwnHash(t *testing.T) {
	self, err := HashSelf()
	if err != nil {
		t.Fatal(err)
	}
	withState(t, strings.ToUpper(self), nil)

	if err := Verify(nil); err != nil {
		t.Fatalf("expected match (case-insensitive), got %v", err)
	}
}

func TestTamperEventWrittenOnMismatch(t *testing.T) {
	dir := withState(t, "deadbeef", nil)

	if err := Verify(nil); err == nil {
		t.Fatal("expected error for wrong hash")
	}

	data, err := os.ReadFile(filepath.Join(dir, "tamper.jsonl"))
	if err != nil {
		t.Fatalf("expected tamper log to exist: %v", err)
	}
	var event TamperEvent
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &event); err != nil {
		t.Fatalf("failed to parse tamper event: %v", err)
	}
	if event.Type != TamperAction || event.ExpectedHash != "deadbeef" {
		t.Errorf("unexpected event %+v", event)
	}
	if event.ActualHash == "" || event.Binary == "" || event.Timestamp == "" {
		t.Errorf("expected populated event, got %+v", event)
	}

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0700 {
		t.Errorf("expected dir perm 0700, got %04o", info.Mode().Perm())
	}
}

func TestWebhookFiredOnTamper(t *testing.T) {
	var mu sync.Mutex
	var received []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		received, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	withState(t, "deadbeef", nil)
	Verify([]alert.AlertConfig{{URL: srv.URL, Events: []string{TamperAction}}})

	mu.Lock()
	defer mu.Unlock()
	if len(received) == 0 {
		t.Fatal("expected webhook to receive tamper alert")
	}
	var payload alert.AlertEvent
	if err := json.Unmarshal(received, &payload); err != nil {
		t.Fatalf("failed to parse webhook payload: %v", err)
	}
	if payload.Action != TamperAction || payload.Severity != "critical" {
		t.Errorf("unexpected payload %+v", payload)
	}
	if !strings.Contains(payload.Detail, "deadbeef") {
		t.Errorf("expected detail to carry the expected hash, got %q", payload.Detail)
	}
}

func TestVerifyUsesChecksumFile(t *testing.T) {
	checksumFile := filepath.Join(t.TempDir(), "binary.sha256")
	os.WriteFile(checksumFile, []byte(strings.Repeat("a", 64)+"\n"), 0600)
	withState(t, "", []string{checksumFile})

	err := Verify(nil)
	var mismatch *MismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected *MismatchError, got %v", err)
	}
	if mismatch.Source != checksumFile || mismatch.Expected != strings.Repeat("a", 64) {
		t.Errorf("unexpected mismatch %+v", mismatch)
	}
}

func TestLoadChecksumFile(t *testing.T) {
	dir := t.TempDir()
	valid := filepath.Join(dir, "valid.sha256")
	invalid := filepath.Join(dir, "invalid.sha256")
	hash := "abcdef0123456789abcdef0123456789abcdef0123456789abcdef0123456789"
	os.WriteFile(valid, []byte(hash+"\n"), 0600)
	os.WriteFile(invalid, []byte("not-a-valid-hash\n"), 0600)

	withState(t, "", []string{invalid, valid})
	if got, from := loadChecksumFile(); got != hash || from != valid {
		t.Errorf("expected %s from %s, got %q from %s", hash, valid, got, from)
	}

	withState(t, "", []string{invalid})
	if got, _ := loadChecksumFile(); got != "" {
		t.Errorf("expected empty for invalid content, got %q", got)
	}
}

func TestHashFileNonExistent(t *testing.T) {
	if _, err := hashFile("/nonexistent/path/to/binary"); err == nil {
		t.Fatal("expected error for nonexistent file")
	}
}
