package knowledge

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kb", "knowledge.json")
	s := NewStore(path, EnvDebian, quietLogger())
	s.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	s.Load()
	return s
}

func TestLoadMissingReturnsEmpty(t *testing.T) {
	s := newTestStore(t)
	kb := s.Load()
	if kb.Count() != 0 {
		t.Errorf("expected empty base, got %d entries", kb.Count())
	}
	if kb.Version != SchemaVersion {
		t.Errorf("expected version %d, got %d", SchemaVersion, kb.Version)
	}
}

func TestLoadCorruptReturnsEmpty(t *testing.T) {
	s := newTestStore(t)
	os.MkdirAll(filepath.Dir(s.Path()), 0755)
	if err := os.WriteFile(s.Path(), []byte(`{"version": 1, "environments": {`), 0644); err != nil {
		t.Fatal(err)
	}
	kb := s.Load()
	if kb.Count() != 0 {
		t.Errorf("expected corrupt file to yield empty base, got %d", kb.Count())
	}
}

func TestLoadRejectsUnknownVersion(t *testing.T) {
	s := newTestStore(t)
	os.MkdirAll(filepath.Dir(s.Path()), 0755)
	os.WriteFile(s.Path(), []byte(`{"version": 9, "environments": {"x": {"a": {"explanation": "y"}}}}`), 0644)
	if kb := s.Load(); kb.Count() != 0 {
		t.Errorf("expected unknown version to be rejected, got %d entries", kb.Count())
	}
}

func TestRecordAndLookup(t *testing.T) {
	s := newTestStore(t)
	if _, ok := s.Lookup("sshd"); ok {
		t.Fatal("expected sshd to be uncatalogued")
	}
	if got := s.Explain("sshd"); got != Uncatalogued {
		t.Errorf("expected sentinel, got %q", got)
	}

	if err := s.Record("sshd", "integrity confirmed (package: openssh-server)"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	e, ok := s.Lookup("sshd")
	if !ok {
		t.Fatal("expected sshd to be catalogued")
	}
	if e.Explanation != "integrity confirmed (package: openssh-server)" {
		t.Errorf("unexpected explanation %q", e.Explanation)
	}
	if e.VerifiedAt != "2026-03-01T12:00:00.000Z" {
		t.Errorf("unexpected timestamp %q", e.VerifiedAt)
	}

	// Persisted: a fresh store sees it.
	s2 := NewStore(s.Path(), EnvDebian, quietLogger())
	s2.Load()
	if _, ok := s2.Lookup("sshd"); !ok {
		t.Error("expected entry to survive reload")
	}
}

func TestRecordOverwrites(t *testing.T) {
	s := newTestStore(t)
	s.Record("nginx", "first")
	s.Record("nginx", ManualPermitDetail)

	e, _ := s.Lookup("nginx")
	if e.Explanation != ManualPermitDetail {
		t.Errorf("expected overwrite, got %q", e.Explanation)
	}
	if n := len(s.Entries()); n != 1 {
		t.Errorf("expected one entry, got %d", n)
	}
}

func TestEntriesAreScopedByEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "knowledge.json")
	deb := NewStore(path, EnvDebian, quietLogger())
	deb.Load()
	deb.Record("sshd", "ok")

	rh := NewStore(path, EnvRedHat, quietLogger())
	rh.Load()
	if _, ok := rh.Lookup("sshd"); ok {
		t.Error("entry leaked across environments")
	}
	if len(rh.Entries()) != 1 {
		t.Error("Entries should still list every environment")
	}
}

func TestSaveAfterLoadIsByteIdentical(t *testing.T) {
	s := newTestStore(t)
	s.Record("sshd", "integrity confirmed (package: openssh-server)")
	s.Record("cron", "manual permit")

	before, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatal(err)
	}

	s2 := NewStore(s.Path(), EnvDebian, quietLogger())
	s2.now = func() time.Time { return time.Now() }
	s2.Load()
	if err := s2.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	after, _ := os.ReadFile(s.Path())
	if !bytes.Equal(before, after) {
		t.Errorf("save(load()) changed content:\n--- before\n%s\n--- after\n%s", before, after)
	}
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		s.Record("proc", "x")
	}
	entries, _ := os.ReadDir(filepath.Dir(s.Path()))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("leftover temp file %s", e.Name())
		}
	}
}

func TestSaveFailureKeepsMemoryState(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "not-a-dir")
	os.WriteFile(blocker, []byte("x"), 0644)

	s := NewStore(filepath.Join(blocker, "knowledge.json"), EnvDebian, quietLogger())
	s.Load()
	if err := s.Record("sshd", "ok"); err == nil {
		t.Fatal("expected save error when parent is a file")
	}
	if _, ok := s.Lookup("sshd"); !ok {
		t.Error("in-memory entry should survive a failed save")
	}
}

func TestRecordRejectsInvalidName(t *testing.T) {
	s := newTestStore(t)
	if err := s.Record("", "x"); err == nil {
		t.Error("expected error for empty name")
	}
	if err := s.Record("bad\x00name", "x"); err == nil {
		t.Error("expected error for name containing NUL")
	}
	if err := s.Record("tool\xff\xfe", "x"); err == nil {
		t.Error("expected error for name that is not valid UTF-8")
	}
	if err := s.Record(strings.Repeat("a", 65), "x"); err == nil {
		t.Error("expected error for overlong name")
	}
	if len(s.Entries()) != 0 {
		t.Error("rejected names must not be stored")
	}
}

func TestRecordSlashNameSurvivesReload(t *testing.T) {
	s := newTestStore(t)
	if err := s.Record("kworker/u8:2", "renamed via prctl"); err != nil {
		t.Fatal(err)
	}

	reopened := NewStore(s.Path(), EnvDebian, quietLogger())
	reopened.Load()
	if _, ok := reopened.Lookup("kworker/u8:2"); !ok {
		t.Error("name containing a slash should persist across reload")
	}
}

func TestConcurrentRecordsProduceValidFile(t *testing.T) {
	s := newTestStore(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Record("proc"+string(rune('a'+i)), "concurrent")
		}(i)
	}
	wg.Wait()

	data, _ := os.ReadFile(s.Path())
	kb, _, err := Decode(data)
	if err != nil {
		t.Fatalf("file corrupt after concurrent writes: %v", err)
	}
	if kb.Count() != 20 {
		t.Errorf("expected 20 entries, got %d", kb.Count())
	}
}

func TestLegacyLayoutMigrates(t *testing.T) {
	legacy := `{"sistemas": {"debian_ubuntu": {"procesos_standard": {
		"sshd": "Servidor SSH",
		"cron": "Planificador de tareas"
	}}}}`
	kb, migrated, err := Decode([]byte(legacy))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !migrated {
		t.Error("expected migration flag")
	}
	if kb.Environments[EnvDebian]["sshd"].Explanation != "Servidor SSH" {
		t.Errorf("unexpected migrated entry %+v", kb.Environments[EnvDebian]["sshd"])
	}
	if kb.Count() != 2 {
		t.Errorf("expected 2 entries, got %d", kb.Count())
	}
}

func TestMergePicksUpExternalEdits(t *testing.T) {
	s := newTestStore(t)
	s.Record("sshd", "ours")

	// Merge right after our own write is a no-op.
	if n, err := s.Merge(); err != nil || n != 0 {
		t.Fatalf("expected no-op merge, got n=%d err=%v", n, err)
	}

	other := NewStore(s.Path(), EnvDebian, quietLogger())
	other.now = func() time.Time { return time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC) }
	other.Load()
	other.Record("cron", "theirs")

	// Entry recorded in memory only, simulating a failed save.
	s.mu.Lock()
	s.kb.Environments[EnvDebian]["unsaved"] = TrustEntry{Explanation: "pending"}
	s.mu.Unlock()

	n, err := s.Merge()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 merged entry, got %d", n)
	}
	if _, ok := s.Lookup("cron"); !ok {
		t.Error("expected external entry")
	}
	if _, ok := s.Lookup("unsaved"); !ok {
		t.Error("merge must not drop in-memory entries")
	}
}

func TestWatcherMergesExternalWrite(t *testing.T) {
	s := newTestStore(t)
	s.Record("sshd", "ours")

	merged := make(chan int, 1)
	w := NewWatcher(s, func(n int) { merged <- n })
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	other := NewStore(s.Path(), EnvDebian, quietLogger())
	other.Load()
	other.Record("cron", "theirs")

	select {
	case <-merged:
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not merge external write")
	}
	if _, ok := s.Lookup("cron"); !ok {
		t.Error("expected cron after watcher merge")
	}
}

func TestDetectEnvironment(t *testing.T) {
	root := t.TempDir()
	if got := DetectEnvironment(root); got != EnvGeneral {
		t.Errorf("expected %s, got %s", EnvGeneral, got)
	}
	os.MkdirAll(filepath.Join(root, "etc"), 0755)
	os.WriteFile(filepath.Join(root, "etc", "redhat-release"), []byte("Fedora"), 0644)
	if got := DetectEnvironment(root); got != EnvRedHat {
		t.Errorf("expected %s, got %s", EnvRedHat, got)
	}
	os.WriteFile(filepath.Join(root, "etc", "debian_version"), []byte("12.0"), 0644)
	if got := DetectEnvironment(root); got != EnvDebian {
		t.Errorf("expected %s, got %s", EnvDebian, got)
	}
}

func TestImportLegacyKeepsNewerLocalEntries(t *testing.T) {
	s := newTestStore(t)
	s.Record("sshd", "integrity confirmed (package: openssh-server)")

	legacy := `{"sistemas": {"debian_ubuntu": {"procesos_standard": {
		"sshd": "Servidor SSH",
		"cron": "Planificador de tareas"
	}}}}`
	kb, _, err := Decode([]byte(legacy))
	if err != nil {
		t.Fatal(err)
	}

	n, err := s.Import(kb)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected only cron imported, got %d changes", n)
	}
	if e, _ := s.Lookup("sshd"); e.Explanation != "integrity confirmed (package: openssh-server)" {
		t.Errorf("undated legacy entry overwrote a verified one: %+v", e)
	}

	reloaded := NewStore(s.Path(), EnvDebian, quietLogger())
	reloaded.Load()
	if _, ok := reloaded.Lookup("cron"); !ok {
		t.Error("imported entry was not persisted")
	}
}
