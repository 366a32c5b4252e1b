package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPrintChecks(t *testing.T) {
	var buf bytes.Buffer
	failed := printChecks(&buf, []checkResult{
		{label: "procfs", ok: true, detail: "/proc"},
		{label: "knowledge base", detail: "missing", fix: "procwarden kb init"},
	})
	if !failed {
		t.Error("expected failure to be reported")
	}
	out := buf.String()
	if !strings.Contains(out, "✓ procfs:") || !strings.Contains(out, "✗ knowledge base:") {
		t.Errorf("marks missing:\n%s", out)
	}
	if !strings.Contains(out, "->  procwarden kb init") {
		t.Errorf("fix hint missing:\n%s", out)
	}

	buf.Reset()
	if printChecks(&buf, []checkResult{{label: "procfs", ok: true}}) {
		t.Error("all-ok checks reported failure")
	}
	if !strings.Contains(buf.String(), "All checks passed.") {
		t.Errorf("unexpected summary:\n%s", buf.String())
	}
}

func TestCheckWritableDir(t *testing.T) {
	dir := t.TempDir()

	if r := checkWritableDir("event log", dir); !r.ok {
		t.Errorf("writable temp dir reported as failure: %+v", r)
	}
	if r := checkWritableDir("event log", filepath.Join(dir, "later")); !r.ok || !strings.Contains(r.detail, "created on first event") {
		t.Errorf("missing dir should be created lazily: %+v", r)
	}

	file := filepath.Join(dir, "file")
	os.WriteFile(file, []byte("x"), 0o644)
	if r := checkWritableDir("event log", file); r.ok {
		t.Errorf("regular file accepted as log directory: %+v", r)
	}
}

func TestCheckProcfs(t *testing.T) {
	if r := checkProcfs(t.TempDir()); r.ok {
		t.Errorf("empty dir accepted as procfs: %+v", r)
	}
}
