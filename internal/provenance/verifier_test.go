package provenance

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/ppiankov/procwarden/internal/model"
)

type reply struct {
	out  string
	code int
	err  error
}

// scriptedRunner answers commands from a table keyed by the joined argv.
type scriptedRunner struct {
	replies map[string]reply
	calls   []string
}

func (r *scriptedRunner) Run(ctx context.Context, name string, args ...string) ([]byte, int, error) {
	key := name + " " + strings.Join(args, " ")
	r.calls = append(r.calls, key)
	rep, ok := r.replies[key]
	if !ok {
		return nil, 127, nil
	}
	return []byte(rep.out), rep.code, rep.err
}

// hangingRunner blocks until the query deadline fires.
type hangingRunner struct{}

func (hangingRunner) Run(ctx context.Context, name string, args ...string) ([]byte, int, error) {
	<-ctx.Done()
	return nil, -1, ctx.Err()
}

func TestDpkgVerified(t *testing.T) {
	r := &scriptedRunner{replies: map[string]reply{
		"dpkg -S /usr/sbin/sshd":       {out: "openssh-server: /usr/sbin/sshd\n"},
		"dpkg --verify openssh-server": {out: "??5??????  c /etc/ssh/sshd_config\n", code: 0},
	}}
	d := &Dpkg{Runner: r, Timeout: time.Second}

	res := d.Verify(context.Background(), "/usr/sbin/sshd")
	if res.Status != model.Verified {
		t.Fatalf("expected Verified, got %s (%s)", res.Status, res.Detail)
	}
	if res.Package != "openssh-server" {
		t.Errorf("expected package openssh-server, got %q", res.Package)
	}
}

func TestDpkgModified(t *testing.T) {
	r := &scriptedRunner{replies: map[string]reply{
		"dpkg -S /usr/bin/curl": {out: "curl: /usr/bin/curl\n"},
		"dpkg --verify curl":    {out: "??5??????   /usr/bin/curl\n", code: 1},
	}}
	d := &Dpkg{Runner: r, Timeout: time.Second}

	res := d.Verify(context.Background(), "/usr/bin/curl")
	if res.Status != model.Modified {
		t.Fatalf("expected Modified, got %s", res.Status)
	}
	if !strings.Contains(res.Detail, "curl") || !strings.Contains(res.Detail, "checksum mismatch") {
		t.Errorf("detail should name package and reason, got %q", res.Detail)
	}
}

func TestDpkgOrphan(t *testing.T) {
	r := &scriptedRunner{replies: map[string]reply{
		"dpkg -S /tmp/evil": {out: "", code: 1},
	}}
	d := &Dpkg{Runner: r, Timeout: time.Second}

	res := d.Verify(context.Background(), "/tmp/evil")
	if res.Status != model.Orphan {
		t.Fatalf("expected Orphan, got %s", res.Status)
	}
	if res.Detail != DetailOrphan {
		t.Errorf("unexpected detail %q", res.Detail)
	}
}

func TestDpkgTriesUsrMergeAlias(t *testing.T) {
	r := &scriptedRunner{replies: map[string]reply{
		"dpkg -S /usr/bin/ls":     {code: 1},
		"dpkg -S /bin/ls":         {out: "coreutils: /bin/ls\n"},
		"dpkg --verify coreutils": {out: "??5??????   /bin/ls\n", code: 1},
	}}
	d := &Dpkg{Runner: r, Timeout: time.Second}

	res := d.Verify(context.Background(), "/usr/bin/ls")
	if res.Status != model.Modified {
		t.Fatalf("expected alias listing to count as Modified, got %s", res.Status)
	}
}

func TestDpkgMultiarchOwner(t *testing.T) {
	out := []byte("diversion by dash from: /bin/sh\nlibc-bin, libc6:amd64: /usr/lib/x86_64-linux-gnu/ld.so\n")
	if got := parseDpkgSearch(out, "/usr/lib/x86_64-linux-gnu/ld.so"); got != "libc-bin" {
		t.Errorf("expected first package libc-bin, got %q", got)
	}
	out = []byte("libc6:amd64: /lib/x86_64-linux-gnu/libc.so.6\n")
	if got := parseDpkgSearch(out, "/lib/x86_64-linux-gnu/libc.so.6"); got != "libc6:amd64" {
		t.Errorf("expected libc6:amd64, got %q", got)
	}
}

func TestDpkgUnexpectedExitIsError(t *testing.T) {
	r := &scriptedRunner{replies: map[string]reply{
		"dpkg -S /usr/bin/x": {code: 2},
	}}
	d := &Dpkg{Runner: r, Timeout: time.Second}

	res := d.Verify(context.Background(), "/usr/bin/x")
	if res.Status != model.Error {
		t.Fatalf("expected Error, got %s", res.Status)
	}
}

func TestDpkgMissingToolIsError(t *testing.T) {
	r := &scriptedRunner{replies: map[string]reply{
		"dpkg -S /usr/bin/x": {code: -1, err: errors.New(`exec: "dpkg": executable file not found in $PATH`)},
	}}
	d := &Dpkg{Runner: r, Timeout: time.Second}

	res := d.Verify(context.Background(), "/usr/bin/x")
	if res.Status != model.Error {
		t.Fatalf("expected Error, got %s", res.Status)
	}
	if !strings.Contains(res.Detail, "not found") {
		t.Errorf("detail should carry the failure, got %q", res.Detail)
	}
}

func TestHungQuerySurfacesAsError(t *testing.T) {
	d := &Dpkg{Runner: hangingRunner{}, Timeout: 20 * time.Millisecond}

	start := time.Now()
	res := d.Verify(context.Background(), "/usr/bin/curl")
	if res.Status != model.Error {
		t.Fatalf("expected Error, got %s", res.Status)
	}
	if !strings.Contains(res.Detail, "timed out") {
		t.Errorf("expected timeout detail, got %q", res.Detail)
	}
	if time.Since(start) > time.Second {
		t.Error("query was not bounded by its timeout")
	}
}

func TestRpmModifiedAndVerified(t *testing.T) {
	r := &scriptedRunner{replies: map[string]reply{
		"rpm -qf --queryformat %{NAME}\n /usr/bin/curl": {out: "curl\n"},
		"rpm -V curl":                                    {out: "S.5....T.    /usr/bin/curl\n", code: 1},
		"rpm -qf --queryformat %{NAME}\n /usr/sbin/sshd": {out: "openssh-server\n"},
		"rpm -V openssh-server":                          {out: "", code: 0},
	}}
	v := &Rpm{Runner: r, Timeout: time.Second}

	if res := v.Verify(context.Background(), "/usr/bin/curl"); res.Status != model.Modified {
		t.Errorf("expected Modified, got %s", res.Status)
	}
	if res := v.Verify(context.Background(), "/usr/sbin/sshd"); res.Status != model.Verified {
		t.Errorf("expected Verified, got %s", res.Status)
	}
}

func TestModifiedPathWithSpaces(t *testing.T) {
	const path = "/opt/vendor tool/bin/agent"
	dr := &scriptedRunner{replies: map[string]reply{
		"dpkg -S " + path:          {out: "vendor-tool: " + path + "\n"},
		"dpkg --verify vendor-tool": {out: "??5??????   " + path + "\n", code: 1},
	}}
	d := &Dpkg{Runner: dr, Timeout: time.Second}
	if res := d.Verify(context.Background(), path); res.Status != model.Modified {
		t.Errorf("dpkg: expected Modified, got %s (%s)", res.Status, res.Detail)
	}

	rr := &scriptedRunner{replies: map[string]reply{
		"rpm -qf --queryformat %{NAME}\n " + path: {out: "vendor-tool\n"},
		"rpm -V vendor-tool":                       {out: "S.5....T.    " + path + "\n", code: 1},
	}}
	v := &Rpm{Runner: rr, Timeout: time.Second}
	if res := v.Verify(context.Background(), path); res.Status != model.Modified {
		t.Errorf("rpm: expected Modified, got %s (%s)", res.Status, res.Detail)
	}
}

func TestListsPathSkipsFileType(t *testing.T) {
	out := []byte("missing   c /etc/vendor tool.conf\n??5??????   /opt/other agent\n")
	if flags, ok := listsPath(out, []string{"/etc/vendor tool.conf"}); !ok || flags != "missing" {
		t.Errorf("expected missing config match, got %q %v", flags, ok)
	}
	if _, ok := listsPath(out, []string{"/opt/other"}); ok {
		t.Error("path prefix must not match a longer listed path")
	}
	if _, ok := listsPath(out, []string{"agent"}); ok {
		t.Error("trailing word must not match")
	}
}

func TestExecRunnerStopsAtDeadline(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, _, err := ExecRunner{}.Run(ctx, "sh", "-c", "sleep 30 & sleep 30")
	if err == nil {
		t.Fatal("expected deadline error")
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("query outlived its deadline: %s", time.Since(start))
	}
}

func TestVerifyProcessSkipsForeignRoot(t *testing.T) {
	r := &scriptedRunner{replies: map[string]reply{
		"dpkg -S /usr/bin/curl": {out: "curl: /usr/bin/curl\n"},
		"dpkg --verify curl":    {code: 0},
	}}
	d := &Dpkg{Runner: r, Timeout: time.Second}

	p := model.ProcessSnapshot{PID: 9, Name: "curl", Exe: "/usr/bin/curl", Foreign: true, Image: "/proc/9/root/usr/bin/curl"}
	res := VerifyProcess(context.Background(), d, p)
	if res.Status != model.Error || res.Detail != DetailForeignRoot {
		t.Errorf("expected foreign-root Error, got %s (%s)", res.Status, res.Detail)
	}
	if len(r.calls) != 0 {
		t.Errorf("host package database must not be queried, got %v", r.calls)
	}

	p.Foreign, p.Image = false, ""
	if res := VerifyProcess(context.Background(), d, p); res.Status != model.Verified {
		t.Errorf("expected Verified for host process, got %s", res.Status)
	}
}

func TestRpmOrphan(t *testing.T) {
	r := &scriptedRunner{replies: map[string]reply{
		"rpm -qf --queryformat %{NAME}\n /opt/tool": {out: "file /opt/tool is not owned by any package\n", code: 1},
	}}
	v := &Rpm{Runner: r, Timeout: time.Second}

	if res := v.Verify(context.Background(), "/opt/tool"); res.Status != model.Orphan {
		t.Errorf("expected Orphan, got %s", res.Status)
	}
}

func TestAliases(t *testing.T) {
	cases := map[string][]string{
		"/usr/bin/ls": {"/usr/bin/ls", "/bin/ls"},
		"/sbin/init":  {"/sbin/init", "/usr/sbin/init"},
		"/opt/x":      {"/opt/x"},
	}
	for in, want := range cases {
		got := Aliases(in)
		if strings.Join(got, ",") != strings.Join(want, ",") {
			t.Errorf("Aliases(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestDisabledNeverTrusts(t *testing.T) {
	if res := (Disabled{}).Verify(context.Background(), "/usr/bin/ls"); res.Status.Trusted() {
		t.Error("disabled verifier must not report Verified")
	}
}

func TestNewSelectsManager(t *testing.T) {
	orig := lookPath
	defer func() { lookPath = orig }()
	lookPath = func(name string) (string, error) {
		if name == "rpm" {
			return "/usr/bin/rpm", nil
		}
		return "", errors.New("not found")
	}

	_, name, err := New(ManagerAuto, "debian_ubuntu", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if name != ManagerRpm {
		t.Errorf("expected fallback to rpm on PATH, got %s", name)
	}

	lookPath = func(string) (string, error) { return "", errors.New("not found") }
	v, name, _ := New(ManagerAuto, "base_general", time.Second)
	if name != ManagerNone {
		t.Errorf("expected none, got %s", name)
	}
	if _, ok := v.(Disabled); !ok {
		t.Errorf("expected Disabled verifier, got %T", v)
	}

	if _, _, err := New("pacman", "", time.Second); err == nil {
		t.Error("expected error for unknown manager")
	}
}
