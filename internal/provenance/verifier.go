// Package provenance resolves which package installed an executable and
// whether its on-disk content still matches the package manager's records.
package provenance

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/ppiankov/procwarden/internal/model"
)

// DefaultQueryTimeout bounds every external package-manager query.
const DefaultQueryTimeout = 10 * time.Second

// DetailOrphan is the detail reported for files no package owns.
const DetailOrphan = "not owned by any known package"

// Verifier reports the provenance of an executable path.
type Verifier interface {
	Verify(ctx context.Context, path string) model.ProvenanceResult
}

// Runner executes an external command and returns its stdout and exit code.
// A non-nil error means the command could not run to completion
// (missing binary, timeout, I/O failure), not a non-zero exit.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout []byte, exitCode int, err error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes name with args. The context deadline kills the child.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// LC_ALL=C keeps the output parseable regardless of the operator's locale.
	cmd.Env = append(cmd.Environ(), "LC_ALL=C")
	// A grandchild holding stdout open must not keep Run past the deadline.
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return stdout.Bytes(), -1, ctxErr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.Bytes(), exitErr.ExitCode(), nil
	}
	if err != nil {
		return stdout.Bytes(), -1, err
	}
	return stdout.Bytes(), 0, nil
}

// DetailForeignRoot is the detail reported for containerized processes.
const DetailForeignRoot = "process runs under a separate root filesystem; host package database does not apply"

// VerifyProcess verifies the executable of p. A process under a different
// root filesystem is never checked against the host package database, whose
// file at the same path is unrelated.
func VerifyProcess(ctx context.Context, v Verifier, p model.ProcessSnapshot) model.ProvenanceResult {
	if p.Foreign {
		return model.ProvenanceResult{Status: model.Error, Detail: DetailForeignRoot}
	}
	return v.Verify(ctx, p.Exe)
}

// Disabled is used when package verification is turned off. Every result is
// Error, so nothing is ever trusted silently.
type Disabled struct{}

// Verify always returns Error.
func (Disabled) Verify(_ context.Context, _ string) model.ProvenanceResult {
	return model.ProvenanceResult{Status: model.Error, Detail: "package verification disabled"}
}

// errorResult wraps a query failure as an Error result.
func errorResult(tool string, timeout time.Duration, err error) model.ProvenanceResult {
	if errors.Is(err, context.DeadlineExceeded) {
		return model.ProvenanceResult{
			Status: model.Error,
			Detail: fmt.Sprintf("%s query timed out after %s", tool, timeout),
		}
	}
	return model.ProvenanceResult{
		Status: model.Error,
		Detail: fmt.Sprintf("%s query failed: %v", tool, err),
	}
}

// Aliases returns the path plus its usr-merge counterpart, if any.
// On merged systems /bin is a symlink to /usr/bin, and the package database
// may record either spelling.
func Aliases(path string) []string {
	pairs := [][2]string{
		{"/usr/bin/", "/bin/"},
		{"/usr/sbin/", "/sbin/"},
		{"/usr/lib/", "/lib/"},
		{"/usr/lib64/", "/lib64/"},
	}
	out := []string{path}
	for _, p := range pairs {
		switch {
		case strings.HasPrefix(path, p[0]):
			return append(out, p[1]+strings.TrimPrefix(path, p[0]))
		case strings.HasPrefix(path, p[1]):
			return append(out, p[0]+strings.TrimPrefix(path, p[1]))
		}
	}
	return out
}

// listsPath reports whether a verify listing names any of the candidate paths.
// Each issue line is a flags column, an optional one-letter file type and the
// affected path, which may itself contain spaces:
//
//	??5??????   /usr/bin/curl
//	missing   c /etc/foo.conf
//
// It returns the flags column of the first matching line.
func listsPath(out []byte, candidates []string) (string, bool) {
	for _, line := range strings.Split(string(out), "\n") {
		flags, listed, ok := splitVerifyLine(line)
		if !ok {
			continue
		}
		for _, c := range candidates {
			if listed == c {
				return flags, true
			}
		}
	}
	return "", false
}

// splitVerifyLine separates the flags column from the path of one verify line.
func splitVerifyLine(line string) (flags, path string, ok bool) {
	line = strings.TrimSpace(line)
	i := strings.IndexAny(line, " \t")
	if i <= 0 {
		return "", "", false
	}
	flags, rest := line[:i], strings.TrimLeft(line[i:], " \t")
	if len(rest) > 2 && rest[0] != '/' && strings.IndexByte("cdglr", rest[0]) >= 0 && (rest[1] == ' ' || rest[1] == '\t') {
		rest = strings.TrimLeft(rest[2:], " \t")
	}
	if rest == "" {
		return "", "", false
	}
	return flags, rest, true
}

// describeFlags turns a verify flag column into a short reason.
func describeFlags(flags string) string {
	if flags == "missing" {
		return "file missing"
	}
	if len(flags) >= 3 && flags[2] == '5' {
		return "checksum mismatch"
	}
	return "attributes changed: " + flags
}
