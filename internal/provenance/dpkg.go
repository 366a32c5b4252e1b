package provenance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ppiankov/procwarden/internal/model"
)

// Dpkg verifies executables against the Debian package database.
type Dpkg struct {
	Runner  Runner
	Timeout time.Duration
}

// NewDpkg returns a Dpkg verifier using the real dpkg binary.
func NewDpkg(timeout time.Duration) *Dpkg {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	return &Dpkg{Runner: ExecRunner{}, Timeout: timeout}
}

// Verify resolves the owning package with dpkg -S, then checks it with
// dpkg --verify.
func (d *Dpkg) Verify(ctx context.Context, path string) model.ProvenanceResult {
	candidates := Aliases(path)

	pkg, found, err := d.owner(ctx, candidates)
	if err != nil {
		return errorResult("dpkg -S", d.Timeout, err)
	}
	if !found {
		return model.ProvenanceResult{Status: model.Orphan, Detail: DetailOrphan}
	}

	qctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()
	out, code, err := d.Runner.Run(qctx, "dpkg", "--verify", pkg)
	if err != nil {
		return errorResult("dpkg --verify", d.Timeout, err)
	}
	// dpkg --verify exits 1 when it lists problems; anything else is a failure.
	if code != 0 && code != 1 {
		return model.ProvenanceResult{
			Status:  model.Error,
			Package: pkg,
			Detail:  fmt.Sprintf("dpkg --verify %s exited %d", pkg, code),
		}
	}

	if flags, altered := listsPath(out, candidates); altered {
		return model.ProvenanceResult{
			Status:  model.Modified,
			Package: pkg,
			Detail:  fmt.Sprintf("content differs from package %s (%s)", pkg, describeFlags(flags)),
		}
	}
	return model.ProvenanceResult{
		Status:  model.Verified,
		Package: pkg,
		Detail:  fmt.Sprintf("integrity confirmed (package: %s)", pkg),
	}
}

// owner runs dpkg -S for each candidate spelling until one resolves.
func (d *Dpkg) owner(ctx context.Context, candidates []string) (string, bool, error) {
	for _, c := range candidates {
		qctx, cancel := context.WithTimeout(ctx, d.Timeout)
		out, code, err := d.Runner.Run(qctx, "dpkg", "-S", c)
		cancel()
		if err != nil {
			return "", false, err
		}
		switch code {
		case 0:
			if pkg := parseDpkgSearch(out, c); pkg != "" {
				return pkg, true, nil
			}
		case 1:
			// no path found matching pattern
		default:
			return "", false, fmt.Errorf("dpkg -S %s exited %d", c, code)
		}
	}
	return "", false, nil
}

// parseDpkgSearch extracts the first package from dpkg -S output lines of the
// form "pkg[:arch][, pkg2]: /path". Diversion notices are skipped.
func parseDpkgSearch(out []byte, path string) string {
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "diversion by") || strings.HasPrefix(line, "local diversion") {
			continue
		}
		idx := strings.LastIndex(line, ": ")
		if idx <= 0 {
			continue
		}
		if strings.TrimSpace(line[idx+2:]) != path {
			continue
		}
		pkgs := strings.Split(line[:idx], ",")
		return strings.TrimSpace(pkgs[0])
	}
	return ""
}
