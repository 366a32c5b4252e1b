package provenance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ppiankov/procwarden/internal/model"
)

// Rpm verifies executables against the RPM database.
type Rpm struct {
	Runner  Runner
	Timeout time.Duration
}

// NewRpm returns an Rpm verifier using the real rpm binary.
func NewRpm(timeout time.Duration) *Rpm {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	return &Rpm{Runner: ExecRunner{}, Timeout: timeout}
}

// Verify resolves the owning package with rpm -qf, then checks it with rpm -V.
func (r *Rpm) Verify(ctx context.Context, path string) model.ProvenanceResult {
	candidates := Aliases(path)

	var pkg string
	for _, c := range candidates {
		qctx, cancel := context.WithTimeout(ctx, r.Timeout)
		out, code, err := r.Runner.Run(qctx, "rpm", "-qf", "--queryformat", "%{NAME}\n", c)
		cancel()
		if err != nil {
			return errorResult("rpm -qf", r.Timeout, err)
		}
		if code == 0 {
			pkg = firstLine(out)
			if pkg != "" {
				break
			}
		}
		// rpm -qf exits 1 with "is not owned by any package"
		if code != 0 && code != 1 {
			return model.ProvenanceResult{
				Status: model.Error,
				Detail: fmt.Sprintf("rpm -qf %s exited %d", c, code),
			}
		}
	}
	if pkg == "" {
		return model.ProvenanceResult{Status: model.Orphan, Detail: DetailOrphan}
	}

	qctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()
	out, code, err := r.Runner.Run(qctx, "rpm", "-V", pkg)
	if err != nil {
		return errorResult("rpm -V", r.Timeout, err)
	}
	if code != 0 && code != 1 {
		return model.ProvenanceResult{
			Status:  model.Error,
			Package: pkg,
			Detail:  fmt.Sprintf("rpm -V %s exited %d", pkg, code),
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

func firstLine(out []byte) string {
	s := strings.TrimSpace(string(out))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
