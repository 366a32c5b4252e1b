package monitor

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/ppiankov/procwarden/internal/model"
)

// DefaultTrustedDirs are system binary directories with package-managed
// contents.
var DefaultTrustedDirs = []string{"/bin", "/sbin", "/usr/bin", "/usr/sbin", "/usr/local/bin", "/usr/libexec"}

// DefaultUserDirs are exempt from the path rule: user homes and library
// helpers that regularly run executables outside the trusted set.
var DefaultUserDirs = []string{"/home/", "/usr/lib/"}

// Classifier applies the fileless and path-anomaly checks to snapshots.
type Classifier struct {
	trusted []string
	user    []string
	stat    func(string) error
}

// NewClassifier returns a Classifier. Empty lists fall back to defaults.
func NewClassifier(trusted, user []string) *Classifier {
	if len(trusted) == 0 {
		trusted = DefaultTrustedDirs
	}
	if user == nil {
		user = DefaultUserDirs
	}
	return &Classifier{
		trusted: normalizeDirs(trusted),
		user:    normalizeDirs(user),
		stat: func(p string) error {
			_, err := os.Stat(p)
			return err
		},
	}
}

// Classify returns the alert for p, or false when p is unremarkable.
// The fileless check takes priority over the path check. It looks at the
// image within the process's own root filesystem.
func (c *Classifier) Classify(p model.ProcessSnapshot) (model.AlertType, bool) {
	if p.Deleted || c.stat(p.ImagePath()) != nil {
		return model.AlertNoBinary, true
	}
	if under(p.Exe, c.trusted) || under(p.Exe, c.user) {
		return "", false
	}
	return model.AlertUnusualPath, true
}

// Trusted reports whether path lies in a trusted directory.
func (c *Classifier) Trusted(path string) bool {
	return under(path, c.trusted)
}

// under matches on directory boundaries, so /binx/evil is not under /bin.
func under(path string, dirs []string) bool {
	for _, d := range dirs {
		if strings.HasPrefix(path, d) {
			return true
		}
	}
	return false
}

func normalizeDirs(dirs []string) []string {
	out := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if d == "" {
			continue
		}
		d = filepath.Clean(d)
		if d != "/" {
			d += "/"
		}
		out = append(out, d)
	}
	return out
}
