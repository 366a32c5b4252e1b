package provenance

import (
	"fmt"
	"os/exec"
	"time"
)

// Package manager names accepted by New.
const (
	ManagerAuto = "auto"
	ManagerDpkg = "dpkg"
	ManagerRpm  = "rpm"
	ManagerNone = "none"
)

// lookPath is swapped in tests.
var lookPath = exec.LookPath

// New builds the verifier for the named package manager. "auto" picks by
// environment family first, then by what is on $PATH, and falls back to
// Disabled when neither tool exists.
func New(manager, environment string, timeout time.Duration) (Verifier, string, error) {
	switch manager {
	case ManagerDpkg:
		return NewDpkg(timeout), ManagerDpkg, nil
	case ManagerRpm:
		return NewRpm(timeout), ManagerRpm, nil
	case ManagerNone:
		return Disabled{}, ManagerNone, nil
	case "", ManagerAuto:
	default:
		return nil, "", fmt.Errorf("provenance: unknown package manager %q", manager)
	}

	switch environment {
	case "debian_ubuntu":
		if _, err := lookPath("dpkg"); err == nil {
			return NewDpkg(timeout), ManagerDpkg, nil
		}
	case "redhat_fedora":
		if _, err := lookPath("rpm"); err == nil {
			return NewRpm(timeout), ManagerRpm, nil
		}
	}
	if _, err := lookPath("dpkg"); err == nil {
		return NewDpkg(timeout), ManagerDpkg, nil
	}
	if _, err := lookPath("rpm"); err == nil {
		return NewRpm(timeout), ManagerRpm, nil
	}
	return Disabled{}, ManagerNone, nil
}
