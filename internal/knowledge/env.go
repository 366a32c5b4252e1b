package knowledge

import (
	"os"
	"path/filepath"
)

// Environment identifiers. They match the keys used by earlier knowledge
// base files so migrated entries stay in scope.
const (
	EnvDebian  = "debian_ubuntu"
	EnvRedHat  = "redhat_fedora"
	EnvGeneral = "base_general"
)

// DetectEnvironment classifies the host by release marker files under root
// ("/" in production).
func DetectEnvironment(root string) string {
	exists := func(p string) bool {
		_, err := os.Stat(filepath.Join(root, p))
		return err == nil
	}
	switch {
	case exists("etc/debian_version"):
		return EnvDebian
	case exists("etc/redhat-release"), exists("etc/fedora-release"):
		return EnvRedHat
	default:
		return EnvGeneral
	}
}
