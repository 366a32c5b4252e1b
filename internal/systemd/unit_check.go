package systemd

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// DefaultUnitPath is where procwarden systemd --install writes the unit.
const DefaultUnitPath = "/etc/systemd/system/" + UnitName

// DefaultUnitHashPath stores the install-time hash of the unit file.
const DefaultUnitHashPath = "/var/lib/procwarden/unit-file.sha256"

// CheckUnitFile compares the unit file at unitPath with the hash recorded
// at hashPath. It returns a warning when the unit changed since install,
// and "" when integrity holds or nothing was recorded.
func CheckUnitFile(unitPath, hashPath string) string {
	data, err := os.ReadFile(unitPath)
	if err != nil {
		return ""
	}
	stored, err := os.ReadFile(hashPath)
	if err != nil {
		return ""
	}
	expected := strings.TrimSpace(string(stored))
	if len(expected) != sha256.Size*2 {
		return ""
	}

	actual := hashBytes(data)
	if actual == expected {
		return ""
	}
	return fmt.Sprintf("systemd unit file %s has been modified since installation (expected %s, got %s)",
		unitPath, expected[:16], actual[:16])
}

// RecordUnitFileHash stores the SHA-256 of the unit at unitPath.
func RecordUnitFileHash(unitPath, hashPath string) error {
	data, err := os.ReadFile(unitPath)
	if err != nil {
		return fmt.Errorf("systemd: read unit: %w", err)
	}
	if err := os.WriteFile(hashPath, []byte(hashBytes(data)+"\n"), 0600); err != nil {
		return fmt.Errorf("systemd: record unit hash: %w", err)
	}
	return nil
}

func hashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
