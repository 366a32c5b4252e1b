package systemd

import (
	"fmt"
	"strings"
)

// UnitName is the installed unit file name.
const UnitName = "procwarden.service"

// UnitOptions parameterize the monitor unit.
type UnitOptions struct {
	Binary     string // absolute path to procwarden
	ConfigPath string
}

// MonitorTemplate returns the unit for the root process monitor.
//
// Under systemd stdin is not a terminal, so every prompt falls through to
// the default policy. /tmp and /home stay visible: hiding them would make
// executables there fail to stat and be reported as fileless.
func MonitorTemplate(opts UnitOptions) string {
	if opts.Binary == "" {
		opts.Binary = "/usr/local/bin/procwarden"
	}
	if opts.ConfigPath == "" {
		opts.ConfigPath = "/etc/procwarden/config.yaml"
	}

	var b strings.Builder
	b.WriteString(`[Unit]
Description=procwarden process integrity monitor
Documentation=https://github.com/ppiankov/procwarden
After=local-fs.target
`)
	b.WriteString("\n[Service]\nType=simple\n")
	fmt.Fprintf(&b, "ExecStart=%s monitor --config %s\n", opts.Binary, opts.ConfigPath)
	b.WriteString(`Restart=on-failure
RestartSec=2
User=root
CapabilityBoundingSet=CAP_KILL CAP_SYS_PTRACE CAP_DAC_READ_SEARCH CAP_DAC_OVERRIDE
NoNewPrivileges=true
ProtectSystem=strict
ProtectHome=read-only
ReadWritePaths=/var/lib/procwarden /var/log/procwarden
StateDirectory=procwarden
LogsDirectory=procwarden
`)
	b.WriteString("KillSignal=SIGTERM\nTimeoutStopSec=20\n")
	b.WriteString("\n[Install]\nWantedBy=multi-user.target\n")
	return b.String()
}
