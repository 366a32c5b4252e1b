package monitor

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ppiankov/procwarden/internal/model"
)

var (
	// ErrTransient marks a process that exited while it was being read.
	ErrTransient = errors.New("monitor: process vanished")
	// ErrAccessDenied marks a process whose metadata cannot be read.
	ErrAccessDenied = errors.New("monitor: access denied")
	// ErrNotExecutable marks kernel threads and zombies, which have no image.
	ErrNotExecutable = errors.New("monitor: no executable image")
	// ErrProcessGone is returned by Terminate when the snapshot's instance
	// no longer exists, including when its PID was reused.
	ErrProcessGone = errors.New("monitor: process gone")
)

const (
	deletedSuffix = " (deleted)"
	pfKthread     = 0x00200000 // include/linux/sched.h
)

// Scanner reads the live process table and controls process instances.
type Scanner interface {
	Scan() ([]model.ProcessSnapshot, error)
	Alive(p model.ProcessSnapshot) bool
	Terminate(p model.ProcessSnapshot) error
}

// ScanStats counts processes skipped by the last scan.
type ScanStats struct {
	Seen          int
	Transient     int
	AccessDenied  int
	NotExecutable int
}

// ProcfsScanner reads /proc. Linux-only at runtime.
type ProcfsScanner struct {
	Root   string      // "/proc" unless testing
	Signal unix.Signal // SIGTERM unless configured
	last   ScanStats
	now    func() time.Time
}

// NewProcfsScanner returns a scanner on /proc that terminates with sig.
func NewProcfsScanner(sig unix.Signal) *ProcfsScanner {
	if sig == 0 {
		sig = unix.SIGTERM
	}
	return &ProcfsScanner{Root: "/proc", Signal: sig, now: time.Now}
}

// Scan returns a snapshot of every process with an executable image.
// Per-process failures skip that process; only an unreadable root fails.
func (s *ProcfsScanner) Scan() ([]model.ProcessSnapshot, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		return nil, fmt.Errorf("monitor: read %s: %w", s.Root, err)
	}

	now := time.Now()
	if s.now != nil {
		now = s.now()
	}

	var stats ScanStats
	out := make([]model.ProcessSnapshot, 0, len(entries))
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid <= 0 {
			continue
		}
		stats.Seen++
		snap, err := s.read(pid)
		switch {
		case err == nil:
			snap.CapturedAt = now
			out = append(out, snap)
		case errors.Is(err, ErrTransient):
			stats.Transient++
		case errors.Is(err, ErrAccessDenied):
			stats.AccessDenied++
		default:
			stats.NotExecutable++
		}
	}
	s.last = stats
	return out, nil
}

// Stats returns the skip counters of the most recent Scan.
func (s *ProcfsScanner) Stats() ScanStats {
	return s.last
}

func (s *ProcfsScanner) read(pid int) (model.ProcessSnapshot, error) {
	dir := filepath.Join(s.Root, strconv.Itoa(pid))

	start, flags, err := readStat(dir)
	if err != nil {
		return model.ProcessSnapshot{}, err
	}
	if flags&pfKthread != 0 {
		return model.ProcessSnapshot{}, ErrNotExecutable
	}

	comm, err := os.ReadFile(filepath.Join(dir, "comm"))
	if err != nil {
		return model.ProcessSnapshot{}, procErr(err)
	}

	link, err := os.Readlink(filepath.Join(dir, "exe"))
	if err != nil {
		err = procErr(err)
		if errors.Is(err, ErrTransient) {
			// A live process with no exe link is a zombie or kernel task.
			if _, serr := os.Stat(dir); serr == nil {
				return model.ProcessSnapshot{}, ErrNotExecutable
			}
		}
		return model.ProcessSnapshot{}, err
	}
	if link == "" {
		return model.ProcessSnapshot{}, ErrNotExecutable
	}

	snap := model.ProcessSnapshot{
		PID:       pid,
		Name:      strings.TrimRight(string(comm), "\n"),
		Exe:       link,
		StartTime: start,
	}
	if strings.HasSuffix(link, deletedSuffix) {
		snap.Deleted = true
		snap.Exe = strings.TrimSuffix(link, deletedSuffix)
	}
	if s.foreignRoot(dir) {
		snap.Foreign = true
		snap.Image = filepath.Join(dir, "root", snap.Exe)
	}
	return snap, nil
}

// foreignRoot reports whether the process under dir sees a different root
// filesystem than the monitor. An unreadable root link counts as shared.
func (s *ProcfsScanner) foreignRoot(dir string) bool {
	theirs, err := os.Stat(filepath.Join(dir, "root"))
	if err != nil {
		return false
	}
	ours, err := os.Stat(filepath.Join(s.Root, "self", "root"))
	if err != nil {
		return false
	}
	return !os.SameFile(theirs, ours)
}

// readStat parses the flags (field 9) and start time (field 22) of
// <dir>/stat. The comm field may contain spaces and parentheses, so
// fields are counted from the last ')'.
func readStat(dir string) (start uint64, flags uint64, err error) {
	data, err := os.ReadFile(filepath.Join(dir, "stat"))
	if err != nil {
		return 0, 0, procErr(err)
	}
	return parseStat(string(data))
}

func parseStat(line string) (start uint64, flags uint64, err error) {
	i := strings.LastIndexByte(line, ')')
	if i < 0 {
		return 0, 0, fmt.Errorf("%w: malformed stat", ErrTransient)
	}
	// fields[0] is field 3 (state)
	fields := strings.Fields(line[i+1:])
	if len(fields) < 20 {
		return 0, 0, fmt.Errorf("%w: short stat", ErrTransient)
	}
	if flags, err = strconv.ParseUint(fields[6], 10, 64); err != nil {
		return 0, 0, fmt.Errorf("%w: bad flags %q", ErrTransient, fields[6])
	}
	if start, err = strconv.ParseUint(fields[19], 10, 64); err != nil {
		return 0, 0, fmt.Errorf("%w: bad starttime %q", ErrTransient, fields[19])
	}
	return start, flags, nil
}

func procErr(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, unix.ESRCH):
		return fmt.Errorf("%w: %v", ErrTransient, err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %v", ErrAccessDenied, err)
	default:
		return err
	}
}

// Alive reports whether the exact instance captured in p still exists.
func (s *ProcfsScanner) Alive(p model.ProcessSnapshot) bool {
	start, _, err := readStat(filepath.Join(s.Root, strconv.Itoa(p.PID)))
	return err == nil && start == p.StartTime
}

// Terminate signals p's process after confirming it is the same instance.
func (s *ProcfsScanner) Terminate(p model.ProcessSnapshot) error {
	if !s.Alive(p) {
		return ErrProcessGone
	}
	sig := s.Signal
	if sig == 0 {
		sig = unix.SIGTERM
	}
	err := unix.Kill(p.PID, sig)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.ESRCH):
		return ErrProcessGone
	case errors.Is(err, unix.EPERM):
		return fmt.Errorf("%w: kill %d: %v", ErrAccessDenied, p.PID, err)
	default:
		return fmt.Errorf("monitor: kill %d: %w", p.PID, err)
	}
}

// ParseSignal maps a config value to a signal.
func ParseSignal(name string) (unix.Signal, error) {
	switch strings.TrimPrefix(strings.ToUpper(name), "SIG") {
	case "", "TERM":
		return unix.SIGTERM, nil
	case "KILL":
		return unix.SIGKILL, nil
	default:
		return 0, fmt.Errorf("monitor: unsupported kill signal %q", name)
	}
}
