// Package console shows security prompts to the operator and collects a
// permit/block answer within a bounded decision window.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/ppiankov/procwarden/internal/model"
)

// Response is the operator's answer to a prompt.
type Response int

const (
	// ResponseNone means no valid answer arrived within the window.
	ResponseNone Response = iota
	ResponsePermit
	ResponseBlock
)

func (r Response) String() string {
	switch r {
	case ResponsePermit:
		return "permit"
	case ResponseBlock:
		return "block"
	default:
		return "none"
	}
}

// Prompt is the context displayed for one anomaly.
type Prompt struct {
	PID         int
	Name        string
	Path        string
	Alert       model.AlertType
	Provenance  model.ProvenanceResult
	Explanation string // empty when pedagogy is disabled
	Window      time.Duration
}

// Console serializes prompts on one output stream and reads answers from
// one input stream. Input lines arrive through a channel fed by a reader
// goroutine, so every wait can be bounded by a timer and a context.
type Console struct {
	out         io.Writer
	outMu       sync.Mutex
	lines       chan string
	sem         chan struct{}
	interactive bool
}

// New returns a console reading in and writing out. When interactive is
// false, prompts are displayed but answered with ResponseNone immediately.
func New(in io.Reader, out io.Writer, interactive bool) *Console {
	c := &Console{
		out:         out,
		lines:       make(chan string, 16),
		sem:         make(chan struct{}, 1),
		interactive: interactive,
	}
	go c.readLines(in)
	return c
}

// NewStdio returns a console on stdin/stderr.
func NewStdio() *Console {
	return New(os.Stdin, os.Stderr, IsInteractive())
}

// IsInteractive reports whether stdin is a terminal.
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

func (c *Console) readLines(in io.Reader) {
	defer close(c.lines)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		c.lines <- scanner.Text()
	}
}

// Ask displays p and waits up to p.Window for an answer. Only one prompt is
// visible at a time; callers queue on a context-aware semaphore. If ctx is
// cancelled while waiting, Ask returns ctx.Err() and no response.
func (c *Console) Ask(ctx context.Context, p Prompt) (Response, error) {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return ResponseNone, ctx.Err()
	}
	defer func() { <-c.sem }()

	// Keystrokes typed before this prompt appeared must not answer it.
	c.drain()
	c.render(p)

	if !c.interactive {
		c.Printf("Non-interactive session: applying default policy.\n")
		return ResponseNone, nil
	}

	timer := time.NewTimer(p.Window)
	defer timer.Stop()

	lines := c.lines
	for {
		select {
		case <-ctx.Done():
			c.Printf("\nPrompt cancelled.\n")
			return ResponseNone, ctx.Err()

		case <-timer.C:
			c.Printf("\nNo answer within %s.\n", p.Window)
			return ResponseNone, nil

		case line, ok := <-lines:
			if !ok {
				// stdin closed: keep waiting out the window
				lines = nil
				continue
			}
			switch r := ParseResponse(line); r {
			case ResponsePermit, ResponseBlock:
				return r, nil
			default:
				c.Printf("Invalid input. Enter 'p' to permit or 'b' to block: ")
			}
		}
	}
}

func (c *Console) drain() {
	for {
		select {
		case _, ok := <-c.lines:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// ParseResponse maps an input line to a Response.
func ParseResponse(line string) Response {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "p", "permit", "a", "allow", "y", "yes":
		return ResponsePermit
	case "b", "block", "k", "kill", "n", "no":
		return ResponseBlock
	default:
		return ResponseNone
	}
}

func (c *Console) render(p Prompt) {
	var b strings.Builder
	b.WriteString("\n")
	b.WriteString("╔══════════════════════════════════════════════════════════════╗\n")
	b.WriteString("║              SECURITY EVENT: DECISION REQUIRED               ║\n")
	b.WriteString("╚══════════════════════════════════════════════════════════════╝\n")
	fmt.Fprintf(&b, "Process:   %s (PID %d)\n", p.Name, p.PID)
	fmt.Fprintf(&b, "Path:      %s\n", p.Path)
	fmt.Fprintf(&b, "Alert:     %s (%s)\n", p.Alert, p.Alert.Severity())
	fmt.Fprintf(&b, "Integrity: %s: %s\n", p.Provenance.Status, p.Provenance.Detail)
	if p.Explanation != "" {
		fmt.Fprintf(&b, "About:     %s\n", p.Explanation)
	}
	b.WriteString("\n")
	b.WriteString("Options:\n")
	b.WriteString("  [p] Permit - let the process run and remember it\n")
	b.WriteString("  [b] Block  - terminate the process now\n")
	fmt.Fprintf(&b, "No answer within %s applies the default policy.\n\n", p.Window)
	b.WriteString("Your choice [p/b]: ")

	c.outMu.Lock()
	defer c.outMu.Unlock()
	io.WriteString(c.out, b.String())
}

// Printf writes an operator notice.
func (c *Console) Printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}
