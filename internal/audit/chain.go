package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ppiankov/procwarden/internal/model"
)

// GenesisHash is the prev_hash of the first line of a chain.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// maxLine bounds one JSONL record; threat events are a few hundred bytes.
const maxLine = 1 << 20

// ChainEntry is one JSONL line: the flattened event plus the hash of the
// previous raw line.
type ChainEntry struct {
	model.ThreatEvent
	PrevHash string `json:"prev_hash"`
}

// ChainLog is the tamper-evident sink. Rewriting, dropping or inserting a
// line breaks every later link.
type ChainLog struct {
	file *os.File
	tail string // hash of the last line written
}

// OpenChain opens path for appending and recovers the chain tail from the
// last line already on disk.
func OpenChain(path string) (*ChainLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}

	tail := GenesisHash
	if f, err := os.Open(path); err == nil {
		err = walkChain(f, func(_ int, line []byte, _ *ChainEntry) error {
			tail = HashLine(line)
			return nil
		}, false)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("audit: recover chain tail of %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("audit: read existing log: %w", err)
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	return &ChainLog{file: file, tail: tail}, nil
}

// Append links event to the tail, writes it as one line and fsyncs. The
// tail only advances once the line is durable.
func (l *ChainLog) Append(event model.ThreatEvent) error {
	line, err := json.Marshal(ChainEntry{ThreatEvent: event, PrevHash: l.tail})
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: write event: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("audit: sync: %w", err)
	}
	l.tail = HashLine(line)
	return nil
}

// Close closes the underlying file.
func (l *ChainLog) Close() error {
	return l.file.Close()
}

// HashLine returns "sha256:<hex>" of a raw line without its newline.
func HashLine(line []byte) string {
	h := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(h[:])
}

// walkChain calls fn for every non-empty line of r with its 1-based line
// number. When decode is set the line is parsed first and a parse failure
// stops the walk with a *lineError.
func walkChain(r io.Reader, fn func(n int, line []byte, e *ChainEntry) error, decode bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLine)
	n := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		n++
		var entry *ChainEntry
		if decode {
			entry = &ChainEntry{}
			if err := json.Unmarshal(line, entry); err != nil {
				return &lineError{line: n, msg: fmt.Sprintf("parse error: %v", err)}
			}
		}
		if err := fn(n, line, entry); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// lineError pins a chain failure to a line number.
type lineError struct {
	line int
	msg  string
}

func (e *lineError) Error() string {
	return fmt.Sprintf("line %d: %s", e.line, e.msg)
}
