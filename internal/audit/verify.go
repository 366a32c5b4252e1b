package audit

import (
	"errors"
	"fmt"
	"os"

	"github.com/ppiankov/procwarden/internal/model"
)

// VerifyResult holds the outcome of a hash chain verification.
type VerifyResult struct {
	Valid     bool   `json:"valid"`
	Lines     int    `json:"lines"`
	Blocked   int    `json:"blocked"`
	Permitted int    `json:"permitted"`
	Error     string `json:"error,omitempty"`
	ErrorLine int    `json:"error_line,omitempty"`
}

// Verify walks a JSONL chain log and checks every link. On success the
// result also tallies the decisions it recorded.
func Verify(path string) VerifyResult {
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("open: %v", err)}
	}
	defer f.Close()

	var res VerifyResult
	expected := GenesisHash
	err = walkChain(f, func(n int, line []byte, e *ChainEntry) error {
		if e.PrevHash != expected {
			if n == 1 {
				return &lineError{line: n, msg: fmt.Sprintf("first entry prev_hash is %q, expected genesis hash", e.PrevHash)}
			}
			return &lineError{line: n, msg: fmt.Sprintf("hash mismatch: expected %s, got %s", expected, e.PrevHash)}
		}
		expected = HashLine(line)
		res.Lines = n
		switch e.Decision {
		case model.Blocked:
			res.Blocked++
		case model.Permitted:
			res.Permitted++
		}
		return nil
	}, true)

	var le *lineError
	switch {
	case errors.As(err, &le):
		return VerifyResult{Error: le.msg, ErrorLine: le.line}
	case err != nil:
		return VerifyResult{Error: fmt.Sprintf("scan: %v", err)}
	}
	res.Valid = true
	return res
}
