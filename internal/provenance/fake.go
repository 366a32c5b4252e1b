package provenance

import (
	"context"
	"sync"

	"github.com/ppiankov/procwarden/internal/model"
)

// Fake is an in-memory Verifier keyed by path. Unknown paths are Orphan.
type Fake struct {
	mu      sync.Mutex
	results map[string]model.ProvenanceResult
	calls   []string
}

// NewFake returns an empty Fake.
func NewFake() *Fake {
	return &Fake{results: make(map[string]model.ProvenanceResult)}
}

// Set registers the result returned for path.
func (f *Fake) Set(path string, r model.ProvenanceResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[path] = r
}

// Verify returns the registered result.
func (f *Fake) Verify(_ context.Context, path string) model.ProvenanceResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, path)
	if r, ok := f.results[path]; ok {
		return r
	}
	return model.ProvenanceResult{Status: model.Orphan, Detail: DetailOrphan}
}

// Calls returns the paths verified so far, in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}
