package knowledge

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// SchemaVersion is the current on-disk layout version.
const SchemaVersion = 1

const maxNameLen = 64

// validName accepts process names as the kernel reports them in comm, which
// may include '/'. Names that are not valid UTF-8 cannot survive a JSON
// round trip unchanged and are rejected.
func validName(name string) bool {
	return name != "" && len(name) <= maxNameLen &&
		!strings.ContainsRune(name, 0) && utf8.ValidString(name)
}

// TrustEntry is the learned explanation for a process name.
type TrustEntry struct {
	Explanation string `json:"explanation"`
	VerifiedAt  string `json:"verified_at,omitempty"`
}

// KnowledgeBase maps environment -> process name -> trust entry.
type KnowledgeBase struct {
	Version      int                              `json:"version"`
	Environments map[string]map[string]TrustEntry `json:"environments"`
}

// NewKnowledgeBase returns an empty, current-version base.
func NewKnowledgeBase() *KnowledgeBase {
	return &KnowledgeBase{
		Version:      SchemaVersion,
		Environments: make(map[string]map[string]TrustEntry),
	}
}

// Validate checks structural constraints the JSON decoder cannot express.
func (kb *KnowledgeBase) Validate() error {
	if kb.Version != SchemaVersion {
		return fmt.Errorf("unsupported schema version %d", kb.Version)
	}
	for env, procs := range kb.Environments {
		if strings.TrimSpace(env) == "" {
			return fmt.Errorf("empty environment id")
		}
		for name, e := range procs {
			if !validName(name) {
				return fmt.Errorf("environment %q: invalid process name %q", env, name)
			}
			if e.Explanation == "" {
				return fmt.Errorf("environment %q: process %q has no explanation", env, name)
			}
		}
	}
	return nil
}

// Count returns the number of entries across all environments.
func (kb *KnowledgeBase) Count() int {
	n := 0
	for _, procs := range kb.Environments {
		n += len(procs)
	}
	return n
}

// legacyBase is the layout written by the earlier script generations:
// {"sistemas": {env: {"procesos_standard": {name: explanation}}}}.
type legacyBase struct {
	Sistemas map[string]struct {
		ProcesosStandard map[string]string `json:"procesos_standard"`
	} `json:"sistemas"`
}

// Decode parses raw file content into a KnowledgeBase, migrating older
// layouts. The returned bool reports whether a migration took place.
func Decode(data []byte) (*KnowledgeBase, bool, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, false, fmt.Errorf("parse: %w", err)
	}

	if _, ok := probe["sistemas"]; ok {
		kb, err := migrateLegacy(data)
		return kb, true, err
	}

	kb := NewKnowledgeBase()
	if err := json.Unmarshal(data, kb); err != nil {
		return nil, false, fmt.Errorf("parse: %w", err)
	}
	if kb.Environments == nil {
		kb.Environments = make(map[string]map[string]TrustEntry)
	}
	if err := kb.Validate(); err != nil {
		return nil, false, fmt.Errorf("validate: %w", err)
	}
	return kb, false, nil
}

func migrateLegacy(data []byte) (*KnowledgeBase, error) {
	var old legacyBase
	if err := json.Unmarshal(data, &old); err != nil {
		return nil, fmt.Errorf("parse legacy layout: %w", err)
	}
	kb := NewKnowledgeBase()
	for env, sys := range old.Sistemas {
		if len(sys.ProcesosStandard) == 0 {
			continue
		}
		procs := make(map[string]TrustEntry, len(sys.ProcesosStandard))
		for name, text := range sys.ProcesosStandard {
			if !validName(name) || text == "" {
				continue
			}
			procs[name] = TrustEntry{Explanation: text}
		}
		kb.Environments[env] = procs
	}
	return kb, kb.Validate()
}

// Encode renders kb deterministically: sorted keys, two-space indent and a
// trailing newline. Encoding what Decode returned reproduces the input
// byte for byte when the input was itself produced by Encode.
func Encode(kb *KnowledgeBase) ([]byte, error) {
	data, err := json.MarshalIndent(kb, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
