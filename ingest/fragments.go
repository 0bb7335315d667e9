package ingest

import (
	"github.com/goccy/go-json"
)

// Replay fragment type codes.
const (
	FragmentMutation = 0
	FragmentSnapshot = 2
	FragmentMeta     = 4
)

// FragmentsKey is the payload field carrying replay fragments.
// fragmentsAlias is the older tracker's name for the same list.
const (
	FragmentsKey   = "rr_events"
	fragmentsAlias = "vb"
)

// Fragments returns the replay fragment list embedded in value, or nil.
func Fragments(value any) []any {
	m, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	for _, key := range []string{FragmentsKey, fragmentsAlias} {
		if list, ok := m[key].([]any); ok {
			return list
		}
	}
	return nil
}

// FragmentType returns the integer type tag of a fragment. Both the compact
// "t" and the long "type" spellings are understood.
func FragmentType(fragment any) (int, bool) {
	m, ok := fragment.(map[string]any)
	if !ok {
		return 0, false
	}
	for _, key := range []string{"t", "type"} {
		switch n := m[key].(type) {
		case float64:
			if n == float64(int(n)) {
				return int(n), true
			}
		case int:
			return n, true
		}
	}
	return 0, false
}

// Bootstrap is a complete recording start triple.
type Bootstrap struct {
	Snapshot   any
	Meta       any
	FirstChunk any
}

// FindBootstrap picks the first snapshot, the first meta and the first
// mutation chunk out of fragments. ok is false unless all three exist.
func FindBootstrap(fragments []any) (Bootstrap, bool) {
	var (
		b                     Bootstrap
		snapshot, meta, chunk bool
	)
	for _, f := range fragments {
		code, ok := FragmentType(f)
		if !ok {
			continue
		}
		switch {
		case code == FragmentSnapshot && !snapshot:
			b.Snapshot, snapshot = f, true
		case code == FragmentMeta && !meta:
			b.Meta, meta = f, true
		case code == FragmentMutation && !chunk:
			b.FirstChunk, chunk = f, true
		}
	}
	return b, snapshot && meta && chunk
}

// DecodeValue parses p when it arrives as a JSON string. Other values are
// returned unchanged.
func DecodeValue(p any) (any, error) {
	s, ok := p.(string)
	if !ok {
		return p, nil
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}
