package schedule

import (
	"encoding/json"
	"fmt"
)

// entryEnvelope is the wire form of a ChangeEntry: the kind tag plus exactly
// one populated variant. Used by the digest store, which has to round-trip
// entries through persistence between enqueue and flush.
type entryEnvelope struct {
	Kind        ChangeKind   `json:"kind"`
	Added       *Added       `json:"added,omitempty"`
	Removed     *Removed     `json:"removed,omitempty"`
	DateChanged *DateChanged `json:"date_changed,omitempty"`
	Swapped     *Swapped     `json:"swapped,omitempty"`
}

// EncodeEntries serializes entries to JSON.
func EncodeEntries(entries []ChangeEntry) ([]byte, error) {
	envs := make([]entryEnvelope, 0, len(entries))
	for _, e := range entries {
		env := entryEnvelope{Kind: e.Kind()}
		switch v := e.(type) {
		case Added:
			env.Added = &v
		case Removed:
			env.Removed = &v
		case DateChanged:
			env.DateChanged = &v
		case Swapped:
			env.Swapped = &v
		default:
			return nil, fmt.Errorf("unknown change entry type %T", e)
		}
		envs = append(envs, env)
	}
	return json.Marshal(envs)
}

// DecodeEntries is the inverse of EncodeEntries.
func DecodeEntries(data []byte) ([]ChangeEntry, error) {
	var envs []entryEnvelope
	if err := json.Unmarshal(data, &envs); err != nil {
		return nil, err
	}
	entries := make([]ChangeEntry, 0, len(envs))
	for i, env := range envs {
		switch {
		case env.Added != nil:
			entries = append(entries, *env.Added)
		case env.Removed != nil:
			entries = append(entries, *env.Removed)
		case env.DateChanged != nil:
			entries = append(entries, *env.DateChanged)
		case env.Swapped != nil:
			entries = append(entries, *env.Swapped)
		default:
			return nil, fmt.Errorf("entry %d: empty envelope (kind %q)", i, env.Kind)
		}
	}
	return entries, nil
}
