package schedule

import (
	"sort"
	"time"
)

// WorkOrderRecord is one scraped work order. Records are immutable once
// captured; they are owned by the Snapshot they belong to.
//
// ScheduledDate is kept as the scraper's normalized "YYYY-MM-DD" string.
// Diffing only ever compares dates for equality, so there is no reason to
// parse them and inherit timezone ambiguity from the upstream site.
type WorkOrderRecord struct {
	JobID          string   `json:"job_id"`
	StoreLabel     string   `json:"store_label"`
	LocationLabel  string   `json:"location_label"`
	ScheduledDate  string   `json:"scheduled_date"`
	DispenserCount int      `json:"dispenser_count"`
	AddressParts   []string `json:"address_parts,omitempty"`
}

// Snapshot is a point-in-time capture of all work orders for a user.
type Snapshot struct {
	CapturedAt time.Time         `json:"captured_at"`
	Jobs       []WorkOrderRecord `json:"jobs"`
}

// ChangeKind discriminates ChangeEntry variants.
type ChangeKind string

const (
	KindAdded       ChangeKind = "added"
	KindRemoved     ChangeKind = "removed"
	KindDateChanged ChangeKind = "date_changed"
	KindSwapped     ChangeKind = "swapped"
)

// Severity orders change kinds by how disruptive they are to the user.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarn
	SeverityCritical
)

// ChangeEntry is a tagged variant: exactly one of Added, Removed,
// DateChanged or Swapped. Consumers must type-switch over all four;
// there is deliberately no catch-all "other" variant.
type ChangeEntry interface {
	Kind() ChangeKind
	Severity() Severity
	// JobIDs returns the job identifiers this entry claims. A given job id
	// appears in at most one entry per ChangeSet.
	JobIDs() []string
}

// Added reports a job present in current but not in previous.
type Added struct {
	Record WorkOrderRecord
}

// Removed reports a job present in previous but not in current.
type Removed struct {
	Record WorkOrderRecord
}

// DateChanged reports a job whose scheduled date moved between snapshots.
type DateChanged struct {
	JobID   string
	OldDate string
	NewDate string
	Record  WorkOrderRecord // current record
}

// Swapped reports two jobs that exchanged scheduled dates between snapshots.
// The pair is stored in a canonical order (JobA < JobB) so swap detection is
// order-independent.
type Swapped struct {
	JobA     string
	JobB     string
	OldDateA string
	NewDateA string
	OldDateB string
	NewDateB string
	RecordA  WorkOrderRecord // current record of JobA
	RecordB  WorkOrderRecord // current record of JobB
}

func (Added) Kind() ChangeKind       { return KindAdded }
func (Removed) Kind() ChangeKind     { return KindRemoved }
func (DateChanged) Kind() ChangeKind { return KindDateChanged }
func (Swapped) Kind() ChangeKind     { return KindSwapped }

func (Added) Severity() Severity       { return SeverityInfo }
func (Removed) Severity() Severity     { return SeverityCritical }
func (DateChanged) Severity() Severity { return SeverityWarn }
func (Swapped) Severity() Severity     { return SeverityWarn }

func (e Added) JobIDs() []string       { return []string{e.Record.JobID} }
func (e Removed) JobIDs() []string     { return []string{e.Record.JobID} }
func (e DateChanged) JobIDs() []string { return []string{e.JobID} }
func (e Swapped) JobIDs() []string     { return []string{e.JobA, e.JobB} }

// Summary holds per-category counts derived from a ChangeSet's entries.
type Summary struct {
	Added       int `json:"added"`
	Removed     int `json:"removed"`
	DateChanged int `json:"date_changed"`
	Swapped     int `json:"swapped"`
}

func (s Summary) Total() int { return s.Added + s.Removed + s.DateChanged + s.Swapped }

// ChangeSet is the classified result of comparing two snapshots.
// It is created fresh per diff cycle and never mutated afterwards;
// filtering produces a new ChangeSet.
type ChangeSet struct {
	Entries []ChangeEntry
	Summary Summary
}

func (cs ChangeSet) Empty() bool { return len(cs.Entries) == 0 }

// AffectedJobIDs returns the sorted, de-duplicated job ids claimed by the
// entries. Used for dedup fingerprinting.
func (cs ChangeSet) AffectedJobIDs() []string {
	seen := make(map[string]struct{}, len(cs.Entries))
	ids := make([]string, 0, len(cs.Entries))
	for _, e := range cs.Entries {
		for _, id := range e.JobIDs() {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Summarize recomputes a Summary from entries.
func Summarize(entries []ChangeEntry) Summary {
	var s Summary
	for _, e := range entries {
		switch e.Kind() {
		case KindAdded:
			s.Added++
		case KindRemoved:
			s.Removed++
		case KindDateChanged:
			s.DateChanged++
		case KindSwapped:
			s.Swapped++
		}
	}
	return s
}

// NewChangeSet builds a ChangeSet with its derived summary.
func NewChangeSet(entries []ChangeEntry) ChangeSet {
	return ChangeSet{Entries: entries, Summary: Summarize(entries)}
}
