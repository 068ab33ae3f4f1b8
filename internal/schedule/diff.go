package schedule

import (
	"errors"
	"fmt"
	"sort"
)

// ErrInvalidSnapshot marks a malformed snapshot handed to Diff.
// Diff performs no partial work in that case; the caller must not advance
// its "previous" baseline.
var ErrInvalidSnapshot = errors.New("invalid snapshot")

// Validate checks that a snapshot is well-formed: a non-nil job collection
// with non-empty, unique job ids.
func Validate(s Snapshot) error {
	if s.Jobs == nil {
		return fmt.Errorf("%w: missing job collection", ErrInvalidSnapshot)
	}
	seen := make(map[string]struct{}, len(s.Jobs))
	for i, j := range s.Jobs {
		if j.JobID == "" {
			return fmt.Errorf("%w: job %d has empty id", ErrInvalidSnapshot, i)
		}
		if _, dup := seen[j.JobID]; dup {
			return fmt.Errorf("%w: duplicate job id %q", ErrInvalidSnapshot, j.JobID)
		}
		seen[j.JobID] = struct{}{}
	}
	return nil
}

// Diff compares two snapshots and produces a classified ChangeSet.
//
// Classification:
//   - Removed:     in previous, absent from current
//   - Added:       in current, absent from previous
//   - Swapped:     a pair (A, B) present in both where A's old date equals
//     B's new date and B's old date equals A's new date
//   - DateChanged: in both with a different date, and not claimed by a swap
//
// Swaps take precedence over DateChanged so that each job id appears in at
// most one entry (the partition invariant). Diff is pure: it never writes
// snapshots; advancing the baseline is the caller's job.
func Diff(previous, current Snapshot) (ChangeSet, error) {
	if err := Validate(previous); err != nil {
		return ChangeSet{}, fmt.Errorf("previous: %w", err)
	}
	if err := Validate(current); err != nil {
		return ChangeSet{}, fmt.Errorf("current: %w", err)
	}

	prevByID := make(map[string]WorkOrderRecord, len(previous.Jobs))
	for _, j := range previous.Jobs {
		prevByID[j.JobID] = j
	}
	curByID := make(map[string]WorkOrderRecord, len(current.Jobs))
	for _, j := range current.Jobs {
		curByID[j.JobID] = j
	}

	var entries []ChangeEntry

	// Removed: iterate previous in snapshot order for stable output.
	for _, j := range previous.Jobs {
		if _, ok := curByID[j.JobID]; !ok {
			entries = append(entries, Removed{Record: j})
		}
	}

	// Added.
	for _, j := range current.Jobs {
		if _, ok := prevByID[j.JobID]; !ok {
			entries = append(entries, Added{Record: j})
		}
	}

	// Date-change candidates: present in both, date differs.
	var moved []string
	for _, j := range previous.Jobs {
		cur, ok := curByID[j.JobID]
		if !ok {
			continue
		}
		if j.ScheduledDate != cur.ScheduledDate {
			moved = append(moved, j.JobID)
		}
	}

	// Swap pass over the candidates. O(n²) in the number of moved jobs;
	// fine at the expected scale (tens to low hundreds of jobs). If it ever
	// matters, index candidates by new date to find partners in O(n).
	claimed := make(map[string]bool, len(moved))
	for i := 0; i < len(moved); i++ {
		a := moved[i]
		if claimed[a] {
			continue
		}
		for k := i + 1; k < len(moved); k++ {
			b := moved[k]
			if claimed[b] {
				continue
			}
			if prevByID[a].ScheduledDate == curByID[b].ScheduledDate &&
				prevByID[b].ScheduledDate == curByID[a].ScheduledDate {
				entries = append(entries, newSwapped(a, b, prevByID, curByID))
				claimed[a], claimed[b] = true, true
				break
			}
		}
	}

	// Unclaimed remainder is a plain date change.
	for _, id := range moved {
		if claimed[id] {
			continue
		}
		entries = append(entries, DateChanged{
			JobID:   id,
			OldDate: prevByID[id].ScheduledDate,
			NewDate: curByID[id].ScheduledDate,
			Record:  curByID[id],
		})
	}

	return NewChangeSet(entries), nil
}

// newSwapped builds a Swapped entry with the pair in canonical order so that
// detection is independent of iteration order.
func newSwapped(a, b string, prev, cur map[string]WorkOrderRecord) Swapped {
	ids := []string{a, b}
	sort.Strings(ids)
	a, b = ids[0], ids[1]
	return Swapped{
		JobA:     a,
		JobB:     b,
		OldDateA: prev[a].ScheduledDate,
		NewDateA: cur[a].ScheduledDate,
		OldDateB: prev[b].ScheduledDate,
		NewDateB: cur[b].ScheduledDate,
		RecordA:  cur[a],
		RecordB:  cur[b],
	}
}
