package schedule

import (
	"errors"
	"testing"
	"time"
)

func snap(jobs ...WorkOrderRecord) Snapshot {
	if jobs == nil {
		jobs = []WorkOrderRecord{}
	}
	return Snapshot{CapturedAt: time.Now(), Jobs: jobs}
}

func job(id, date string) WorkOrderRecord {
	return WorkOrderRecord{JobID: id, StoreLabel: "Store " + id, LocationLabel: "Loc", ScheduledDate: date}
}

func TestDiffIdenticalSnapshotsIsEmpty(t *testing.T) {
	t.Parallel()
	s := snap(job("W-1", "2025-05-10"), job("W-2", "2025-05-11"))
	cs, err := Diff(s, s)
	if err != nil {
		t.Fatalf("Diff error: %v", err)
	}
	if !cs.Empty() {
		t.Fatalf("expected empty ChangeSet, got %d entries", len(cs.Entries))
	}
	if cs.Summary.Total() != 0 {
		t.Fatalf("expected zero summary, got %+v", cs.Summary)
	}
}

func TestDiffAddedRemoved(t *testing.T) {
	t.Parallel()
	prev := snap(job("W-1", "2025-05-10"), job("W-3", "2025-05-12"))
	cur := snap(job("W-1", "2025-05-10"), job("W-9", "2025-05-13"))

	cs, err := Diff(prev, cur)
	if err != nil {
		t.Fatalf("Diff error: %v", err)
	}
	if cs.Summary.Added != 1 || cs.Summary.Removed != 1 || cs.Summary.DateChanged != 0 || cs.Summary.Swapped != 0 {
		t.Fatalf("unexpected summary: %+v", cs.Summary)
	}
	var gotAdd, gotRem bool
	for _, e := range cs.Entries {
		switch v := e.(type) {
		case Added:
			gotAdd = v.Record.JobID == "W-9"
		case Removed:
			gotRem = v.Record.JobID == "W-3"
		}
	}
	if !gotAdd || !gotRem {
		t.Fatalf("missing expected entries: %+v", cs.Entries)
	}
}

func TestDiffSwapTakesPrecedenceOverDateChanged(t *testing.T) {
	t.Parallel()
	prev := snap(job("W-1", "2025-05-10"), job("W-2", "2025-05-11"))
	cur := snap(job("W-1", "2025-05-11"), job("W-2", "2025-05-10"))

	cs, err := Diff(prev, cur)
	if err != nil {
		t.Fatalf("Diff error: %v", err)
	}
	if cs.Summary.Swapped != 1 || cs.Summary.DateChanged != 0 || cs.Summary.Added != 0 || cs.Summary.Removed != 0 {
		t.Fatalf("unexpected summary: %+v", cs.Summary)
	}
	sw, ok := cs.Entries[0].(Swapped)
	if !ok {
		t.Fatalf("expected Swapped entry, got %T", cs.Entries[0])
	}
	if sw.JobA != "W-1" || sw.JobB != "W-2" {
		t.Fatalf("unexpected swap pair: %+v", sw)
	}
	if sw.OldDateA != "2025-05-10" || sw.NewDateA != "2025-05-11" {
		t.Fatalf("unexpected swap dates: %+v", sw)
	}
}

func TestDiffSwapIsOrderIndependent(t *testing.T) {
	t.Parallel()
	// Same swap but with snapshot job order reversed: the canonical pair
	// must come out identical.
	prev := snap(job("W-2", "2025-05-11"), job("W-1", "2025-05-10"))
	cur := snap(job("W-2", "2025-05-10"), job("W-1", "2025-05-11"))

	cs, err := Diff(prev, cur)
	if err != nil {
		t.Fatalf("Diff error: %v", err)
	}
	sw, ok := cs.Entries[0].(Swapped)
	if !ok {
		t.Fatalf("expected Swapped entry, got %T", cs.Entries[0])
	}
	if sw.JobA != "W-1" || sw.JobB != "W-2" {
		t.Fatalf("swap pair not canonical: %+v", sw)
	}
}

func TestDiffMixedChanges(t *testing.T) {
	t.Parallel()
	prev := snap(
		job("W-1", "2025-05-10"),
		job("W-2", "2025-05-11"),
		job("W-3", "2025-05-12"),
		job("W-4", "2025-05-13"),
	)
	cur := snap(
		job("W-1", "2025-05-11"), // half of swap
		job("W-2", "2025-05-10"), // half of swap
		job("W-3", "2025-06-01"), // plain date change
		job("W-5", "2025-05-14"), // added; W-4 removed
	)

	cs, err := Diff(prev, cur)
	if err != nil {
		t.Fatalf("Diff error: %v", err)
	}
	want := Summary{Added: 1, Removed: 1, DateChanged: 1, Swapped: 1}
	if cs.Summary != want {
		t.Fatalf("summary = %+v, want %+v", cs.Summary, want)
	}
}

func TestDiffPartitionInvariant(t *testing.T) {
	t.Parallel()
	prev := snap(
		job("W-1", "2025-05-10"),
		job("W-2", "2025-05-11"),
		job("W-3", "2025-05-10"),
		job("W-4", "2025-05-11"),
	)
	// Two overlapping potential swap pairs; each job may be claimed once.
	cur := snap(
		job("W-1", "2025-05-11"),
		job("W-2", "2025-05-10"),
		job("W-3", "2025-05-11"),
		job("W-4", "2025-05-10"),
	)

	cs, err := Diff(prev, cur)
	if err != nil {
		t.Fatalf("Diff error: %v", err)
	}
	seen := map[string]int{}
	for _, e := range cs.Entries {
		for _, id := range e.JobIDs() {
			seen[id]++
		}
	}
	for id, n := range seen {
		if n > 1 {
			t.Fatalf("job %s claimed by %d entries", id, n)
		}
	}
	if cs.Summary.Swapped != 2 {
		t.Fatalf("expected 2 swaps, got %+v", cs.Summary)
	}
}

func TestDiffInvalidSnapshots(t *testing.T) {
	t.Parallel()
	valid := snap(job("W-1", "2025-05-10"))

	tests := []struct {
		name string
		prev Snapshot
		cur  Snapshot
	}{
		{name: "nil previous jobs", prev: Snapshot{CapturedAt: time.Now()}, cur: valid},
		{name: "nil current jobs", prev: valid, cur: Snapshot{CapturedAt: time.Now()}},
		{name: "duplicate id", prev: snap(job("W-1", "a"), job("W-1", "b")), cur: valid},
		{name: "empty id", prev: snap(job("", "a")), cur: valid},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Diff(tt.prev, tt.cur)
			if !errors.Is(err, ErrInvalidSnapshot) {
				t.Fatalf("expected ErrInvalidSnapshot, got %v", err)
			}
		})
	}
}

func TestAffectedJobIDsSortedUnique(t *testing.T) {
	t.Parallel()
	cs := NewChangeSet([]ChangeEntry{
		Swapped{JobA: "W-2", JobB: "W-9"},
		Removed{Record: job("W-1", "2025-05-10")},
	})
	ids := cs.AffectedJobIDs()
	want := []string{"W-1", "W-2", "W-9"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
}
