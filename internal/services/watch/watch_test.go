package watch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"orderwatch/internal/dedup"
	"orderwatch/internal/dispatch"
	"orderwatch/internal/prefs"
	"orderwatch/internal/schedule"
	"orderwatch/internal/storage"
	"orderwatch/pkg/logx"
)

type fakeFetcher struct {
	mu    sync.Mutex
	snaps map[string]schedule.Snapshot
	errs  map[string]error
	calls int
}

func (f *fakeFetcher) Fetch(_ context.Context, userID string) (schedule.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.errs[userID]; err != nil {
		return schedule.Snapshot{}, err
	}
	return f.snaps[userID], nil
}

func (f *fakeFetcher) set(userID string, snap schedule.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps[userID] = snap
}

type fakeDispatcher struct {
	mu    sync.Mutex
	sends int
}

func (d *fakeDispatcher) Channel() prefs.Channel { return prefs.ChannelPush }

func (d *fakeDispatcher) Send(_ context.Context, _ prefs.UserPreference, _ schedule.ChangeSet) dispatch.DispatchResult {
	d.mu.Lock()
	d.sends++
	d.mu.Unlock()
	return dispatch.Sent(prefs.ChannelPush)
}

func (d *fakeDispatcher) sent() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sends
}

func snapOf(jobs ...schedule.WorkOrderRecord) schedule.Snapshot {
	if jobs == nil {
		jobs = []schedule.WorkOrderRecord{}
	}
	return schedule.Snapshot{CapturedAt: time.Now(), Jobs: jobs}
}

func pushUser(id string) prefs.UserPreference {
	return prefs.UserPreference{
		UserID:  id,
		Enabled: true,
		Push:    prefs.ChannelPreference{Enabled: true, Address: "key-" + id},
	}
}

func newHarness(t *testing.T, users ...prefs.UserPreference) (*Service, *fakeFetcher, *fakeDispatcher, storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "watch.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	fetch := &fakeFetcher{snaps: map[string]schedule.Snapshot{}, errs: map[string]error{}}
	disp := &fakeDispatcher{}
	cache := dedup.New(dedup.Config{}, nil)
	coord := dispatch.NewCoordinator([]dispatch.Dispatcher{disp}, cache, nil, nil, logx.Nop(), 0)

	svc := New(
		Config{Enabled: true, Cron: "* * * * *", Concurrency: 2},
		fetch, st, coord,
		func() []prefs.UserPreference { return users },
		nil, logx.Nop(),
	)
	return svc, fetch, disp, st
}

func TestFirstCycleSeedsBaselineSilently(t *testing.T) {
	t.Parallel()
	svc, fetch, disp, st := newHarness(t, pushUser("alice"))
	ctx := context.Background()

	fetch.set("alice", snapOf(
		schedule.WorkOrderRecord{JobID: "W-1", StoreLabel: "Outlet #1", ScheduledDate: "2026-09-03"},
	))

	report := svc.Run(ctx, "")
	if !report.Success {
		t.Fatalf("report: %+v", report)
	}
	if len(report.PerUser) != 1 || !report.PerUser[0].NoRelevantChanges {
		t.Fatalf("per-user: %+v", report.PerUser)
	}
	if disp.sent() != 0 {
		t.Fatalf("first cycle must not notify, sent %d", disp.sent())
	}
	if _, ok, _ := st.Baseline(ctx, "alice"); !ok {
		t.Fatal("baseline should be seeded")
	}
}

func TestChangeDetectedAndBaselineAdvances(t *testing.T) {
	t.Parallel()
	svc, fetch, disp, st := newHarness(t, pushUser("alice"))
	ctx := context.Background()

	fetch.set("alice", snapOf(
		schedule.WorkOrderRecord{JobID: "W-1", StoreLabel: "Outlet #1", ScheduledDate: "2026-09-03"},
	))
	svc.Run(ctx, "")

	// Date moves; the second cycle must notify once and advance the baseline.
	fetch.set("alice", snapOf(
		schedule.WorkOrderRecord{JobID: "W-1", StoreLabel: "Outlet #1", ScheduledDate: "2026-09-05"},
	))
	report := svc.Run(ctx, "")
	if len(report.PerUser) != 1 || !report.PerUser[0].Delivered() {
		t.Fatalf("expected delivery: %+v", report.PerUser)
	}
	if disp.sent() != 1 {
		t.Fatalf("sends = %d, want 1", disp.sent())
	}

	snap, ok, err := st.Baseline(ctx, "alice")
	if err != nil || !ok {
		t.Fatalf("baseline: ok=%v err=%v", ok, err)
	}
	if snap.Jobs[0].ScheduledDate != "2026-09-05" {
		t.Fatalf("baseline not advanced: %+v", snap.Jobs)
	}

	// A third cycle with the same schedule is quiet.
	report = svc.Run(ctx, "")
	if !report.PerUser[0].NoRelevantChanges || disp.sent() != 1 {
		t.Fatalf("third cycle: %+v sends=%d", report.PerUser[0], disp.sent())
	}
}

func TestUserFailureIsIsolated(t *testing.T) {
	t.Parallel()
	svc, fetch, disp, st := newHarness(t, pushUser("alice"), pushUser("bob"))
	ctx := context.Background()

	fetch.set("alice", snapOf(schedule.WorkOrderRecord{JobID: "W-1", ScheduledDate: "2026-09-03"}))
	fetch.set("bob", snapOf(schedule.WorkOrderRecord{JobID: "W-9", ScheduledDate: "2026-09-03"}))
	svc.Run(ctx, "")

	fetch.errs["alice"] = errors.New("portal 503")
	fetch.set("bob", snapOf(schedule.WorkOrderRecord{JobID: "W-9", ScheduledDate: "2026-09-07"}))

	report := svc.Run(ctx, "")
	if !report.Success {
		t.Fatalf("one user's failure must not fail the cycle: %+v", report)
	}
	byUser := map[string]dispatch.UserReport{}
	for _, ur := range report.PerUser {
		byUser[ur.UserID] = ur
	}
	if byUser["alice"].Error == "" {
		t.Fatalf("alice should carry the fetch error: %+v", byUser["alice"])
	}
	if !byUser["bob"].Delivered() || disp.sent() != 1 {
		t.Fatalf("bob should still be notified: %+v sends=%d", byUser["bob"], disp.sent())
	}

	// Alice's baseline stays at the last good snapshot.
	snap, ok, _ := st.Baseline(ctx, "alice")
	if !ok || snap.Jobs[0].ScheduledDate != "2026-09-03" {
		t.Fatalf("alice baseline must be untouched: %+v", snap.Jobs)
	}
}

func TestInvalidSnapshotKeepsBaseline(t *testing.T) {
	t.Parallel()
	svc, fetch, disp, st := newHarness(t, pushUser("alice"))
	ctx := context.Background()

	fetch.set("alice", snapOf(schedule.WorkOrderRecord{JobID: "W-1", ScheduledDate: "2026-09-03"}))
	svc.Run(ctx, "")

	// Nil job collection fails validation inside Diff.
	fetch.set("alice", schedule.Snapshot{CapturedAt: time.Now()})
	report := svc.Run(ctx, "")
	if report.PerUser[0].Error == "" {
		t.Fatalf("expected diff error: %+v", report.PerUser[0])
	}
	if disp.sent() != 0 {
		t.Fatalf("no sends expected, got %d", disp.sent())
	}
	snap, ok, _ := st.Baseline(ctx, "alice")
	if !ok || len(snap.Jobs) != 1 {
		t.Fatalf("baseline must survive a bad snapshot: %+v", snap.Jobs)
	}
}

func TestRunSingleUser(t *testing.T) {
	t.Parallel()
	svc, fetch, _, _ := newHarness(t, pushUser("alice"), pushUser("bob"))
	ctx := context.Background()

	fetch.set("alice", snapOf())
	fetch.set("bob", snapOf())

	report := svc.Run(ctx, "bob")
	if !report.Success || len(report.PerUser) != 1 || report.PerUser[0].UserID != "bob" {
		t.Fatalf("report: %+v", report)
	}

	report = svc.Run(ctx, "mallory")
	if report.Success || report.Error == "" {
		t.Fatalf("unknown user must fail the envelope: %+v", report)
	}
}

func TestDisabledUsersAreSkipped(t *testing.T) {
	t.Parallel()
	off := pushUser("carol")
	off.Enabled = false
	svc, fetch, _, _ := newHarness(t, pushUser("alice"), off)
	fetch.set("alice", snapOf())

	report := svc.Run(context.Background(), "")
	if len(report.PerUser) != 1 || report.PerUser[0].UserID != "alice" {
		t.Fatalf("per-user: %+v", report.PerUser)
	}
}
