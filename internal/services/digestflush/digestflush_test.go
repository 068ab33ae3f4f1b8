package digestflush

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"orderwatch/internal/dispatch"
	"orderwatch/internal/prefs"
	"orderwatch/internal/schedule"
	"orderwatch/internal/storage"
	"orderwatch/pkg/logx"
)

type fakeEmail struct {
	fail  bool
	skip  bool
	sends []schedule.ChangeSet
}

func (d *fakeEmail) Channel() prefs.Channel { return prefs.ChannelEmail }

func (d *fakeEmail) Send(_ context.Context, _ prefs.UserPreference, cs schedule.ChangeSet) dispatch.DispatchResult {
	if d.skip {
		return dispatch.Skipped(prefs.ChannelEmail, dispatch.ReasonNotConfigured)
	}
	if d.fail {
		return dispatch.Failed(prefs.ChannelEmail, errors.New("smtp down"))
	}
	d.sends = append(d.sends, cs)
	return dispatch.Sent(prefs.ChannelEmail)
}

func digestUser(id string) prefs.UserPreference {
	return prefs.UserPreference{
		UserID:  id,
		Enabled: true,
		Email:   prefs.ChannelPreference{Enabled: true, Frequency: prefs.FrequencyDigest, Address: id + "@example.com"},
	}
}

func newHarness(t *testing.T, email *fakeEmail, users ...prefs.UserPreference) (*Service, storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "digest.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	svc := New(Config{}, st, []dispatch.Dispatcher{email},
		func() []prefs.UserPreference { return users }, nil, logx.Nop())
	return svc, st
}

func enqueue(t *testing.T, st storage.Store, userID string, entries ...schedule.ChangeEntry) {
	t.Helper()
	if err := st.EnqueueDigest(context.Background(), userID, prefs.ChannelEmail, entries); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func TestFlushBatchesAcrossCycles(t *testing.T) {
	t.Parallel()
	email := &fakeEmail{}
	svc, st := newHarness(t, email, digestUser("alice"))
	ctx := context.Background()

	enqueue(t, st, "alice",
		schedule.Added{Record: schedule.WorkOrderRecord{JobID: "W-1", StoreLabel: "Outlet #1", ScheduledDate: "2026-09-02"}},
	)
	enqueue(t, st, "alice",
		schedule.DateChanged{JobID: "W-2", OldDate: "2026-09-03", NewDate: "2026-09-06"},
	)

	if err := svc.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(email.sends) != 1 {
		t.Fatalf("sends = %d, want one batched message", len(email.sends))
	}
	if got := email.sends[0].Summary.Total(); got != 2 {
		t.Fatalf("batched entries = %d, want 2", got)
	}

	// Queue is empty afterwards; a second flush sends nothing.
	if err := svc.Flush(ctx); err != nil {
		t.Fatalf("second flush: %v", err)
	}
	if len(email.sends) != 1 {
		t.Fatalf("second flush re-sent: %d", len(email.sends))
	}
}

func TestFailedFlushReEnqueues(t *testing.T) {
	t.Parallel()
	email := &fakeEmail{fail: true}
	svc, st := newHarness(t, email, digestUser("alice"))
	ctx := context.Background()

	enqueue(t, st, "alice",
		schedule.Removed{Record: schedule.WorkOrderRecord{JobID: "W-5", StoreLabel: "Outlet #5", ScheduledDate: "2026-09-09"}},
	)

	if err := svc.Flush(ctx); err == nil {
		t.Fatal("expected flush error")
	}

	// Entries survived the failure and deliver once the channel recovers.
	email.fail = false
	if err := svc.Flush(ctx); err != nil {
		t.Fatalf("retry flush: %v", err)
	}
	if len(email.sends) != 1 || email.sends[0].Summary.Removed != 1 {
		t.Fatalf("sends after recovery: %+v", email.sends)
	}
}

func TestFlushDropsSkippedBatch(t *testing.T) {
	t.Parallel()
	email := &fakeEmail{skip: true}
	svc, st := newHarness(t, email, digestUser("alice"))
	ctx := context.Background()

	enqueue(t, st, "alice",
		schedule.Added{Record: schedule.WorkOrderRecord{JobID: "W-7", ScheduledDate: "2026-09-04"}},
	)

	// A skip is not a failure; the batch must not be re-enqueued or it
	// would flush forever against an unconfigured channel.
	if err := svc.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	keys, _ := st.PendingDigests(ctx)
	if len(keys) != 0 {
		t.Fatalf("skipped bucket should be dropped: %v", keys)
	}
}

func TestFlushDropsUnknownUser(t *testing.T) {
	t.Parallel()
	email := &fakeEmail{}
	svc, st := newHarness(t, email, digestUser("alice"))
	ctx := context.Background()

	enqueue(t, st, "ghost",
		schedule.Added{Record: schedule.WorkOrderRecord{JobID: "W-1", ScheduledDate: "2026-09-02"}},
	)

	if err := svc.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(email.sends) != 0 {
		t.Fatalf("nothing should be sent for a removed user: %d", len(email.sends))
	}
	keys, _ := st.PendingDigests(ctx)
	if len(keys) != 0 {
		t.Fatalf("ghost bucket should be drained: %v", keys)
	}
}
