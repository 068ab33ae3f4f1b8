package storage

import (
	"context"
	"errors"
	"time"

	"orderwatch/internal/prefs"
	"orderwatch/internal/schedule"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (JSON snapshots + jsonl journals)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled. The watch service
// refuses to run without storage because it cannot advance baselines.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// DigestKey identifies one pending digest bucket.
type DigestKey struct {
	UserID  string
	Channel prefs.Channel
}

// Store is the persistence API used by the watch and dispatch services:
// per-user snapshot baselines, the pending digest queue, and optional
// dedup fingerprint persistence.
type Store interface {
	// Baseline returns the stored "previous" snapshot for a user.
	// ok is false when the user has no baseline yet (first cycle).
	Baseline(ctx context.Context, userID string) (snap schedule.Snapshot, ok bool, err error)
	// PutBaseline replaces the user's baseline. Call it only after a
	// successful diff whose dispatch has been attempted; advancing earlier
	// loses unsent changes on crash.
	PutBaseline(ctx context.Context, userID string, snap schedule.Snapshot) error

	EnqueueDigest(ctx context.Context, userID string, ch prefs.Channel, entries []schedule.ChangeEntry) error
	// DrainDigest atomically removes and returns all pending entries for a
	// user+channel, oldest first.
	DrainDigest(ctx context.Context, userID string, ch prefs.Channel) ([]schedule.ChangeEntry, error)
	// PendingDigests lists buckets that currently have queued entries.
	PendingDigests(ctx context.Context) ([]DigestKey, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}
