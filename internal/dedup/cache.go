// Package dedup suppresses re-sending a ChangeSet that was already delivered
// to a user within a per-channel cooldown window.
//
// The cache is in-memory and process-lifetime. That is enough because a
// restart re-establishes correctness by "current becomes previous" without
// re-sending. The one accepted gap: a crash between a successful dispatch and
// the next detection cycle can produce a single duplicate notification.
// Optional write-through persistence narrows that window but does not need
// to close it.
package dedup

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"orderwatch/internal/prefs"
	"orderwatch/internal/schedule"
)

// Fingerprint returns a stable hash of a ChangeSet's identity: the summary
// counts plus the sorted affected job ids. It deliberately ignores rendered
// payloads so a cosmetic re-render of the same changes still counts as a
// duplicate.
func Fingerprint(cs schedule.ChangeSet) string {
	h := fnv.New64a()
	s := cs.Summary
	_, _ = fmt.Fprintf(h, "%d|%d|%d|%d", s.Added, s.Removed, s.DateChanged, s.Swapped)
	for _, id := range cs.AffectedJobIDs() {
		_, _ = h.Write([]byte{'|'})
		_, _ = h.Write([]byte(id))
	}
	return fmt.Sprintf("%x", h.Sum64())
}

// Persistence is the optional write-through store for fingerprints.
// *storage.SQLite and *storage.File satisfy it.
type Persistence interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

type Config struct {
	// Windows holds per-channel cooldowns. Missing channels fall back to
	// DefaultWindow.
	Windows       map[prefs.Channel]time.Duration
	DefaultWindow time.Duration
	MaxEntries    int
}

// Cache is safe for concurrent use; two channels of the same user check and
// record fingerprints at overlapping times during a dispatch fan-out.
type Cache struct {
	mu      sync.Mutex
	cfg     Config
	sentAt  map[string]time.Time
	persist Persistence

	now func() time.Time
}

func New(cfg Config, persist Persistence) *Cache {
	if cfg.DefaultWindow <= 0 {
		cfg.DefaultWindow = 5 * time.Minute
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 2000
	}
	return &Cache{cfg: cfg, sentAt: map[string]time.Time{}, persist: persist, now: time.Now}
}

// WithClock replaces the time source. Tests only.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

func (c *Cache) window(ch prefs.Channel) time.Duration {
	if w, ok := c.cfg.Windows[ch]; ok && w > 0 {
		return w
	}
	return c.cfg.DefaultWindow
}

func key(userID string, ch prefs.Channel, fp string) string {
	return userID + "|" + string(ch) + "|" + fp
}

// ShouldSuppress reports whether an identical ChangeSet was already sent to
// this user+channel inside the cooldown window. Expired entries are evicted
// lazily here.
func (c *Cache) ShouldSuppress(ctx context.Context, userID string, ch prefs.Channel, cs schedule.ChangeSet) bool {
	k := key(userID, ch, Fingerprint(cs))
	now := c.now()
	win := c.window(ch)

	c.mu.Lock()
	sent, ok := c.sentAt[k]
	if ok && now.Sub(sent) > win {
		delete(c.sentAt, k)
		ok = false
	}
	c.mu.Unlock()
	if ok {
		return true
	}

	if c.persist != nil {
		if until, found, err := c.persist.GetDedup(ctx, k); err == nil && found && now.Before(until) {
			return true
		}
	}
	return false
}

// Record marks a ChangeSet as delivered. Call it only after a successful
// send; an undelivered change must stay eligible for the next cycle.
func (c *Cache) Record(ctx context.Context, userID string, ch prefs.Channel, cs schedule.ChangeSet) {
	k := key(userID, ch, Fingerprint(cs))
	now := c.now()

	c.mu.Lock()
	c.sentAt[k] = now
	if len(c.sentAt) > c.cfg.MaxEntries {
		c.pruneLocked(now)
	}
	c.mu.Unlock()

	if c.persist != nil {
		_ = c.persist.PutDedup(ctx, k, now.Add(c.window(ch)))
	}
}

// pruneLocked drops expired entries first, then the oldest entries until the
// cache is back under its cap.
func (c *Cache) pruneLocked(now time.Time) {
	for k, sent := range c.sentAt {
		// Use the largest configured window so no live entry is dropped early.
		if now.Sub(sent) > c.maxWindow() {
			delete(c.sentAt, k)
		}
	}
	for len(c.sentAt) > c.cfg.MaxEntries {
		var oldestK string
		var oldestT time.Time
		for k, t := range c.sentAt {
			if oldestK == "" || t.Before(oldestT) {
				oldestK, oldestT = k, t
			}
		}
		if oldestK == "" {
			return
		}
		delete(c.sentAt, oldestK)
	}
}

func (c *Cache) maxWindow() time.Duration {
	max := c.cfg.DefaultWindow
	for _, w := range c.cfg.Windows {
		if w > max {
			max = w
		}
	}
	return max
}

// Len reports the number of live entries. Used by status reporting.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sentAt)
}
