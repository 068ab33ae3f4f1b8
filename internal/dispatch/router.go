package dispatch

import (
	"context"
	"fmt"

	"orderwatch/internal/eventbus"
	"orderwatch/internal/prefs"
	"orderwatch/internal/schedule"
	"orderwatch/pkg/logx"
)

// Route is the outcome of frequency routing for one user+channel.
type Route int

const (
	// RouteImmediate: hand the ChangeSet to the dispatcher now.
	RouteImmediate Route = iota
	// RouteEnqueued: the entries were appended to the pending digest; a
	// scheduled flush delivers them later through the same dispatcher.
	RouteEnqueued
)

// DigestQueue is the pending per-user digest store.
// *storage.SQLite and *storage.File satisfy it.
type DigestQueue interface {
	EnqueueDigest(ctx context.Context, userID string, ch prefs.Channel, entries []schedule.ChangeEntry) error
}

// FrequencyRouter decides, per user and channel, whether a ChangeSet goes
// out immediately or joins the pending digest. Channels without a digest
// path (push, telegram) always route immediate regardless of configuration.
type FrequencyRouter struct {
	queue DigestQueue
	bus   eventbus.Bus
	log   logx.Logger
}

func NewFrequencyRouter(queue DigestQueue, bus eventbus.Bus, log logx.Logger) *FrequencyRouter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &FrequencyRouter{queue: queue, bus: bus, log: log}
}

func (r *FrequencyRouter) Route(ctx context.Context, user prefs.UserPreference, ch prefs.Channel, cs schedule.ChangeSet) (Route, error) {
	cp := user.ChannelPref(ch)
	if cp.Frequency != prefs.FrequencyDigest || !ch.SupportsDigest() {
		return RouteImmediate, nil
	}
	if r.queue == nil {
		return RouteImmediate, fmt.Errorf("digest requested for %s/%s but no digest store is configured", user.UserID, ch)
	}
	if err := r.queue.EnqueueDigest(ctx, user.UserID, ch, cs.Entries); err != nil {
		return RouteImmediate, fmt.Errorf("enqueue digest: %w", err)
	}
	r.log.Debug("digest enqueued",
		logx.String("user", user.UserID),
		logx.String("channel", string(ch)),
		logx.Int("entries", len(cs.Entries)),
	)
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Topic: eventbus.TopicDigestEnqueued, Data: DigestEvent{
			UserID: user.UserID, Channel: ch, Entries: len(cs.Entries),
		}})
	}
	return RouteEnqueued, nil
}

// DigestEvent is the payload for digest.* bus topics.
type DigestEvent struct {
	UserID  string
	Channel prefs.Channel
	Entries int
}
