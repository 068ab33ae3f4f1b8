package dispatch

import (
	"context"
	"sync"
	"time"

	"orderwatch/internal/dedup"
	"orderwatch/internal/eventbus"
	"orderwatch/internal/prefs"
	"orderwatch/internal/schedule"
	"orderwatch/pkg/logx"
)

const defaultChannelTimeout = 30 * time.Second

// Coordinator orchestrates delivery for a single user:
// filter → dedup check → frequency routing → concurrent channel dispatch →
// record dedup on success → aggregate.
//
// Channels are independent: one channel's failure never blocks or rolls back
// another, and nothing here fails a whole cycle.
type Coordinator struct {
	dispatchers map[prefs.Channel]Dispatcher
	cache       *dedup.Cache
	router      *FrequencyRouter
	bus         eventbus.Bus
	log         logx.Logger

	channelTimeout time.Duration
}

func NewCoordinator(dispatchers []Dispatcher, cache *dedup.Cache, router *FrequencyRouter, bus eventbus.Bus, log logx.Logger, channelTimeout time.Duration) *Coordinator {
	if channelTimeout <= 0 {
		channelTimeout = defaultChannelTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	m := make(map[prefs.Channel]Dispatcher, len(dispatchers))
	for _, d := range dispatchers {
		m[d.Channel()] = d
	}
	return &Coordinator{
		dispatchers:    m,
		cache:          cache,
		router:         router,
		bus:            bus,
		log:            log,
		channelTimeout: channelTimeout,
	}
}

// DispatchEvent is the payload for dispatch.* bus topics.
type DispatchEvent struct {
	UserID  string
	Channel prefs.Channel
	Reason  string
	Error   string
}

// Dispatch delivers a ChangeSet to every channel the user has enabled.
func (c *Coordinator) Dispatch(ctx context.Context, user prefs.UserPreference, cs schedule.ChangeSet) UserReport {
	report := UserReport{UserID: user.UserID}

	filtered := prefs.Filter(cs, user)
	if filtered.Empty() {
		report.NoRelevantChanges = true
		return report
	}

	channels := user.EnabledChannels()
	if len(channels) == 0 {
		report.NoRelevantChanges = true
		return report
	}

	// Fan-out/fan-in: channels are independent I/O-bound sends with no
	// shared state beyond the dedup cache (which is concurrency-safe).
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make([]DispatchResult, 0, len(channels))
	)
	for _, ch := range channels {
		ch := ch
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := c.dispatchChannel(ctx, user, ch, filtered)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}()
	}
	wg.Wait()

	// Stable channel order in the report regardless of completion order.
	for _, ch := range channels {
		for _, r := range results {
			if r.Channel == ch {
				report.PerChannel = append(report.PerChannel, r)
				break
			}
		}
	}
	return report
}

func (c *Coordinator) dispatchChannel(ctx context.Context, user prefs.UserPreference, ch prefs.Channel, cs schedule.ChangeSet) DispatchResult {
	log := c.log.With(logx.String("user", user.UserID), logx.String("channel", string(ch)))

	d, ok := c.dispatchers[ch]
	if !ok {
		return Skipped(ch, ReasonNotConfigured)
	}

	if c.cache != nil && c.cache.ShouldSuppress(ctx, user.UserID, ch, cs) {
		log.Debug("suppressed duplicate change set")
		c.publish(eventbus.TopicDispatchDedup, DispatchEvent{UserID: user.UserID, Channel: ch, Reason: ReasonDuplicate})
		return Skipped(ch, ReasonDuplicate)
	}

	if c.router != nil {
		route, err := c.router.Route(ctx, user, ch, cs)
		if err != nil {
			log.Warn("frequency routing failed, sending immediately", logx.Err(err))
		} else if route == RouteEnqueued {
			return Skipped(ch, ReasonDigestEnqueued)
		}
	}

	res := c.sendBounded(ctx, d, user, cs)
	if res.Success && !res.Skipped {
		if c.cache != nil {
			c.cache.Record(ctx, user.UserID, ch, cs)
		}
		log.Info("change set delivered", logx.Int("entries", len(cs.Entries)), logx.Int("parts", len(res.Parts)))
		c.publish(eventbus.TopicDispatchSent, DispatchEvent{UserID: user.UserID, Channel: ch})
	} else if !res.Success && !res.Skipped {
		log.Warn("delivery failed", logx.String("reason", res.Reason), logx.String("err", res.Error))
		c.publish(eventbus.TopicDispatchFailed, DispatchEvent{UserID: user.UserID, Channel: ch, Reason: res.Reason, Error: res.Error})
	}
	return res
}

// sendBounded runs a dispatcher under the channel timeout. A dispatcher that
// overruns the deadline is abandoned and reported as a timeout failure so a
// stuck SMTP handshake can't hang the whole user cycle.
func (c *Coordinator) sendBounded(ctx context.Context, d Dispatcher, user prefs.UserPreference, cs schedule.ChangeSet) DispatchResult {
	cctx, cancel := context.WithTimeout(ctx, c.channelTimeout)
	defer cancel()

	done := make(chan DispatchResult, 1)
	go func() {
		done <- d.Send(cctx, user, cs)
	}()

	select {
	case res := <-done:
		return res
	case <-cctx.Done():
		return DispatchResult{
			Channel: d.Channel(),
			Success: false,
			Reason:  ReasonTimeout,
			Error:   cctx.Err().Error(),
		}
	}
}

func (c *Coordinator) publish(topic eventbus.Topic, data DispatchEvent) {
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Topic: topic, Data: data})
	}
}
