// Package digestflush delivers the pending digest queue on a schedule.
// Entries accumulate via the frequency router during detection cycles and go
// out in one batched message per user+channel.
package digestflush

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"orderwatch/internal/dispatch"
	"orderwatch/internal/eventbus"
	"orderwatch/internal/prefs"
	"orderwatch/internal/schedule"
	"orderwatch/internal/storage"
	"orderwatch/pkg/logx"
)

const defaultCron = "0 18 * * *"

type Config struct {
	Cron     string
	Timezone string
}

type UserProvider func() []prefs.UserPreference

type Service struct {
	cfg         Config
	store       storage.Store
	dispatchers map[prefs.Channel]dispatch.Dispatcher
	users       UserProvider
	bus         eventbus.Bus
	log         logx.Logger

	mu sync.Mutex
	c  *cron.Cron
}

func New(cfg Config, store storage.Store, dispatchers []dispatch.Dispatcher, users UserProvider, bus eventbus.Bus, log logx.Logger) *Service {
	if cfg.Cron == "" {
		cfg.Cron = defaultCron
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	m := make(map[prefs.Channel]dispatch.Dispatcher, len(dispatchers))
	for _, d := range dispatchers {
		m[d.Channel()] = d
	}
	return &Service{cfg: cfg, store: store, dispatchers: m, users: users, bus: bus, log: log}
}

func (s *Service) Start(ctx context.Context) error {
	if s.store == nil {
		// No digest queue without storage; the router refuses digest
		// enqueues in that case too, so there is nothing to flush.
		s.log.Info("digest flush disabled (no storage)")
		return nil
	}

	loc := time.Local
	if s.cfg.Timezone != "" {
		l, err := time.LoadLocation(s.cfg.Timezone)
		if err != nil {
			return fmt.Errorf("digest timezone: %w", err)
		}
		loc = l
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithLocation(loc))
	_, err := c.AddFunc(s.cfg.Cron, func() {
		if err := s.Flush(ctx); err != nil {
			s.log.Warn("digest flush failed", logx.Err(err))
		}
	})
	if err != nil {
		return fmt.Errorf("digest.cron %q: %w", s.cfg.Cron, err)
	}

	s.mu.Lock()
	s.c = c
	s.mu.Unlock()
	c.Start()
	s.log.Info("digest flush scheduled", logx.String("cron", s.cfg.Cron), logx.String("timezone", loc.String()))
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Flush drains every pending digest bucket and sends each through its
// channel dispatcher. A failed send re-enqueues the drained entries so they
// survive until the next flush.
func (s *Service) Flush(ctx context.Context) error {
	if s.store == nil {
		return errors.New("storage is not configured")
	}

	keys, err := s.store.PendingDigests(ctx)
	if err != nil {
		return fmt.Errorf("list pending digests: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}

	byID := make(map[string]prefs.UserPreference)
	for _, u := range s.users() {
		byID[u.UserID] = u
	}

	var firstErr error
	for _, k := range keys {
		if err := s.flushBucket(ctx, k, byID); err != nil {
			s.log.Warn("digest bucket flush failed",
				logx.String("user", k.UserID),
				logx.String("channel", string(k.Channel)),
				logx.Err(err),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *Service) flushBucket(ctx context.Context, k storage.DigestKey, byID map[string]prefs.UserPreference) error {
	d, ok := s.dispatchers[k.Channel]
	if !ok {
		return fmt.Errorf("no dispatcher for channel %s", k.Channel)
	}
	user, ok := byID[k.UserID]
	if !ok {
		// The user was removed from config after entries were queued.
		// Drain and drop; there is nowhere to deliver them.
		_, err := s.store.DrainDigest(ctx, k.UserID, k.Channel)
		s.log.Warn("dropping digest for unknown user", logx.String("user", k.UserID))
		return err
	}

	entries, err := s.store.DrainDigest(ctx, k.UserID, k.Channel)
	if err != nil {
		return fmt.Errorf("drain: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	cs := schedule.NewChangeSet(entries)
	res := d.Send(ctx, user, cs)
	if res.Skipped {
		// The channel is no longer configured for this user; re-enqueueing
		// would loop forever, so the batch is dropped.
		s.log.Warn("dropping digest batch",
			logx.String("user", k.UserID),
			logx.String("channel", string(k.Channel)),
			logx.String("reason", res.Reason),
		)
		return nil
	}
	if !res.Success {
		// Put the batch back; losing queued changes is worse than a
		// duplicate batch on the next flush.
		if reErr := s.store.EnqueueDigest(ctx, k.UserID, k.Channel, entries); reErr != nil {
			return fmt.Errorf("send failed (%s) and re-enqueue failed: %w", res.Error, reErr)
		}
		return fmt.Errorf("send failed: %s", res.Error)
	}

	s.log.Info("digest flushed",
		logx.String("user", k.UserID),
		logx.String("channel", string(k.Channel)),
		logx.Int("entries", len(entries)),
	)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Topic: eventbus.TopicDigestFlushed, Data: dispatch.DigestEvent{
			UserID: k.UserID, Channel: k.Channel, Entries: len(entries),
		}})
	}
	return nil
}
