// Package watch runs the scheduled detection cycle: fetch the current
// snapshot per user, diff it against the stored baseline, dispatch the
// resulting changes, then advance the baseline.
package watch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"orderwatch/internal/dispatch"
	"orderwatch/internal/eventbus"
	"orderwatch/internal/prefs"
	"orderwatch/internal/schedule"
	"orderwatch/internal/source"
	"orderwatch/internal/storage"
	"orderwatch/pkg/logx"
)

type Config struct {
	Enabled  bool
	Cron     string
	Timezone string
	// Concurrency bounds parallel user processing per cycle. Zero means 1.
	Concurrency int
}

// UserProvider returns the current set of resolved user preferences.
// It is a func so config reloads swap the set without restarting the service.
type UserProvider func() []prefs.UserPreference

type Service struct {
	cfg   Config
	fetch source.Fetcher
	store storage.Store
	coord *dispatch.Coordinator
	users UserProvider
	bus   eventbus.Bus
	log   logx.Logger

	parser cron.Parser

	mu sync.Mutex
	c  *cron.Cron

	// running guards against overlapping cycles when a cycle outlasts the
	// cron interval.
	running atomic.Bool
}

func New(cfg Config, fetch source.Fetcher, store storage.Store, coord *dispatch.Coordinator, users UserProvider, bus eventbus.Bus, log logx.Logger) *Service {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		fetch:  fetch,
		store:  store,
		coord:  coord,
		users:  users,
		bus:    bus,
		log:    log,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// CycleEvent is the payload for cycle.* bus topics.
type CycleEvent struct {
	StartedAt time.Time
	Elapsed   time.Duration
	Users     int
	Delivered int
	Errors    int
}

// Start registers the cron trigger and begins firing cycles. It is a no-op
// when the service is disabled.
func (s *Service) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.log.Info("watch service disabled")
		return nil
	}
	if s.store == nil {
		return errors.New("watch requires storage (baselines cannot advance without it)")
	}

	loc := time.Local
	if s.cfg.Timezone != "" {
		l, err := time.LoadLocation(s.cfg.Timezone)
		if err != nil {
			return fmt.Errorf("watch.timezone: %w", err)
		}
		loc = l
	}

	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	_, err := c.AddFunc(s.cfg.Cron, func() {
		if !s.running.CompareAndSwap(false, true) {
			s.log.Warn("detection cycle still running, skipping trigger")
			return
		}
		defer s.running.Store(false)
		s.Run(ctx, "")
	})
	if err != nil {
		return fmt.Errorf("watch.cron %q: %w", s.cfg.Cron, err)
	}

	s.mu.Lock()
	s.c = c
	s.mu.Unlock()
	c.Start()
	s.log.Info("watch service started",
		logx.String("cron", s.cfg.Cron),
		logx.String("timezone", loc.String()),
		logx.Int("concurrency", s.cfg.Concurrency),
	)
	return nil
}

// Stop halts the cron trigger and waits for a running cycle's jobs to return.
func (s *Service) Stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Run executes one detection cycle. An empty userID processes every
// configured user; otherwise only the named one. The envelope fails only
// when the cycle could not start at all.
func (s *Service) Run(ctx context.Context, userID string) dispatch.DeliveryReport {
	report := dispatch.DeliveryReport{StartedAt: time.Now()}

	users := s.selectUsers(userID)
	if userID != "" && len(users) == 0 {
		report.Error = fmt.Sprintf("unknown user %q", userID)
		report.Elapsed = time.Since(report.StartedAt)
		return report
	}
	if s.store == nil {
		report.Error = "storage is not configured"
		report.Elapsed = time.Since(report.StartedAt)
		return report
	}
	report.Success = true

	s.publish(eventbus.TopicCycleStarted, CycleEvent{StartedAt: report.StartedAt, Users: len(users)})

	// Per-user fan-out under a bounded semaphore. Users are fully isolated:
	// a fetch failure or a dispatch error for one leaves the rest untouched.
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		sem     = make(chan struct{}, s.cfg.Concurrency)
		perUser = make(map[string]dispatch.UserReport, len(users))
	)
	for _, u := range users {
		u := u
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()

			ur := s.processUser(ctx, u)
			mu.Lock()
			perUser[u.UserID] = ur
			mu.Unlock()
		}()
	}
	wg.Wait()

	delivered, errs := 0, 0
	for _, u := range users {
		ur, ok := perUser[u.UserID]
		if !ok {
			continue // cycle canceled before this user started
		}
		report.PerUser = append(report.PerUser, ur)
		if ur.Delivered() {
			delivered++
		}
		if ur.Error != "" {
			errs++
		}
	}

	report.Elapsed = time.Since(report.StartedAt)
	s.publish(eventbus.TopicCycleCompleted, CycleEvent{
		StartedAt: report.StartedAt,
		Elapsed:   report.Elapsed,
		Users:     len(users),
		Delivered: delivered,
		Errors:    errs,
	})
	s.log.Info("detection cycle completed",
		logx.Int("users", len(users)),
		logx.Int("delivered", delivered),
		logx.Int("errors", errs),
		logx.Duration("elapsed", report.Elapsed),
	)
	return report
}

func (s *Service) selectUsers(userID string) []prefs.UserPreference {
	all := s.users()
	if userID == "" {
		out := make([]prefs.UserPreference, 0, len(all))
		for _, u := range all {
			if u.Enabled {
				out = append(out, u)
			}
		}
		return out
	}
	for _, u := range all {
		if u.UserID == userID {
			return []prefs.UserPreference{u}
		}
	}
	return nil
}

// processUser runs fetch → diff → dispatch → advance baseline for one user.
func (s *Service) processUser(ctx context.Context, user prefs.UserPreference) dispatch.UserReport {
	log := s.log.With(logx.String("user", user.UserID))

	current, err := s.fetch.Fetch(ctx, user.UserID)
	if err != nil {
		log.Warn("snapshot fetch failed", logx.Err(err))
		return dispatch.UserReport{UserID: user.UserID, Error: err.Error()}
	}

	previous, ok, err := s.store.Baseline(ctx, user.UserID)
	if err != nil {
		log.Warn("baseline load failed", logx.Err(err))
		return dispatch.UserReport{UserID: user.UserID, Error: err.Error()}
	}
	if !ok {
		// First cycle: establish the baseline silently. Announcing the entire
		// schedule as "new" would be noise, not change detection.
		if err := s.store.PutBaseline(ctx, user.UserID, current); err != nil {
			log.Warn("baseline seed failed", logx.Err(err))
			return dispatch.UserReport{UserID: user.UserID, Error: err.Error()}
		}
		log.Info("baseline established", logx.Int("jobs", len(current.Jobs)))
		return dispatch.UserReport{UserID: user.UserID, NoRelevantChanges: true}
	}

	cs, err := schedule.Diff(previous, current)
	if err != nil {
		// Keep the old baseline; a malformed snapshot must not erase state.
		log.Warn("diff failed", logx.Err(err))
		return dispatch.UserReport{UserID: user.UserID, Error: err.Error()}
	}

	var ur dispatch.UserReport
	if cs.Empty() {
		ur = dispatch.UserReport{UserID: user.UserID, NoRelevantChanges: true}
	} else {
		ur = s.coord.Dispatch(ctx, user, cs)
	}

	// Advance the baseline after dispatch was attempted, even if a channel
	// failed. Holding the baseline back would re-announce the same changes
	// every cycle on the healthy channels.
	if err := s.store.PutBaseline(ctx, user.UserID, current); err != nil {
		log.Warn("baseline advance failed", logx.Err(err))
		if ur.Error == "" {
			ur.Error = err.Error()
		}
	}
	return ur
}

func (s *Service) publish(topic eventbus.Topic, data CycleEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Topic: topic, Data: data})
	}
}
