// Package app wires configuration, storage, channels and services into the
// running daemon.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"orderwatch/internal/channel/email"
	"orderwatch/internal/channel/push"
	"orderwatch/internal/channel/telegram"
	"orderwatch/internal/config"
	"orderwatch/internal/dedup"
	"orderwatch/internal/dispatch"
	"orderwatch/internal/eventbus"
	"orderwatch/internal/observability/pprof"
	"orderwatch/internal/prefs"
	"orderwatch/internal/services/digestflush"
	"orderwatch/internal/services/watch"
	"orderwatch/internal/source"
	"orderwatch/internal/storage"
	"orderwatch/pkg/logx"
)

// Options are CLI-level knobs that are not part of the config file.
type Options struct {
	ConfigPath string

	// EmailOverrideRecipient redirects every email to one address
	// (the `once --to` flag).
	EmailOverrideRecipient string
}

type App struct {
	opts Options

	cfgm *config.ConfigManager
	logs *logx.Service
	log  logx.Logger

	bus      eventbus.Bus
	store    storage.Store
	resolver *prefs.Resolver

	watch *watch.Service
	flush *digestflush.Service
	prof  *pprof.Service

	users atomic.Value // []prefs.UserPreference

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) (*App, error) {
	a := &App{opts: opts}

	a.cfgm = config.NewConfigManager(opts.ConfigPath)
	cfg, err := a.cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	a.logs, a.log = logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a.log = a.log.With(logx.String("comp", "app"))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	a.bus = eventbus.New()

	st, err := storage.Open(config.BuildStorage(cfg), a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.store = st
	if st != nil {
		a.log.Info("storage enabled", logx.String("driver", cfg.Storage.Driver))
	}

	users := config.BuildUsers(cfg)
	a.users.Store(users)
	a.resolver = prefs.NewResolver(users)

	var persist dedup.Persistence
	if cfg.Dedup.Persist && st != nil {
		persist = st
	}
	cache := dedup.New(config.BuildDedup(cfg), persist)

	dispatchers, err := a.buildDispatchers(cfg)
	if err != nil {
		return nil, err
	}

	var queue dispatch.DigestQueue
	if st != nil {
		queue = st
	}
	router := dispatch.NewFrequencyRouter(queue, a.bus, a.log.With(logx.String("comp", "router")))

	channelTimeout, err := config.ParseDurationOrDefault("watch.channel_timeout", cfg.Watch.ChannelTimeout, 30*time.Second)
	if err != nil {
		return nil, err
	}
	coord := dispatch.NewCoordinator(dispatchers, cache, router, a.bus,
		a.log.With(logx.String("comp", "dispatch")), channelTimeout)

	srcTimeout, err := config.ParseDurationOrDefault("watch.source.timeout", cfg.Watch.Source.Timeout, 20*time.Second)
	if err != nil {
		return nil, err
	}
	fetcher := source.NewHTTP(source.Config{
		URL:     cfg.Watch.Source.URL,
		Token:   cfg.Watch.Source.Token,
		Timeout: srcTimeout,
	}, a.log.With(logx.String("comp", "source")))

	a.watch = watch.New(watch.Config{
		Enabled:     cfg.Watch.Enabled,
		Cron:        cfg.Watch.Cron,
		Timezone:    cfg.Watch.Timezone,
		Concurrency: cfg.Watch.Concurrency,
	}, fetcher, a.store, coord, a.currentUsers, a.bus, a.log.With(logx.String("comp", "watch")))

	a.flush = digestflush.New(digestflush.Config{
		Cron:     cfg.Digest.Cron,
		Timezone: cfg.Watch.Timezone,
	}, a.store, dispatchers, a.currentUsers, a.bus, a.log.With(logx.String("comp", "digest")))

	a.prof = pprof.New(mapPprofConfig(cfg), a.log.With(logx.String("comp", "pprof")))

	return a, nil
}

func (a *App) currentUsers() []prefs.UserPreference {
	v, _ := a.users.Load().([]prefs.UserPreference)
	return v
}

// buildDispatchers creates one dispatcher per configured channel section.
// A user can still enable a channel that has no section; dispatch reports it
// as not_configured instead of failing.
func (a *App) buildDispatchers(cfg *config.Config) ([]dispatch.Dispatcher, error) {
	var out []dispatch.Dispatcher

	if cfg.Email != nil && strings.TrimSpace(cfg.Email.Host) != "" {
		out = append(out, email.New(email.Config{
			Host:              cfg.Email.Host,
			Port:              cfg.Email.Port,
			Username:          cfg.Email.Username,
			Password:          cfg.Email.Password,
			From:              cfg.Email.From,
			OverrideRecipient: a.opts.EmailOverrideRecipient,
		}, a.resolver, a.log.With(logx.String("comp", "email"))))
	}

	if cfg.Push != nil && strings.TrimSpace(cfg.Push.AppToken) != "" {
		delay, err := config.ParseDurationField("push.batch_delay", cfg.Push.BatchDelay)
		if err != nil {
			return nil, err
		}
		out = append(out, push.New(push.Config{
			APIURL:     cfg.Push.APIURL,
			AppToken:   cfg.Push.AppToken,
			Title:      cfg.Push.Title,
			Priority:   cfg.Push.Priority,
			Sound:      cfg.Push.Sound,
			BatchDelay: delay,
		}, a.resolver, a.log.With(logx.String("comp", "push"))))
	}

	if cfg.Telegram != nil && strings.TrimSpace(cfg.Telegram.Token) != "" {
		delay, err := config.ParseDurationField("telegram.batch_delay", cfg.Telegram.BatchDelay)
		if err != nil {
			return nil, err
		}
		tg, err := telegram.New(telegram.Config{
			Token:      cfg.Telegram.Token,
			BatchDelay: delay,
		}, a.resolver, a.log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		out = append(out, tg)
	}

	return out, nil
}

// Start launches the scheduled services, the pprof server and the config
// hot-reload loop. It returns immediately; the daemon lives until ctx ends.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})

	if err := a.watch.Start(ctx); err != nil {
		return err
	}
	if err := a.flush.Start(ctx); err != nil {
		return err
	}
	a.prof.Start(ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.cfgm.Watch(ctx)
	}()

	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(ctx, sub)
	}()

	// Event observability: everything the pipeline publishes shows up at
	// debug level without each service needing its own logging hooks.
	events, unsub := a.bus.Subscribe(128)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("topic", string(e.Topic)), logx.Any("data", e.Data))
			}
		}
	}()

	a.log.Info("orderwatch started")
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: only the newest config matters.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config change summary", fields...)
			lastApplied = newCfg

			for _, s := range sections {
				switch s {
				case "logging":
					a.logs.Apply(logx.Config{
						Level:   newCfg.Logging.Level,
						Console: newCfg.Logging.Console,
						File: logx.FileConfig{
							Enabled: newCfg.Logging.File.Enabled,
							Path:    newCfg.Logging.File.Path,
						},
					})
				case "users":
					a.users.Store(config.BuildUsers(newCfg))
					a.log.Info("user preferences reloaded", logx.Int("users", len(newCfg.Users)))
				case "pprof":
					a.prof.Reconfigure(ctx, mapPprofConfig(newCfg))
				case "watch", "digest", "storage", "email", "push", "telegram", "dedup":
					a.log.Warn("section changed; restart required for changes to take effect",
						logx.String("section", s))
				}
			}
		}
	}
}

// RunOnce executes a single detection cycle outside the cron schedule.
// An empty userID runs all enabled users.
func (a *App) RunOnce(ctx context.Context, userID string) dispatch.DeliveryReport {
	return a.watch.Run(ctx, userID)
}

// FlushDigests drains the pending digest queue immediately.
func (a *App) FlushDigests(ctx context.Context) error {
	return a.flush.Flush(ctx)
}

func (a *App) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	a.watch.Stop()
	a.flush.Stop()
	a.prof.Stop(ctx)
	a.wg.Wait()

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
	a.log.Info("orderwatch stopped")
	_ = a.logs.Close()
	return nil
}

func mapPprofConfig(cfg *config.Config) pprof.Config {
	read, _ := config.ParseDurationField("pprof.read_timeout", cfg.Pprof.ReadTimeout)
	write, _ := config.ParseDurationField("pprof.write_timeout", cfg.Pprof.WriteTimeout)
	idle, _ := config.ParseDurationField("pprof.idle_timeout", cfg.Pprof.IdleTimeout)
	return pprof.Config{
		Enabled:       cfg.Pprof.Enabled,
		Addr:          cfg.Pprof.Addr,
		Prefix:        cfg.Pprof.Prefix,
		Token:         cfg.Pprof.Token,
		AllowInsecure: cfg.Pprof.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}
}
