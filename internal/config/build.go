package config

import (
	"fmt"
	"strings"
	"time"

	"orderwatch/internal/dedup"
	"orderwatch/internal/prefs"
	"orderwatch/internal/schedule"
	"orderwatch/internal/storage"
)

// Validate checks cross-field constraints the JSON decoder cannot express.
// It is also installed as the ConfigManager validator so a broken edit is
// rejected at reload time instead of poisoning running services.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Watch.Enabled && strings.TrimSpace(cfg.Watch.Cron) == "" {
		return fmt.Errorf("watch.cron is required when watch.enabled")
	}
	if cfg.Watch.Enabled && strings.TrimSpace(cfg.Watch.Source.URL) == "" {
		return fmt.Errorf("watch.source.url is required when watch.enabled")
	}
	if _, err := ParseDurationField("watch.channel_timeout", cfg.Watch.ChannelTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("watch.source.timeout", cfg.Watch.Source.Timeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("dedup.default_window", cfg.Dedup.DefaultWindow); err != nil {
		return err
	}
	for ch, raw := range cfg.Dedup.Windows {
		if err := validChannel(ch); err != nil {
			return fmt.Errorf("dedup.windows: %w", err)
		}
		if _, err := ParseDurationField("dedup.windows."+ch, raw); err != nil {
			return err
		}
	}
	if cfg.Storage != nil {
		if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			return err
		}
	}
	if cfg.Email != nil && strings.TrimSpace(cfg.Email.Host) != "" && strings.TrimSpace(cfg.Email.From) == "" {
		return fmt.Errorf("email.from is required when email.host is set")
	}
	if cfg.Push != nil {
		if _, err := ParseDurationField("push.batch_delay", cfg.Push.BatchDelay); err != nil {
			return err
		}
	}
	if cfg.Telegram != nil {
		if _, err := ParseDurationField("telegram.batch_delay", cfg.Telegram.BatchDelay); err != nil {
			return err
		}
	}

	seen := map[string]struct{}{}
	for i, u := range cfg.Users {
		id := strings.TrimSpace(u.ID)
		if id == "" {
			return fmt.Errorf("users[%d]: id is required", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("users[%d]: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}

		if _, err := parseSeverity(u.MinSeverity); err != nil {
			return fmt.Errorf("users[%d] (%s): %w", i, id, err)
		}
		for _, cat := range u.MutedCategories {
			if _, err := parseKind(cat); err != nil {
				return fmt.Errorf("users[%d] (%s): %w", i, id, err)
			}
		}
		for _, cc := range []struct {
			name string
			c    ChannelConfig
		}{{"email", u.Email}, {"push", u.Push}, {"telegram", u.Telegram}} {
			if _, err := parseFrequency(cc.c.Frequency); err != nil {
				return fmt.Errorf("users[%d] (%s) %s: %w", i, id, cc.name, err)
			}
		}
		if u.Push.Frequency == string(prefs.FrequencyDigest) || u.Telegram.Frequency == string(prefs.FrequencyDigest) {
			return fmt.Errorf("users[%d] (%s): digest frequency is only supported for email", i, id)
		}
		for ch, raw := range u.DedupCooldown {
			if err := validChannel(ch); err != nil {
				return fmt.Errorf("users[%d] (%s) dedup_cooldown: %w", i, id, err)
			}
			if _, err := ParseDurationField("dedup_cooldown."+ch, raw); err != nil {
				return fmt.Errorf("users[%d] (%s): %w", i, id, err)
			}
		}
	}
	return nil
}

// BuildUsers materializes the on-disk user blocks into resolved preferences.
// Validate must have accepted cfg first.
func BuildUsers(cfg *Config) []prefs.UserPreference {
	out := make([]prefs.UserPreference, 0, len(cfg.Users))
	for _, u := range cfg.Users {
		sev, _ := parseSeverity(u.MinSeverity)
		p := prefs.UserPreference{
			UserID:      strings.TrimSpace(u.ID),
			Enabled:     u.Enabled,
			Stores:      u.Stores,
			Locations:   u.Locations,
			MinSeverity: sev,
			Email:       buildChannel(u.Email),
			Push:        buildChannel(u.Push),
			Telegram:    buildChannel(u.Telegram),
		}
		for _, cat := range u.MutedCategories {
			k, _ := parseKind(cat)
			p.MutedCategories = append(p.MutedCategories, k)
		}
		if len(u.DedupCooldown) > 0 {
			p.DedupCooldown = make(map[prefs.Channel]time.Duration, len(u.DedupCooldown))
			for ch, raw := range u.DedupCooldown {
				d, _ := ParseDurationField("", raw)
				p.DedupCooldown[prefs.Channel(strings.ToLower(ch))] = d
			}
		}
		out = append(out, p)
	}
	return out
}

func buildChannel(c ChannelConfig) prefs.ChannelPreference {
	f, _ := parseFrequency(c.Frequency)
	return prefs.ChannelPreference{
		Enabled:   c.Enabled,
		Frequency: f,
		Address:   strings.TrimSpace(c.Address),
	}
}

// BuildDedup materializes the dedup cache config. Channels without an
// explicit window get the per-channel defaults: push 5m, email 1h.
func BuildDedup(cfg *Config) dedup.Config {
	out := dedup.Config{
		Windows: map[prefs.Channel]time.Duration{
			prefs.ChannelPush:  5 * time.Minute,
			prefs.ChannelEmail: time.Hour,
		},
		MaxEntries: cfg.Dedup.MaxEntries,
	}
	out.DefaultWindow, _ = ParseDurationOrDefault("", cfg.Dedup.DefaultWindow, 5*time.Minute)
	for ch, raw := range cfg.Dedup.Windows {
		d, _ := ParseDurationField("", raw)
		if d > 0 {
			out.Windows[prefs.Channel(strings.ToLower(ch))] = d
		}
	}
	return out
}

// BuildStorage materializes the storage config. A nil section disables
// persistence.
func BuildStorage(cfg *Config) storage.Config {
	if cfg.Storage == nil {
		return storage.Config{}
	}
	busy, _ := ParseDurationField("", cfg.Storage.BusyTimeout)
	return storage.Config{
		Driver:      strings.TrimSpace(cfg.Storage.Driver),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: busy,
	}
}

func validChannel(ch string) error {
	switch prefs.Channel(strings.ToLower(strings.TrimSpace(ch))) {
	case prefs.ChannelEmail, prefs.ChannelPush, prefs.ChannelTelegram:
		return nil
	}
	return fmt.Errorf("unknown channel %q", ch)
}

func parseFrequency(s string) (prefs.Frequency, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "immediate":
		return prefs.FrequencyImmediate, nil
	case "digest":
		return prefs.FrequencyDigest, nil
	}
	return "", fmt.Errorf("unknown frequency %q", s)
}

func parseSeverity(s string) (schedule.Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return schedule.SeverityInfo, nil
	case "warn", "warning":
		return schedule.SeverityWarn, nil
	case "critical":
		return schedule.SeverityCritical, nil
	}
	return 0, fmt.Errorf("unknown min_severity %q", s)
}

func parseKind(s string) (schedule.ChangeKind, error) {
	switch schedule.ChangeKind(strings.ToLower(strings.TrimSpace(s))) {
	case schedule.KindAdded:
		return schedule.KindAdded, nil
	case schedule.KindRemoved:
		return schedule.KindRemoved, nil
	case schedule.KindDateChanged:
		return schedule.KindDateChanged, nil
	case schedule.KindSwapped:
		return schedule.KindSwapped, nil
	}
	return "", fmt.Errorf("unknown change category %q", s)
}
