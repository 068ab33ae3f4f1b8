package config

// Config is the on-disk configuration. Files may be JSON or YAML; YAML is
// converted to JSON before strict decoding, so unknown keys are rejected in
// both formats.
//
// All duration-typed settings are Go duration strings (e.g. "500ms", "30s").
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Watch   WatchConfig   `json:"watch"`
	Digest  DigestConfig  `json:"digest,omitempty"`
	Dedup   DedupConfig   `json:"dedup,omitempty"`

	Storage *StorageConfig `json:"storage,omitempty"`

	Email    *EmailConfig    `json:"email,omitempty"`
	Push     *PushConfig     `json:"push,omitempty"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`

	Pprof PprofConfig `json:"pprof,omitempty"`

	Users []UserConfig `json:"users"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// WatchConfig controls the detection cycle trigger.
type WatchConfig struct {
	Enabled bool `json:"enabled"`

	// Cron is a 5-field cron expression (e.g. "*/30 * * * *").
	Cron     string `json:"cron"`
	Timezone string `json:"timezone,omitempty"`

	// Concurrency bounds how many users are processed in parallel per cycle.
	// Zero means 1.
	Concurrency int `json:"concurrency,omitempty"`

	// ChannelTimeout caps a single channel send. Default "30s".
	ChannelTimeout string `json:"channel_timeout,omitempty"`

	Source SourceConfig `json:"source"`
}

// SourceConfig points at the schedule endpoint snapshots are fetched from.
type SourceConfig struct {
	URL     string `json:"url"`
	Token   string `json:"token,omitempty"`
	Timeout string `json:"timeout,omitempty"` // default "20s"
}

// DigestConfig controls when queued digest entries are flushed.
type DigestConfig struct {
	// Cron defaults to "0 18 * * *" (daily at 18:00 in watch.timezone).
	Cron string `json:"cron,omitempty"`
}

// DedupConfig controls suppression of repeated identical notifications.
type DedupConfig struct {
	// DefaultWindow applies to channels without an explicit entry in Windows.
	// Default "5m".
	DefaultWindow string `json:"default_window,omitempty"`

	// Windows overrides the window per channel, e.g. {"email": "1h"}.
	Windows map[string]string `json:"windows,omitempty"`

	MaxEntries int `json:"max_entries,omitempty"` // default 2000

	// Persist writes fingerprints through to storage so a restart does not
	// re-notify.
	Persist bool `json:"persist,omitempty"`
}

type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type EmailConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"` // default 587
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	From     string `json:"from"`

	// OverrideRecipient redirects all mail to one address (staging).
	OverrideRecipient string `json:"override_recipient,omitempty"`
}

type PushConfig struct {
	APIURL   string `json:"api_url,omitempty"`
	AppToken string `json:"app_token"`
	Title    string `json:"title,omitempty"`
	Priority int    `json:"priority,omitempty"`
	Sound    string `json:"sound,omitempty"`

	// BatchDelay paces multi-part sends. Default "500ms".
	BatchDelay string `json:"batch_delay,omitempty"`
}

type TelegramConfig struct {
	Token      string `json:"token"`
	BatchDelay string `json:"batch_delay,omitempty"` // default "300ms"
}

// PprofConfig controls the optional pprof HTTP server.
//
// Prefer binding to localhost. A non-loopback bind requires a token or an
// explicit allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (never logged)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// UserConfig is the on-disk form of one user's notification preferences.
type UserConfig struct {
	ID      string `json:"id"`
	Enabled bool   `json:"enabled"`

	Stores    []string `json:"stores,omitempty"`
	Locations []string `json:"locations,omitempty"`

	// MutedCategories: "added", "removed", "date_changed", "swapped".
	MutedCategories []string `json:"muted_categories,omitempty"`

	// MinSeverity: "info" (default), "warn", "critical".
	MinSeverity string `json:"min_severity,omitempty"`

	Email    ChannelConfig `json:"email,omitempty"`
	Push     ChannelConfig `json:"push,omitempty"`
	Telegram ChannelConfig `json:"telegram,omitempty"`

	// DedupCooldown overrides dedup windows for this user, keyed by channel.
	DedupCooldown map[string]string `json:"dedup_cooldown,omitempty"`
}

type ChannelConfig struct {
	Enabled bool `json:"enabled"`
	// Frequency: "immediate" (default) or "digest" (email only).
	Frequency string `json:"frequency,omitempty"`
	Address   string `json:"address,omitempty"`
}
