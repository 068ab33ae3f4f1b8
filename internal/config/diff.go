package config

import (
	"reflect"
	"sort"
	"strings"

	"orderwatch/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (tokens, passwords) are reported only
// as set/unset booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Watch, newCfg.Watch) {
		changed = append(changed, "watch")
		attrs = append(attrs,
			logx.Bool("watch.enabled", newCfg.Watch.Enabled),
			logx.String("watch.cron", strings.TrimSpace(newCfg.Watch.Cron)),
			logx.String("watch.timezone", strings.TrimSpace(newCfg.Watch.Timezone)),
			logx.Int("watch.concurrency", newCfg.Watch.Concurrency),
			logx.Bool("watch.source_token_set", strings.TrimSpace(newCfg.Watch.Source.Token) != ""),
		)
	}

	if oldCfg.Digest != newCfg.Digest {
		changed = append(changed, "digest")
		attrs = append(attrs, logx.String("digest.cron", strings.TrimSpace(newCfg.Digest.Cron)))
	}

	if !reflect.DeepEqual(oldCfg.Dedup, newCfg.Dedup) {
		changed = append(changed, "dedup")
		attrs = append(attrs,
			logx.String("dedup.default_window", strings.TrimSpace(newCfg.Dedup.DefaultWindow)),
			logx.Int("dedup.max_entries", newCfg.Dedup.MaxEntries),
			logx.Bool("dedup.persist", newCfg.Dedup.Persist),
		)
	}

	if !storageEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		var driver string
		var pathSet bool
		if newCfg.Storage != nil {
			driver = strings.TrimSpace(newCfg.Storage.Driver)
			pathSet = strings.TrimSpace(newCfg.Storage.Path) != ""
		}
		attrs = append(attrs,
			logx.String("storage.driver", driver),
			logx.Bool("storage.path_set", pathSet),
		)
	}

	if !emailEqual(oldCfg.Email, newCfg.Email) {
		changed = append(changed, "email")
		if newCfg.Email != nil {
			attrs = append(attrs,
				logx.String("email.host", strings.TrimSpace(newCfg.Email.Host)),
				logx.Int("email.port", newCfg.Email.Port),
				logx.Bool("email.password_set", newCfg.Email.Password != ""),
				logx.Bool("email.override_set", strings.TrimSpace(newCfg.Email.OverrideRecipient) != ""),
			)
		}
	}

	if !pushEqual(oldCfg.Push, newCfg.Push) {
		changed = append(changed, "push")
		if newCfg.Push != nil {
			attrs = append(attrs,
				logx.Bool("push.app_token_set", strings.TrimSpace(newCfg.Push.AppToken) != ""),
				logx.String("push.batch_delay", strings.TrimSpace(newCfg.Push.BatchDelay)),
			)
		}
	}

	if !telegramEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		if newCfg.Telegram != nil {
			attrs = append(attrs,
				logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			)
		}
	}

	if !pprofEqual(oldCfg.Pprof, newCfg.Pprof) {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Users, newCfg.Users) {
		changed = append(changed, "users")
		attrs = append(attrs,
			logx.Int("users.count", len(newCfg.Users)),
			logx.Int("users.enabled_count", countEnabledUsers(newCfg.Users)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func countEnabledUsers(users []UserConfig) int {
	n := 0
	for _, u := range users {
		if u.Enabled {
			n++
		}
	}
	return n
}

func storageEqual(a, b *StorageConfig) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}

func emailEqual(a, b *EmailConfig) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}

func pushEqual(a, b *PushConfig) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}

func telegramEqual(a, b *TelegramConfig) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}

func pprofEqual(a, b PprofConfig) bool {
	// Token changes matter only as set/unset; the value itself never logs.
	ta, tb := strings.TrimSpace(a.Token) != "", strings.TrimSpace(b.Token) != ""
	a.Token, b.Token = "", ""
	return a == b && ta == tb
}
