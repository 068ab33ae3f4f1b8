package prefs

import (
	"time"

	"orderwatch/internal/schedule"
)

// Frequency selects immediate or batched (digest) delivery for a channel.
type Frequency string

const (
	FrequencyImmediate Frequency = "immediate"
	FrequencyDigest    Frequency = "digest"
)

// Channel names the statically known delivery channels.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelPush     Channel = "push"
	ChannelTelegram Channel = "telegram"
)

// ChannelPreference is one user's configuration for one channel.
// Address is channel-specific: an email recipient, a push user key,
// or a telegram chat id (decimal string).
type ChannelPreference struct {
	Enabled   bool      `json:"enabled"`
	Frequency Frequency `json:"frequency,omitempty"`
	Address   string    `json:"address,omitempty"`
}

// SupportsDigest reports whether the channel has a digest path at all.
// Only email does; push and telegram are always immediate. This asymmetry
// is a fixed design constraint, not an omission.
func (c Channel) SupportsDigest() bool { return c == ChannelEmail }

// UserPreference is the resolved notification configuration for one user.
type UserPreference struct {
	UserID  string `json:"user_id"`
	Enabled bool   `json:"enabled"`

	// Store/location allow-lists. Empty means "match everything".
	// An entry passes when its store OR its location matches.
	Stores    []string `json:"stores,omitempty"`
	Locations []string `json:"locations,omitempty"`

	// MutedCategories disables whole change categories.
	MutedCategories []schedule.ChangeKind `json:"muted_categories,omitempty"`

	// MinSeverity drops entries below the threshold.
	MinSeverity schedule.Severity `json:"min_severity,omitempty"`

	Email    ChannelPreference `json:"email"`
	Push     ChannelPreference `json:"push"`
	Telegram ChannelPreference `json:"telegram"`

	// DedupCooldown optionally overrides the per-channel default windows.
	DedupCooldown map[Channel]time.Duration `json:"-"`
}

// ChannelPref returns the preference block for a channel.
func (p UserPreference) ChannelPref(c Channel) ChannelPreference {
	switch c {
	case ChannelEmail:
		return p.Email
	case ChannelPush:
		return p.Push
	case ChannelTelegram:
		return p.Telegram
	}
	return ChannelPreference{}
}

// EnabledChannels lists the channels this user has switched on.
func (p UserPreference) EnabledChannels() []Channel {
	out := make([]Channel, 0, 3)
	for _, c := range []Channel{ChannelEmail, ChannelPush, ChannelTelegram} {
		if p.ChannelPref(c).Enabled {
			out = append(out, c)
		}
	}
	return out
}

func (p UserPreference) categoryMuted(k schedule.ChangeKind) bool {
	for _, m := range p.MutedCategories {
		if m == k {
			return true
		}
	}
	return false
}
