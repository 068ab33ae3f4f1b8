package prefs

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

var ErrUnknownUser = errors.New("unknown user")

// Resolver answers "what are this user's notification preferences" with one
// documented precedence order, replacing the pile of fallback lookups the
// old settings code grew over time:
//
//	explicit per-call value > environment override > configured user settings
//
// Environment overrides are scoped per user and channel, e.g.
// ORDERWATCH_ALICE_EMAIL_ADDRESS. They exist so an operator can redirect a
// single user's deliveries without editing the settings file.
type Resolver struct {
	users map[string]UserPreference

	// lookupEnv is os.LookupEnv unless a test injects its own.
	lookupEnv func(string) (string, bool)
}

func NewResolver(users []UserPreference) *Resolver {
	m := make(map[string]UserPreference, len(users))
	for _, u := range users {
		m[u.UserID] = u
	}
	return &Resolver{users: m, lookupEnv: os.LookupEnv}
}

// WithEnvLookup replaces the environment lookup. Tests only.
func (r *Resolver) WithEnvLookup(fn func(string) (string, bool)) *Resolver {
	r.lookupEnv = fn
	return r
}

// UserIDs returns all configured user ids.
func (r *Resolver) UserIDs() []string {
	out := make([]string, 0, len(r.users))
	for id := range r.users {
		out = append(out, id)
	}
	return out
}

// Resolve returns the effective preference for a user, with environment
// overrides applied to channel addresses.
func (r *Resolver) Resolve(userID string) (UserPreference, error) {
	p, ok := r.users[userID]
	if !ok {
		return UserPreference{}, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	for _, c := range []Channel{ChannelEmail, ChannelPush, ChannelTelegram} {
		if v, ok := r.lookupEnv(envKey(userID, c)); ok && strings.TrimSpace(v) != "" {
			cp := p.ChannelPref(c)
			cp.Address = strings.TrimSpace(v)
			p = withChannelPref(p, c, cp)
		}
	}
	return p, nil
}

// Address resolves a channel address with the full precedence chain.
// explicit wins when non-empty; it is how "send this one to me instead"
// CLI invocations work.
func (r *Resolver) Address(explicit string, p UserPreference, c Channel) string {
	if s := strings.TrimSpace(explicit); s != "" {
		return s
	}
	if v, ok := r.lookupEnv(envKey(p.UserID, c)); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(p.ChannelPref(c).Address)
}

func envKey(userID string, c Channel) string {
	id := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(userID))
	return "ORDERWATCH_" + id + "_" + strings.ToUpper(string(c)) + "_ADDRESS"
}

func withChannelPref(p UserPreference, c Channel, cp ChannelPreference) UserPreference {
	switch c {
	case ChannelEmail:
		p.Email = cp
	case ChannelPush:
		p.Push = cp
	case ChannelTelegram:
		p.Telegram = cp
	}
	return p
}
