package dispatch

import (
	"context"
	"time"

	"orderwatch/internal/prefs"
	"orderwatch/internal/schedule"
)

// Skip/failure reasons surfaced in DispatchResult.Reason.
const (
	ReasonNotConfigured  = "not_configured"
	ReasonDuplicate      = "duplicate"
	ReasonDigestEnqueued = "digest_enqueued"
	ReasonTimeout        = "timeout"
)

// Dispatcher renders a ChangeSet into a channel-specific payload and
// delivers it. Implementations must honor ctx cancellation on network I/O
// and must not retry failed sends synchronously; retry happens naturally on
// the next detection cycle because failed sends are never recorded in the
// dedup cache.
type Dispatcher interface {
	Channel() prefs.Channel
	Send(ctx context.Context, user prefs.UserPreference, cs schedule.ChangeSet) DispatchResult
}

// PartResult reports one batch of a multi-part send (push splitting).
type PartResult struct {
	Index   int    `json:"index"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// DispatchResult is the outcome of one channel attempt for one user.
// Skipped=true means "nothing was sent and nothing failed" (duplicate,
// digest enqueued, channel not configured); Success is false for skips
// so a skip is never mistaken for a delivery.
type DispatchResult struct {
	Channel prefs.Channel `json:"channel"`
	Success bool          `json:"success"`
	Skipped bool          `json:"skipped,omitempty"`
	Reason  string        `json:"reason,omitempty"`
	// Error carries the raw failure payload for diagnostics.
	Error string `json:"error,omitempty"`
	// Parts is populated for multi-part sends. The whole send succeeds only
	// if every part did, but failed parts stay individually visible.
	Parts []PartResult `json:"parts,omitempty"`
}

func Skipped(ch prefs.Channel, reason string) DispatchResult {
	return DispatchResult{Channel: ch, Success: false, Skipped: true, Reason: reason}
}

func Failed(ch prefs.Channel, err error) DispatchResult {
	r := DispatchResult{Channel: ch, Success: false}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

func Sent(ch prefs.Channel) DispatchResult {
	return DispatchResult{Channel: ch, Success: true}
}

// UserReport aggregates one user's channel results for a cycle.
type UserReport struct {
	UserID string `json:"user_id"`
	// NoRelevantChanges marks the empty-after-filter short circuit.
	NoRelevantChanges bool             `json:"no_relevant_changes,omitempty"`
	PerChannel        []DispatchResult `json:"per_channel,omitempty"`
	// Error is set when the user's cycle never reached dispatch (snapshot
	// fetch or diff failure). One user's error never fails the cycle.
	Error string `json:"error,omitempty"`
}

// Delivered reports whether at least one channel actually sent something.
func (r UserReport) Delivered() bool {
	for _, c := range r.PerChannel {
		if c.Success && !c.Skipped {
			return true
		}
	}
	return false
}

// DeliveryReport is the cycle-level envelope returned to the scheduler/CLI.
// Success is false only when the cycle could not start at all; individual
// failures are visible inside PerUser so partial delivery is never mistaken
// for total failure.
type DeliveryReport struct {
	Success   bool         `json:"success"`
	StartedAt time.Time    `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed"`
	Error     string       `json:"error,omitempty"`
	PerUser   []UserReport `json:"per_user,omitempty"`
}
