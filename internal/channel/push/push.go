// Package push delivers change sets through a Pushover-style REST API:
// an HTTPS POST of URL-encoded form fields per message.
//
// The provider enforces a hard 1024-character message ceiling, so over-limit
// change sets are split: a summary message first, then per-category batches
// each kept under a safety margin (default 950). Batch sends are paced by a
// rate limiter to respect the provider's rate limits.
package push

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"orderwatch/internal/channel"
	"orderwatch/internal/dispatch"
	"orderwatch/internal/prefs"
	"orderwatch/internal/schedule"
	"orderwatch/pkg/logx"
)

const (
	defaultAPIURL       = "https://api.pushover.net/1/messages.json"
	defaultMessageLimit = 1024
	defaultSafetyMargin = 950
	defaultBatchDelay   = 500 * time.Millisecond
)

type Config struct {
	APIURL   string
	AppToken string

	Title    string
	Priority int
	Sound    string

	// MessageLimit is the provider's hard ceiling; SafetyMargin bounds each
	// split batch below it.
	MessageLimit int
	SafetyMargin int

	// BatchDelay paces multi-part sends.
	BatchDelay time.Duration
}

// AddressResolver resolves the per-user push key. *prefs.Resolver satisfies it.
type AddressResolver interface {
	Address(explicit string, p prefs.UserPreference, c prefs.Channel) string
}

type Dispatcher struct {
	cfg      Config
	client   *http.Client
	limiter  *rate.Limiter
	resolver AddressResolver
	log      logx.Logger
}

func New(cfg Config, resolver AddressResolver, log logx.Logger) *Dispatcher {
	if cfg.APIURL == "" {
		cfg.APIURL = defaultAPIURL
	}
	if cfg.MessageLimit <= 0 {
		cfg.MessageLimit = defaultMessageLimit
	}
	if cfg.SafetyMargin <= 0 || cfg.SafetyMargin > cfg.MessageLimit {
		cfg.SafetyMargin = defaultSafetyMargin
	}
	if cfg.BatchDelay <= 0 {
		cfg.BatchDelay = defaultBatchDelay
	}
	if cfg.Title == "" {
		cfg.Title = "Work order schedule"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		cfg:      cfg,
		client:   &http.Client{Timeout: 15 * time.Second},
		limiter:  rate.NewLimiter(rate.Every(cfg.BatchDelay), 1),
		resolver: resolver,
		log:      log,
	}
}

func (d *Dispatcher) Channel() prefs.Channel { return prefs.ChannelPush }

func (d *Dispatcher) Send(ctx context.Context, user prefs.UserPreference, cs schedule.ChangeSet) dispatch.DispatchResult {
	userKey := d.resolver.Address("", user, prefs.ChannelPush)
	if strings.TrimSpace(d.cfg.AppToken) == "" || userKey == "" {
		return dispatch.Skipped(prefs.ChannelPush, dispatch.ReasonNotConfigured)
	}

	msgs := channel.Split(
		channel.SummaryLine(cs.Summary),
		channel.GroupLines(cs),
		channel.Limits{Ceiling: d.cfg.MessageLimit, Margin: d.cfg.SafetyMargin},
	)

	if len(msgs) > 1 {
		// Spend any banked token so the first inter-message gap is paced
		// like every other one.
		d.limiter.Allow()
	}

	res := dispatch.DispatchResult{Channel: prefs.ChannelPush, Success: true}
	for i, msg := range msgs {
		if i > 0 {
			// Inter-message delay between batches.
			if err := d.limiter.Wait(ctx); err != nil {
				res.Success = false
				res.Parts = append(res.Parts, dispatch.PartResult{Index: i, Success: false, Error: err.Error()})
				break
			}
		}
		err := d.post(ctx, userKey, msg)
		part := dispatch.PartResult{Index: i, Success: err == nil}
		if err != nil {
			part.Error = err.Error()
			res.Success = false
			if res.Error == "" {
				res.Error = err.Error()
			}
		}
		res.Parts = append(res.Parts, part)
	}

	// Single-message sends don't need part detail.
	if len(res.Parts) == 1 {
		if !res.Success && res.Error == "" {
			res.Error = res.Parts[0].Error
		}
		res.Parts = nil
	}
	return res
}

func (d *Dispatcher) post(ctx context.Context, userKey, message string) error {
	form := url.Values{}
	form.Set("token", d.cfg.AppToken)
	form.Set("user", userKey)
	form.Set("message", message)
	form.Set("title", d.cfg.Title)
	form.Set("priority", fmt.Sprintf("%d", d.cfg.Priority))
	if d.cfg.Sound != "" {
		form.Set("sound", d.cfg.Sound)
	}
	form.Set("html", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.APIURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Attach the raw API payload for diagnostics.
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("push api status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
