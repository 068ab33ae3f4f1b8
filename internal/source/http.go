// Package source fetches work-order snapshots from the scraper endpoint.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"orderwatch/internal/schedule"
	"orderwatch/pkg/logx"
)

const defaultTimeout = 20 * time.Second

type Config struct {
	URL     string
	Token   string // optional bearer token
	Timeout time.Duration
}

// Fetcher produces the current snapshot for one user. The watch service
// depends on this interface; tests inject fakes.
type Fetcher interface {
	Fetch(ctx context.Context, userID string) (schedule.Snapshot, error)
}

// HTTP fetches snapshots from a JSON endpoint:
//
//	GET {url}?user={id}  ->  {"captured_at": "...", "jobs": [...]}
//
// A missing captured_at is stamped with the fetch time.
type HTTP struct {
	cfg    Config
	client *http.Client
	log    logx.Logger
	now    func() time.Time
}

func NewHTTP(cfg Config, log logx.Logger) *HTTP {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &HTTP{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
		now:    time.Now,
	}
}

type snapshotPayload struct {
	CapturedAt time.Time                  `json:"captured_at"`
	Jobs       []schedule.WorkOrderRecord `json:"jobs"`
}

func (h *HTTP) Fetch(ctx context.Context, userID string) (schedule.Snapshot, error) {
	u, err := url.Parse(h.cfg.URL)
	if err != nil {
		return schedule.Snapshot{}, fmt.Errorf("source url: %w", err)
	}
	q := u.Query()
	q.Set("user", userID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return schedule.Snapshot{}, err
	}
	req.Header.Set("Accept", "application/json")
	if tok := strings.TrimSpace(h.cfg.Token); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return schedule.Snapshot{}, fmt.Errorf("fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return schedule.Snapshot{}, fmt.Errorf("fetch snapshot: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var payload snapshotPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return schedule.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}

	snap := schedule.Snapshot{CapturedAt: payload.CapturedAt, Jobs: payload.Jobs}
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = h.now()
	}
	if snap.Jobs == nil {
		snap.Jobs = []schedule.WorkOrderRecord{}
	}
	if err := schedule.Validate(snap); err != nil {
		return schedule.Snapshot{}, err
	}
	return snap, nil
}
