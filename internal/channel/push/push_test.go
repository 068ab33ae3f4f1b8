package push

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"orderwatch/internal/prefs"
	"orderwatch/internal/schedule"
	"orderwatch/pkg/logx"
)

type staticResolver struct{ key string }

func (s staticResolver) Address(explicit string, _ prefs.UserPreference, _ prefs.Channel) string {
	if explicit != "" {
		return explicit
	}
	return s.key
}

func pushUser() prefs.UserPreference {
	return prefs.UserPreference{UserID: "u1", Enabled: true, Push: prefs.ChannelPreference{Enabled: true}}
}

func removedChanges(n int) schedule.ChangeSet {
	entries := make([]schedule.ChangeEntry, 0, n)
	for i := 0; i < n; i++ {
		entries = append(entries, schedule.Removed{Record: schedule.WorkOrderRecord{
			JobID:         fmt.Sprintf("W-%04d", i),
			StoreLabel:    fmt.Sprintf("Hardware Depot #%04d", i),
			LocationLabel: "Northside Retail Park",
			ScheduledDate: "2025-05-10",
		}})
	}
	return schedule.NewChangeSet(entries)
}

type capture struct {
	mu       sync.Mutex
	messages []string
	failFrom int // fail requests with index >= failFrom; -1 disables
}

func newCaptureServer(t *testing.T, c *capture) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("bad form: %v", err)
		}
		c.mu.Lock()
		idx := len(c.messages)
		c.messages = append(c.messages, r.PostFormValue("message"))
		fail := c.failFrom >= 0 && idx >= c.failFrom
		c.mu.Unlock()

		if r.PostFormValue("token") == "" || r.PostFormValue("user") == "" {
			http.Error(w, `{"errors":["user identifier is invalid"]}`, http.StatusBadRequest)
			return
		}
		if fail {
			http.Error(w, `{"status":0,"errors":["application token is invalid"]}`, http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"status":1}`)
	}))
}

func newTestDispatcher(url string) *Dispatcher {
	return New(Config{
		APIURL:     url,
		AppToken:   "app-token",
		BatchDelay: time.Millisecond,
	}, staticResolver{key: "user-key"}, logx.Nop())
}

func TestSendSingleMessage(t *testing.T) {
	t.Parallel()
	c := &capture{failFrom: -1}
	srv := newCaptureServer(t, c)
	defer srv.Close()

	d := newTestDispatcher(srv.URL)
	res := d.Send(context.Background(), pushUser(), removedChanges(2))
	if !res.Success || res.Skipped {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(c.messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(c.messages))
	}
	if len(res.Parts) != 0 {
		t.Fatalf("single send should not report parts: %+v", res.Parts)
	}
}

func TestSendSplitsOverLimit(t *testing.T) {
	t.Parallel()
	c := &capture{failFrom: -1}
	srv := newCaptureServer(t, c)
	defer srv.Close()

	d := newTestDispatcher(srv.URL)
	res := d.Send(context.Background(), pushUser(), removedChanges(40))
	if !res.Success {
		t.Fatalf("unexpected failure: %+v", res)
	}
	if len(c.messages) < 3 {
		t.Fatalf("expected summary + multiple batches, got %d messages", len(c.messages))
	}
	for i, m := range c.messages {
		if utf8.RuneCountInString(m) > 1024 {
			t.Fatalf("message %d over provider ceiling: %d runes", i, utf8.RuneCountInString(m))
		}
	}
	if len(res.Parts) != len(c.messages) {
		t.Fatalf("parts=%d, messages=%d", len(res.Parts), len(c.messages))
	}
}

func TestSendPartialBatchFailure(t *testing.T) {
	t.Parallel()
	c := &capture{failFrom: 2}
	srv := newCaptureServer(t, c)
	defer srv.Close()

	d := newTestDispatcher(srv.URL)
	res := d.Send(context.Background(), pushUser(), removedChanges(40))
	if res.Success {
		t.Fatal("partial failure must fail the whole send")
	}
	var okParts, failParts int
	for _, p := range res.Parts {
		if p.Success {
			okParts++
		} else {
			failParts++
			if p.Error == "" {
				t.Fatalf("failed part missing error payload: %+v", p)
			}
		}
	}
	if okParts != 2 || failParts == 0 {
		t.Fatalf("expected 2 ok parts and some failures, got ok=%d fail=%d", okParts, failParts)
	}
}

func TestSendPacesEveryBatchGap(t *testing.T) {
	t.Parallel()
	c := &capture{failFrom: -1}
	srv := newCaptureServer(t, c)
	defer srv.Close()

	delay := 40 * time.Millisecond
	d := New(Config{
		APIURL:     srv.URL,
		AppToken:   "app-token",
		BatchDelay: delay,
	}, staticResolver{key: "user-key"}, logx.Nop())

	start := time.Now()
	res := d.Send(context.Background(), pushUser(), removedChanges(40))
	elapsed := time.Since(start)
	if !res.Success {
		t.Fatalf("unexpected failure: %+v", res)
	}
	sent := len(c.messages)
	if sent < 3 {
		t.Fatalf("expected a multi-part send, got %d messages", sent)
	}
	// Every gap is paced, including the one after the summary message. A
	// fresh limiter holds a banked token that would otherwise let the first
	// gap through instantly.
	if min := time.Duration(sent-1) * delay; elapsed < min {
		t.Fatalf("%d messages sent in %s, want at least %s of pacing", sent, elapsed, min)
	}
}

func TestSendNotConfiguredSkips(t *testing.T) {
	t.Parallel()
	c := &capture{failFrom: -1}
	srv := newCaptureServer(t, c)
	defer srv.Close()

	d := New(Config{APIURL: srv.URL}, staticResolver{key: "user-key"}, logx.Nop()) // no app token
	res := d.Send(context.Background(), pushUser(), removedChanges(1))
	if !res.Skipped || res.Success || res.Reason != "not_configured" {
		t.Fatalf("expected not_configured skip, got %+v", res)
	}
	if len(c.messages) != 0 {
		t.Fatal("skip must not perform network I/O")
	}
}

func TestSendAttachesAPIErrorPayload(t *testing.T) {
	t.Parallel()
	c := &capture{failFrom: 0}
	srv := newCaptureServer(t, c)
	defer srv.Close()

	d := newTestDispatcher(srv.URL)
	res := d.Send(context.Background(), pushUser(), removedChanges(1))
	if res.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(res.Error, "400") || !strings.Contains(res.Error, "token is invalid") {
		t.Fatalf("raw API payload not attached: %q", res.Error)
	}
}
