package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"orderwatch/pkg/logx"
)

func TestFetch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("user"); got != "alice" {
			t.Errorf("user query = %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"captured_at": "2026-08-30T07:15:00Z",
			"jobs": [
				{"job_id": "W-1", "store_label": "Hardware Depot #12", "location_label": "Midtown", "scheduled_date": "2026-09-03", "dispenser_count": 4},
				{"job_id": "W-2", "store_label": "Grocery Mart #7", "scheduled_date": "2026-09-04", "dispenser_count": 2}
			]
		}`))
	}))
	defer srv.Close()

	h := NewHTTP(Config{URL: srv.URL, Token: "secret"}, logx.Nop())
	snap, err := h.Fetch(context.Background(), "alice")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(snap.Jobs) != 2 || snap.Jobs[0].JobID != "W-1" {
		t.Fatalf("jobs: %+v", snap.Jobs)
	}
	want := time.Date(2026, 8, 30, 7, 15, 0, 0, time.UTC)
	if !snap.CapturedAt.Equal(want) {
		t.Fatalf("captured_at = %v, want %v", snap.CapturedAt, want)
	}
}

func TestFetchStampsMissingCaptureTime(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"jobs": []}`))
	}))
	defer srv.Close()

	fixed := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	h := NewHTTP(Config{URL: srv.URL}, logx.Nop())
	h.now = func() time.Time { return fixed }

	snap, err := h.Fetch(context.Background(), "alice")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !snap.CapturedAt.Equal(fixed) {
		t.Fatalf("captured_at = %v, want %v", snap.CapturedAt, fixed)
	}
	if snap.Jobs == nil {
		t.Fatal("jobs should be non-nil for an empty schedule")
	}
}

func TestFetchErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr string
	}{
		{
			name: "server error with body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "session expired", http.StatusUnauthorized)
			},
			wantErr: "session expired",
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"jobs": [`))
			},
			wantErr: "decode snapshot",
		},
		{
			name: "duplicate job ids rejected",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"jobs": [
					{"job_id": "W-1", "scheduled_date": "2026-09-03"},
					{"job_id": "W-1", "scheduled_date": "2026-09-04"}
				]}`))
			},
			wantErr: "duplicate job id",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			h := NewHTTP(Config{URL: srv.URL}, logx.Nop())
			_, err := h.Fetch(context.Background(), "alice")
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}
