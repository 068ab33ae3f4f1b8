package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"orderwatch/internal/prefs"
	"orderwatch/internal/schedule"
	"orderwatch/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.baseline.json  (all user baselines, rewritten atomically)
//   - <prefix>.digest.jsonl   (append-only digest journal, compacted on drain)
//   - <prefix>.dedup.json     (dedup fingerprints, rewritten periodically)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	prefix string

	baselines map[string]schedule.Snapshot
	dedup     map[string]int64 // unix milli

	digestFile *os.File

	dedupWrites int
}

type digestRecord struct {
	UserID   string          `json:"user"`
	Channel  string          `json:"channel"`
	Entries  json.RawMessage `json:"entries"`
	QueuedAt time.Time       `json:"queued_at"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(filepath.Base(path)))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:       log,
		prefix:    prefix,
		baselines: map[string]schedule.Snapshot{},
		dedup:     map[string]int64{},
	}

	_ = loadJSON(s.baselinePath(), &s.baselines)
	_ = loadJSON(s.dedupPath(), &s.dedup)
	s.pruneDedupLocked(time.Now())

	df, err := os.OpenFile(s.digestPath(), os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.digestFile = df
	return s, nil
}

func (s *fileStore) baselinePath() string { return s.prefix + ".baseline.json" }
func (s *fileStore) digestPath() string   { return s.prefix + ".digest.jsonl" }
func (s *fileStore) dedupPath() string    { return s.prefix + ".dedup.json" }

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.digestFile != nil {
		err := s.digestFile.Close()
		s.digestFile = nil
		return err
	}
	return nil
}

func (s *fileStore) Baseline(_ context.Context, userID string) (schedule.Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.baselines[userID]
	return snap, ok, nil
}

func (s *fileStore) PutBaseline(_ context.Context, userID string, snap schedule.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baselines[userID] = snap
	return writeJSONAtomic(s.baselinePath(), s.baselines)
}

func (s *fileStore) EnqueueDigest(_ context.Context, userID string, ch prefs.Channel, entries []schedule.ChangeEntry) error {
	if len(entries) == 0 {
		return nil
	}
	payload, err := schedule.EncodeEntries(entries)
	if err != nil {
		return err
	}
	rec := digestRecord{UserID: userID, Channel: string(ch), Entries: payload, QueuedAt: time.Now()}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.digestFile == nil {
		return errors.New("digest journal closed")
	}
	return json.NewEncoder(s.digestFile).Encode(rec)
}

func (s *fileStore) DrainDigest(_ context.Context, userID string, ch prefs.Channel) ([]schedule.ChangeEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readDigestLocked()
	if err != nil {
		return nil, err
	}

	var drained []schedule.ChangeEntry
	kept := records[:0]
	for _, rec := range records {
		if rec.UserID == userID && rec.Channel == string(ch) {
			entries, err := schedule.DecodeEntries(rec.Entries)
			if err != nil {
				return nil, err
			}
			drained = append(drained, entries...)
			continue
		}
		kept = append(kept, rec)
	}
	if len(drained) == 0 {
		return nil, nil
	}
	if err := s.rewriteDigestLocked(kept); err != nil {
		return nil, err
	}
	return drained, nil
}

func (s *fileStore) PendingDigests(_ context.Context) ([]DigestKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readDigestLocked()
	if err != nil {
		return nil, err
	}
	seen := map[DigestKey]struct{}{}
	var keys []DigestKey
	for _, rec := range records {
		k := DigestKey{UserID: rec.UserID, Channel: prefs.Channel(rec.Channel)}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *fileStore) readDigestLocked() ([]digestRecord, error) {
	if s.digestFile == nil {
		return nil, errors.New("digest journal closed")
	}
	if _, err := s.digestFile.Seek(0, 0); err != nil {
		return nil, err
	}
	var records []digestRecord
	sc := bufio.NewScanner(s.digestFile)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec digestRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			// A torn tail write shouldn't poison the whole journal.
			s.log.Warn("skipping corrupt digest journal line", logx.Err(err))
			continue
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if _, err := s.digestFile.Seek(0, 2); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *fileStore) rewriteDigestLocked(records []digestRecord) error {
	if err := s.digestFile.Truncate(0); err != nil {
		return err
	}
	if _, err := s.digestFile.Seek(0, 0); err != nil {
		return err
	}
	enc := json.NewEncoder(s.digestFile)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return err
		}
	}
	return s.digestFile.Sync()
}

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dedup[key] = until.UnixMilli()
	s.dedupWrites++
	// Rewrite on every Nth write; dedup persistence is best-effort.
	if s.dedupWrites%16 == 1 {
		s.pruneDedupLocked(time.Now())
		return writeJSONAtomic(s.dedupPath(), s.dedup)
	}
	return nil
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) pruneDedupLocked(now time.Time) {
	cutoff := now.UnixMilli()
	for k, until := range s.dedup {
		if until < cutoff {
			delete(s.dedup, k)
		}
	}
}

func loadJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func writeJSONAtomic(path string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
