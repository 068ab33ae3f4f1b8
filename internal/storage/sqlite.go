package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"orderwatch/internal/prefs"
	"orderwatch/internal/schedule"
	"orderwatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Baseline(ctx context.Context, userID string) (schedule.Snapshot, bool, error) {
	if s == nil || s.db == nil {
		return schedule.Snapshot{}, false, ErrDisabled
	}
	var capturedAt string
	var jobsJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT captured_at, jobs FROM baseline WHERE user_id = ?`, userID,
	).Scan(&capturedAt, &jobsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.Snapshot{}, false, nil
	}
	if err != nil {
		return schedule.Snapshot{}, false, err
	}

	var snap schedule.Snapshot
	if snap.CapturedAt, err = time.Parse(time.RFC3339Nano, capturedAt); err != nil {
		return schedule.Snapshot{}, false, fmt.Errorf("baseline %s: bad captured_at: %w", userID, err)
	}
	if err := json.Unmarshal([]byte(jobsJSON), &snap.Jobs); err != nil {
		return schedule.Snapshot{}, false, fmt.Errorf("baseline %s: bad jobs payload: %w", userID, err)
	}
	if snap.Jobs == nil {
		snap.Jobs = []schedule.WorkOrderRecord{}
	}
	return snap, true, nil
}

func (s *sqliteStore) PutBaseline(ctx context.Context, userID string, snap schedule.Snapshot) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	jobs, err := json.Marshal(snap.Jobs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO baseline(user_id, captured_at, jobs) VALUES(?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET captured_at=excluded.captured_at, jobs=excluded.jobs`,
		userID, snap.CapturedAt.Format(time.RFC3339Nano), string(jobs),
	)
	return err
}

func (s *sqliteStore) EnqueueDigest(ctx context.Context, userID string, ch prefs.Channel, entries []schedule.ChangeEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if len(entries) == 0 {
		return nil
	}
	payload, err := schedule.EncodeEntries(entries)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO digest(user_id, channel, entries, queued_at) VALUES(?,?,?,?)`,
		userID, string(ch), string(payload), time.Now().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) DrainDigest(ctx context.Context, userID string, ch prefs.Channel) ([]schedule.ChangeEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT entries FROM digest WHERE user_id = ? AND channel = ? ORDER BY id`, userID, string(ch))
	if err != nil {
		return nil, err
	}
	var out []schedule.ChangeEntry
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			rows.Close()
			return nil, err
		}
		entries, err := schedule.DecodeEntries([]byte(payload))
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, entries...)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM digest WHERE user_id = ? AND channel = ?`, userID, string(ch)); err != nil {
		return nil, err
	}
	return out, tx.Commit()
}

func (s *sqliteStore) PendingDigests(ctx context.Context) ([]DigestKey, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT user_id, channel FROM digest ORDER BY user_id, channel`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []DigestKey
	for rows.Next() {
		var k DigestKey
		var ch string
		if err := rows.Scan(&k.UserID, &ch); err != nil {
			return nil, err
		}
		k.Channel = prefs.Channel(ch)
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
	return err
}
