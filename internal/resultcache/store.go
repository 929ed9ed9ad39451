package resultcache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"deepscan/internal/verdict"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is bumped whenever schema.sql changes. Older databases must
// be cleared.
const schemaVersion = 1

// ErrSchemaMismatch indicates the database was created by another version.
var ErrSchemaMismatch = errors.New("schema version mismatch")

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// timeLayout has fixed-width fractions so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is the verdict cache.
type Store struct {
	db   *sql.DB
	path string
}

// Entry is one cached verdict row, without the full result document.
type Entry struct {
	VideoHash       string
	Fingerprint     string
	ModelType       string
	VideoPath       string
	Category        verdict.Category
	FakeProbability float64
	Confidence      float64
	CreatedAt       time.Time
}

// HistoryFilter narrows History results.
type HistoryFilter struct {
	Category verdict.Category
	Limit    int
}

// Open creates or connects to the cache database at path.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("cache path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure cache directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database location.
func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tableExists == 0 {
		return s.createSchema(ctx)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d (delete %s to rebuild the cache)",
			ErrSchemaMismatch, version, schemaVersion, s.path)
	}
	return nil
}

func (s *Store) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

// Get returns the cached result for hash and fingerprint, or nil on a miss.
func (s *Store) Get(ctx context.Context, hash, fingerprint string) (*verdict.Result, error) {
	ctx = ensureContext(ctx)
	var payload string
	err := retryOnBusy(ctx, func() error {
		return s.db.QueryRowContext(ctx,
			`SELECT result_json FROM verdicts WHERE video_hash = ? AND fingerprint = ?`,
			hash, fingerprint,
		).Scan(&payload)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cached verdict: %w", err)
	}
	result, err := verdict.Decode([]byte(payload))
	if err != nil {
		return nil, err
	}
	result.Cached = true
	return &result, nil
}

// Put stores result under fingerprint. It reports false without error when
// the result is not cacheable.
func (s *Store) Put(ctx context.Context, fingerprint string, result verdict.Result) (bool, error) {
	if !Cacheable(result) {
		return false, nil
	}
	result.Cached = false
	payload, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("marshal verdict: %w", err)
	}
	createdAt := result.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	err = s.execWithoutResultRetry(ctx,
		`INSERT INTO verdicts (
            video_hash, fingerprint, model_type, video_path, category,
            fake_probability, confidence, result_json, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(video_hash, fingerprint) DO UPDATE SET
            model_type = excluded.model_type,
            video_path = excluded.video_path,
            category = excluded.category,
            fake_probability = excluded.fake_probability,
            confidence = excluded.confidence,
            result_json = excluded.result_json,
            created_at = excluded.created_at`,
		result.VideoHash,
		fingerprint,
		result.ModelType,
		nullableString(result.VideoPath),
		string(result.Verdict),
		result.FakeProbability,
		result.OverallConfidence,
		string(payload),
		createdAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return false, fmt.Errorf("store verdict: %w", err)
	}
	return true, nil
}

// Cacheable reports whether result may be stored. Results produced with
// missing or failing backends are kept out so a recovered backend gets a
// fresh vote.
func Cacheable(result verdict.Result) bool {
	if result.VideoHash == "" || result.Verdict == verdict.Inconclusive || result.TimedOut || result.Degraded {
		return false
	}
	for _, b := range result.Backends {
		if b.Failures > 0 {
			return false
		}
	}
	return true
}

// History lists cached verdicts, newest first.
func (s *Store) History(ctx context.Context, filter HistoryFilter) ([]Entry, error) {
	ctx = ensureContext(ctx)
	query := `SELECT video_hash, fingerprint, model_type, video_path, category,
        fake_probability, confidence, created_at FROM verdicts`
	var args []any
	if filter.Category != "" {
		query += ` WHERE category = ?`
		args = append(args, string(filter.Category))
	}
	query += ` ORDER BY created_at DESC, video_hash`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list verdicts: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			entry      Entry
			videoPath  sql.NullString
			category   string
			createdRaw string
		)
		if err := rows.Scan(
			&entry.VideoHash,
			&entry.Fingerprint,
			&entry.ModelType,
			&videoPath,
			&category,
			&entry.FakeProbability,
			&entry.Confidence,
			&createdRaw,
		); err != nil {
			return nil, fmt.Errorf("scan verdict: %w", err)
		}
		entry.VideoPath = videoPath.String
		entry.Category = verdict.Category(category)
		entry.CreatedAt = parseTime(createdRaw)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate verdicts: %w", err)
	}
	return entries, nil
}

// Clear removes every cached verdict and reports how many were deleted.
// A non-empty hash removes only that video's entries.
func (s *Store) Clear(ctx context.Context, hash string) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if strings.TrimSpace(hash) == "" {
		res, err = s.execWithRetry(ctx, `DELETE FROM verdicts`)
	} else {
		res, err = s.execWithRetry(ctx, `DELETE FROM verdicts WHERE video_hash = ?`, hash)
	}
	if err != nil {
		return 0, fmt.Errorf("clear verdicts: %w", err)
	}
	return res.RowsAffected()
}

// Count returns the number of cached verdicts.
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ensureContext(ctx), `SELECT COUNT(1) FROM verdicts`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count verdicts: %w", err)
	}
	return count, nil
}

// Fingerprint hashes the settings that influence a verdict so results
// produced under different settings never collide.
func Fingerprint(settings any) (string, error) {
	data, err := json.Marshal(settings)
	if err != nil {
		return "", fmt.Errorf("fingerprint settings: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:16]), nil
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *Store) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx = ensureContext(ctx)
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Store) execWithoutResultRetry(ctx context.Context, query string, args ...any) error {
	ctx = ensureContext(ctx)
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}

func nullableString(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t
	}
	return time.Time{}
}
