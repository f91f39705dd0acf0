package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"quotawatch/pkg/usage"
)

// SQLiteStore implements Store using SQLite for persistence.
//
// It uses a write-ahead log (WAL) for better concurrent read performance
// and periodic checkpointing to balance write performance with durability.
// SQLite supports a single writer, so the connection pool is pinned to one
// connection and writes serialize behind a mutex.
type SQLiteStore struct {
	db                 *sql.DB
	dbPath             string
	resetDropRatio     float64
	checkpointInterval time.Duration
	done               chan struct{}
	mu                 sync.RWMutex
	closeOnce          sync.Once

	// preparedStatements contains pre-compiled SQL statements for reuse
	insertStmt      *sql.Stmt
	prevStmt        *sql.Stmt
	insertResetStmt *sql.Stmt
	latestForStmt   *sql.Stmt
	historyStmt     *sql.Stmt
	allHistoryStmt  *sql.Stmt
	resetsStmt      *sql.Stmt
	pruneStmt       *sql.Stmt
	pruneResetsStmt *sql.Stmt
}

// SQLiteConfig configures the SQLite store.
type SQLiteConfig struct {
	// DBPath is the path to the SQLite database file.
	DBPath string

	// ResetDropRatio is the minimum usage drop, as a fraction of the
	// previous allotment, recorded as a reset event. Default 0.20.
	ResetDropRatio float64

	// CheckpointInterval is how often to checkpoint the WAL.
	// Default: 5 minutes
	CheckpointInterval time.Duration

	// BusyTimeout is how long to wait for locks before failing.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// NewSQLiteStore creates a SQLite store with default settings.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithConfig(SQLiteConfig{DBPath: dbPath})
}

// NewSQLiteStoreWithConfig creates a SQLite store with custom configuration.
func NewSQLiteStoreWithConfig(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if cfg.ResetDropRatio <= 0 {
		cfg.ResetDropRatio = 0.20
	}
	if cfg.CheckpointInterval == 0 {
		cfg.CheckpointInterval = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL",
		cfg.DBPath, int(cfg.BusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{
		db:                 db,
		dbPath:             cfg.DBPath,
		resetDropRatio:     cfg.ResetDropRatio,
		checkpointInterval: cfg.CheckpointInterval,
		done:               make(chan struct{}),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	go s.checkpointLoop()

	return s, nil
}

// initSchema creates the database schema if it doesn't exist.
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage_samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		provider_id TEXT NOT NULL,
		fetched_at INTEGER NOT NULL,
		is_available INTEGER NOT NULL,
		used REAL NOT NULL,
		available REAL NOT NULL,
		record TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_samples_provider_time
		ON usage_samples(provider_id, fetched_at);
	CREATE INDEX IF NOT EXISTS idx_samples_time ON usage_samples(fetched_at);

	CREATE TABLE IF NOT EXISTS reset_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		provider_id TEXT NOT NULL,
		occurred_at INTEGER NOT NULL,
		previous_used REAL NOT NULL,
		new_used REAL NOT NULL,
		drop_amount REAL NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_resets_provider_time
		ON reset_events(provider_id, occurred_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// prepareStatements prepares SQL statements for reuse.
func (s *SQLiteStore) prepareStatements() error {
	var err error

	s.insertStmt, err = s.db.Prepare(`
		INSERT INTO usage_samples (provider_id, fetched_at, is_available, used, available, record)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert statement: %w", err)
	}

	s.prevStmt, err = s.db.Prepare(`
		SELECT used, available FROM usage_samples
		WHERE provider_id = ? AND is_available = 1
		ORDER BY fetched_at DESC, id DESC
		LIMIT 1
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare previous-sample statement: %w", err)
	}

	s.insertResetStmt, err = s.db.Prepare(`
		INSERT INTO reset_events (provider_id, occurred_at, previous_used, new_used, drop_amount)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare reset insert statement: %w", err)
	}

	s.latestForStmt, err = s.db.Prepare(`
		SELECT record FROM usage_samples
		WHERE provider_id = ?
		ORDER BY fetched_at DESC, id DESC
		LIMIT 1
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare latest statement: %w", err)
	}

	s.historyStmt, err = s.db.Prepare(`
		SELECT record FROM usage_samples
		WHERE provider_id = ?
		ORDER BY fetched_at DESC, id DESC
		LIMIT ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare history statement: %w", err)
	}

	s.allHistoryStmt, err = s.db.Prepare(`
		SELECT record FROM usage_samples
		ORDER BY fetched_at DESC, id DESC
		LIMIT ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare all-history statement: %w", err)
	}

	s.resetsStmt, err = s.db.Prepare(`
		SELECT provider_id, occurred_at, previous_used, new_used, drop_amount
		FROM reset_events
		WHERE provider_id = ?
		ORDER BY occurred_at DESC, id DESC
		LIMIT ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare resets statement: %w", err)
	}

	s.pruneStmt, err = s.db.Prepare(`
		DELETE FROM usage_samples WHERE fetched_at < ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare prune statement: %w", err)
	}

	s.pruneResetsStmt, err = s.db.Prepare(`
		DELETE FROM reset_events WHERE occurred_at < ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare reset prune statement: %w", err)
	}

	return nil
}

// Append persists one sample. When both the previous and the new sample
// are available and Used dropped by at least resetDropRatio of the
// previous allotment, a reset event is recorded alongside.
func (s *SQLiteStore) Append(ctx context.Context, rec usage.ProviderUsage) error {
	if rec.ProviderID == "" {
		return fmt.Errorf("provider id cannot be empty")
	}
	if rec.FetchedAt.IsZero() {
		rec.FetchedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode usage record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Reset detection needs the previous successful sample before the
	// insert lands.
	var prevUsed, prevAvail float64
	havePrev := false
	if rec.IsAvailable {
		err := s.prevStmt.QueryRowContext(ctx, rec.ProviderID).Scan(&prevUsed, &prevAvail)
		switch {
		case err == sql.ErrNoRows:
		case err != nil:
			return fmt.Errorf("failed to load previous sample: %w", err)
		default:
			havePrev = true
		}
	}

	available := 0
	if rec.IsAvailable {
		available = 1
	}
	_, err = s.insertStmt.ExecContext(ctx,
		rec.ProviderID,
		rec.FetchedAt.UnixMilli(),
		available,
		rec.Used,
		rec.Available,
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to append sample: %w", err)
	}

	if havePrev {
		// Same rule the forecast uses for cycle trimming.
		drop := prevUsed - rec.Used
		base := math.Max(prevUsed, prevAvail)
		if drop > 0 && base > 0 && drop >= s.resetDropRatio*base {
			_, err = s.insertResetStmt.ExecContext(ctx,
				rec.ProviderID,
				rec.FetchedAt.UnixMilli(),
				prevUsed,
				rec.Used,
				drop,
			)
			if err != nil {
				return fmt.Errorf("failed to record reset event: %w", err)
			}
		}
	}

	return nil
}

// Latest returns the newest sample per provider id, sorted by id.
func (s *SQLiteStore) Latest(ctx context.Context) ([]usage.ProviderUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT record FROM usage_samples u
		WHERE u.id = (
			SELECT id FROM usage_samples
			WHERE provider_id = u.provider_id
			ORDER BY fetched_at DESC, id DESC
			LIMIT 1
		)
		ORDER BY u.provider_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest samples: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// LatestFor returns the newest sample for one provider id, or nil.
func (s *SQLiteStore) LatestFor(ctx context.Context, providerID string) (*usage.ProviderUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var payload string
	err := s.latestForStmt.QueryRowContext(ctx, providerID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest sample: %w", err)
	}

	var rec usage.ProviderUsage
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode usage record: %w", err)
	}
	return &rec, nil
}

// History returns up to limit newest samples for a provider, ascending.
func (s *SQLiteStore) History(ctx context.Context, providerID string, limit int) ([]usage.ProviderUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.historyStmt.QueryContext(ctx, providerID, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	reverse(records)
	return records, nil
}

// AllHistory returns up to limit newest samples across all providers,
// ascending.
func (s *SQLiteStore) AllHistory(ctx context.Context, limit int) ([]usage.ProviderUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.allHistoryStmt.QueryContext(ctx, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	reverse(records)
	return records, nil
}

// ResetEvents returns up to limit newest reset events, newest first.
func (s *SQLiteStore) ResetEvents(ctx context.Context, providerID string, limit int) ([]ResetEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.resetsStmt.QueryContext(ctx, providerID, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query reset events: %w", err)
	}
	defer rows.Close()

	var events []ResetEvent
	for rows.Next() {
		var ev ResetEvent
		var occurredAt int64
		if err := rows.Scan(&ev.ProviderID, &occurredAt, &ev.PreviousUsed, &ev.NewUsed, &ev.DropAmount); err != nil {
			return nil, fmt.Errorf("failed to scan reset event: %w", err)
		}
		ev.OccurredAt = time.UnixMilli(occurredAt).UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reset events: %w", err)
	}
	return events, nil
}

// Prune deletes samples and reset events older than the cutoff and
// returns the number of samples removed.
func (s *SQLiteStore) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.pruneStmt.ExecContext(ctx, olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune samples: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if _, err := s.pruneResetsStmt.ExecContext(ctx, olderThan.UnixMilli()); err != nil {
		return int(deleted), fmt.Errorf("failed to prune reset events: %w", err)
	}

	return int(deleted), nil
}

// Close releases the store's resources.
// Close is idempotent and safe to call multiple times.
func (s *SQLiteStore) Close() error {
	var closeErr error

	s.closeOnce.Do(func() {
		close(s.done)

		for _, stmt := range []*sql.Stmt{
			s.insertStmt, s.prevStmt, s.insertResetStmt,
			s.latestForStmt, s.historyStmt, s.allHistoryStmt,
			s.resetsStmt, s.pruneStmt, s.pruneResetsStmt,
		} {
			if stmt != nil {
				stmt.Close()
			}
		}

		if s.db != nil {
			// Run final checkpoint
			_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
			closeErr = s.db.Close()
		}
	})

	return closeErr
}

// checkpointLoop runs periodic WAL checkpoints.
func (s *SQLiteStore) checkpointLoop() {
	ticker := time.NewTicker(s.checkpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = s.db.Exec("PRAGMA wal_checkpoint(PASSIVE)")
		case <-s.done:
			return
		}
	}
}

// sqlLimit converts the interface's "<=0 means unlimited" convention to
// SQLite's negative-limit convention.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func scanRecords(rows *sql.Rows) ([]usage.ProviderUsage, error) {
	var records []usage.ProviderUsage
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		var rec usage.ProviderUsage
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode usage record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return records, nil
}

func reverse(records []usage.ProviderUsage) {
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
}
