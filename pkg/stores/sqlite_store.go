package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/goalflow/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var (
	_ Store             = (*SQLiteStore)(nil)
	_ engine.StateStore = (*SQLiteStore)(nil)
)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// SaveSnapshot upserts the snapshot of one change event. A snapshot older than
// the stored one (lower version of the same submission) is ignored, so
// concurrent writers cannot roll the stored state back.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snapshot *engine.Snapshot) error {
	if snapshot == nil || snapshot.ChangeEvent.ID == "" {
		return engine.NewPermanentError("snapshot without change event id", nil).WithCode(engine.ErrCodeValidation)
	}

	document, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO snapshots (
			change_event_id, graph, fingerprint, version, complete, submitted_unix, document, submitted_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(change_event_id) DO UPDATE SET
			graph = excluded.graph,
			fingerprint = excluded.fingerprint,
			version = excluded.version,
			complete = excluded.complete,
			submitted_unix = excluded.submitted_unix,
			document = excluded.document,
			submitted_at = excluded.submitted_at,
			updated_at = excluded.updated_at
		WHERE excluded.submitted_unix > snapshots.submitted_unix
			OR (excluded.submitted_unix = snapshots.submitted_unix AND excluded.version > snapshots.version)
	`

	result, err := tx.ExecContext(ctx, query,
		snapshot.ChangeEvent.ID,
		snapshot.Graph,
		snapshot.Fingerprint,
		snapshot.Version,
		snapshot.Complete,
		snapshot.SubmittedAt.UnixNano(),
		string(document),
		snapshot.SubmittedAt.UTC(),
		snapshot.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert snapshot: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		// stale write
		return nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM goal_states WHERE change_event_id = ?`, snapshot.ChangeEvent.ID); err != nil {
		return fmt.Errorf("failed to clear goal states: %w", err)
	}

	for _, g := range snapshot.Goals {
		var reason *string
		if g.Reason != "" {
			reason = &g.Reason
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO goal_states (change_event_id, goal, environment, state, attempt, reason, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, snapshot.ChangeEvent.ID, g.Goal, string(g.Environment), string(g.State), g.Attempt, reason, g.UpdatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert goal state %s: %w", g.Goal, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot retrieves the stored snapshot of a change event.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context, changeEventID string) (*engine.Snapshot, error) {
	var document string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM snapshots WHERE change_event_id = ?`, changeEventID,
	).Scan(&document)

	if err == sql.ErrNoRows {
		return nil, engine.NewPermanentError(fmt.Sprintf("no snapshot stored for change event %s", changeEventID), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	snapshot := &engine.Snapshot{}
	if err := json.Unmarshal([]byte(document), snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return snapshot, nil
}

// ListSnapshots lists stored snapshots, most recently updated first.
func (s *SQLiteStore) ListSnapshots(ctx context.Context, opts ListOptions) ([]*SnapshotSummary, error) {
	query := `
		SELECT change_event_id, graph, fingerprint, version, complete, submitted_at, updated_at
		FROM snapshots
		WHERE 1=1
	`
	args := []interface{}{}

	if opts.Complete != nil {
		query += " AND complete = ?"
		args = append(args, *opts.Complete)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY updated_at DESC, change_event_id LIMIT ? OFFSET ?"
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var summaries []*SnapshotSummary
	for rows.Next() {
		summary := &SnapshotSummary{}
		err := rows.Scan(
			&summary.ChangeEventID,
			&summary.Graph,
			&summary.Fingerprint,
			&summary.Version,
			&summary.Complete,
			&summary.SubmittedAt,
			&summary.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		summaries = append(summaries, summary)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}

	return summaries, nil
}

// DeleteSnapshot deletes a snapshot together with its goal states.
func (s *SQLiteStore) DeleteSnapshot(ctx context.Context, changeEventID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE change_event_id = ?`, changeEventID)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewPermanentError(fmt.Sprintf("no snapshot stored for change event %s", changeEventID), nil).
			WithCode(engine.ErrCodeNotFound)
	}

	return nil
}

// PruneCompleted deletes complete snapshots last updated before the given time.
func (s *SQLiteStore) PruneCompleted(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE complete = 1 AND updated_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}

	return result.RowsAffected()
}

// ListGoalStates returns the goal states of one change event.
func (s *SQLiteStore) ListGoalStates(ctx context.Context, changeEventID string) ([]*GoalStateRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT change_event_id, goal, environment, state, attempt, reason, updated_at
		FROM goal_states
		WHERE change_event_id = ?
		ORDER BY goal
	`, changeEventID)
	if err != nil {
		return nil, fmt.Errorf("failed to list goal states: %w", err)
	}
	defer rows.Close()

	var states []*GoalStateRow
	for rows.Next() {
		row := &GoalStateRow{}
		err := rows.Scan(
			&row.ChangeEventID,
			&row.Goal,
			&row.Environment,
			&row.State,
			&row.Attempt,
			&row.Reason,
			&row.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan goal state: %w", err)
		}
		states = append(states, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating goal states: %w", err)
	}

	return states, nil
}

// CountGoalsByState counts stored goal instances per state across all change events.
func (s *SQLiteStore) CountGoalsByState(ctx context.Context) (map[engine.GoalState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM goal_states GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count goal states: %w", err)
	}
	defer rows.Close()

	counts := make(map[engine.GoalState]int)
	for rows.Next() {
		var state engine.GoalState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan goal state count: %w", err)
		}
		counts[state] = n
	}

	return counts, rows.Err()
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
