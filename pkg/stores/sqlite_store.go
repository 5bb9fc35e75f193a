package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/openfroyo/taskorch/pkg/engine"
	"github.com/openfroyo/taskorch/pkg/task"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	config Config
	clock  clockwork.Clock
	logger zerolog.Logger
}

// Config holds SQLite store configuration
type Config struct {
	Path            string        `mapstructure:"path" yaml:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithSQLiteLogger sets the store logger.
func WithSQLiteLogger(logger zerolog.Logger) SQLiteOption {
	return func(s *SQLiteStore) { s.logger = logger.With().Str("component", "sqlite_store").Logger() }
}

// WithSQLiteClock sets the clock used for row timestamps.
func WithSQLiteClock(clock clockwork.Clock) SQLiteOption {
	return func(s *SQLiteStore) { s.clock = clock }
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config, opts ...SQLiteOption) (*SQLiteStore, error) {
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
	// Every connection to :memory: opens a distinct database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	s := &SQLiteStore{
		config: cfg,
		clock:  clockwork.NewRealClock(),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.config.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.config.MaxOpenConns)
	db.SetMaxIdleConns(s.config.MaxIdleConns)
	db.SetConnMaxLifetime(s.config.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Ensure foreign keys are enabled (connection-level setting)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
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

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// withTx runs fn in a transaction, committing when it returns nil.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SaveSpecs stores root specs, replacing specs with the same id.
func (s *SQLiteStore) SaveSpecs(ctx context.Context, specs []*task.Spec) (engine.Result, error) {
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return engine.Result{Code: engine.ResultError, Message: err.Error()}, nil
		}
	}

	query := `
		INSERT INTO specs (id, fingerprint, definition, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			definition = excluded.definition,
			updated_at = excluded.updated_at
	`

	now := s.clock.Now().UTC()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, spec := range specs {
			fp, err := spec.Fingerprint()
			if err != nil {
				return fmt.Errorf("failed to fingerprint spec %s: %w", spec.ID, err)
			}
			definition, err := json.Marshal(spec)
			if err != nil {
				return fmt.Errorf("failed to marshal spec %s: %w", spec.ID, err)
			}
			if _, err := tx.ExecContext(ctx, query, spec.ID, fmt.Sprintf("%016x", fp), string(definition), now, now); err != nil {
				return fmt.Errorf("failed to save spec %s: %w", spec.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return engine.Result{Code: engine.ResultError, Message: err.Error()}, err
	}
	return engine.OKResult(), nil
}

// ListAllSpecs returns every stored root spec in insertion order.
func (s *SQLiteStore) ListAllSpecs(ctx context.Context) ([]*task.Spec, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, definition FROM specs ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to list specs: %w", err)
	}
	defer rows.Close()

	specs := []*task.Spec{}
	for rows.Next() {
		var id, definition string
		if err := rows.Scan(&id, &definition); err != nil {
			return nil, fmt.Errorf("failed to scan spec: %w", err)
		}
		spec := &task.Spec{}
		if err := json.Unmarshal([]byte(definition), spec); err != nil {
			return nil, fmt.Errorf("failed to decode spec %s: %w", id, err)
		}
		specs = append(specs, spec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating specs: %w", err)
	}

	return specs, nil
}

// SpecFingerprint returns the stored fingerprint of a root spec.
func (s *SQLiteStore) SpecFingerprint(ctx context.Context, id string) (string, error) {
	var fp string
	err := s.db.QueryRowContext(ctx, `SELECT fingerprint FROM specs WHERE id = ?`, id).Scan(&fp)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("spec not found: %s", id)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get spec fingerprint: %w", err)
	}
	return fp, nil
}

// FindSpecsMatchingDependency returns every root spec with a subspec
// depending on name.
func (s *SQLiteStore) FindSpecsMatchingDependency(ctx context.Context, name string) ([]task.SpecMatch, error) {
	specs, err := s.ListAllSpecs(ctx)
	if err != nil {
		return nil, err
	}

	var matches []task.SpecMatch
	for _, root := range specs {
		if matched := root.CollectDependent(task.Names(name)); len(matched) > 0 {
			matches = append(matches, task.SpecMatch{Root: root, Matched: matched})
		}
	}
	return matches, nil
}

// loadForest loads the roots selected by where, in insertion order.
func (s *SQLiteStore) loadForest(ctx context.Context, q querier, where string, args ...interface{}) (*forest, error) {
	query := `SELECT id, tree FROM instances`
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY rowid"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}
	defer rows.Close()

	f := newForest(s.logger)
	for rows.Next() {
		var id, tree string
		if err := rows.Scan(&id, &tree); err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		var root task.Instance
		if err := json.Unmarshal([]byte(tree), &root); err != nil {
			return nil, fmt.Errorf("failed to decode instance %s: %w", id, err)
		}
		f.put(root)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instances: %w", err)
	}

	return f, nil
}

// FindInstances returns the nodes realizing one of specs with a status in statuses.
func (s *SQLiteStore) FindInstances(ctx context.Context, specs []*task.Spec, statuses []task.Status) ([]task.Instance, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	ids := make([]interface{}, 0, len(specs))
	for _, spec := range specs {
		ids = append(ids, spec.ID)
	}
	f, err := s.loadForest(ctx, s.db,
		"id IN (SELECT root_id FROM instance_nodes WHERE spec_id IN ("+placeholders(len(ids))+"))", ids...)
	if err != nil {
		return nil, err
	}
	return f.findInstances(specs, statuses), nil
}

// FindInstanceByID returns the node with the given id.
func (s *SQLiteStore) FindInstanceByID(ctx context.Context, id string) (task.Instance, bool, error) {
	f, err := s.loadForest(ctx, s.db, "id IN (SELECT root_id FROM instance_nodes WHERE task_id = ?)", id)
	if err != nil {
		return task.Instance{}, false, err
	}
	inst, ok := f.findByID(id)
	return inst, ok, nil
}

// FindPendingHierarchyContaining returns a PENDING root containing id.
func (s *SQLiteStore) FindPendingHierarchyContaining(ctx context.Context, id string) (task.Instance, bool, error) {
	f, err := s.loadForest(ctx, s.db,
		"status = ? AND id IN (SELECT root_id FROM instance_nodes WHERE task_id = ?)", task.StatusPending, id)
	if err != nil {
		return task.Instance{}, false, err
	}
	inst, ok := f.pendingContaining(id)
	return inst, ok, nil
}

// FindHierarchyContaining returns the root of a tree containing id,
// preferring a PENDING one.
func (s *SQLiteStore) FindHierarchyContaining(ctx context.Context, id string) (task.Instance, bool, error) {
	f, err := s.loadForest(ctx, s.db, "id IN (SELECT root_id FROM instance_nodes WHERE task_id = ?)", id)
	if err != nil {
		return task.Instance{}, false, err
	}
	inst, ok := f.rootContaining(id)
	return inst, ok, nil
}

// SaveInstances stores the instances in one transaction.
func (s *SQLiteStore) SaveInstances(ctx context.Context, instances []task.Instance) (engine.Result, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, in := range instances {
			if err := s.saveInstance(ctx, tx, in); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return engine.Result{Code: engine.ResultError, Message: err.Error()}, err
	}
	return engine.OKResult(), nil
}

func (s *SQLiteStore) saveInstance(ctx context.Context, tx *sql.Tx, in task.Instance) error {
	own, err := s.loadForest(ctx, tx, "id = ?", in.ID)
	if err != nil {
		return err
	}
	if old, ok := own.roots[in.ID]; ok {
		return s.writeRoot(ctx, tx, &old, in)
	}

	containing, err := s.loadForest(ctx, tx, "id IN (SELECT root_id FROM instance_nodes WHERE task_id = ?)", in.ID)
	if err != nil {
		return err
	}
	if len(containing.order) == 0 {
		return s.writeRoot(ctx, tx, nil, in)
	}

	for _, root := range containing.list() {
		merged, ok := mergeBranch(root, in)
		if !ok {
			s.logger.Debug().Str("root", root.ID).Str("task_id", in.ID).Msg("No branch realizes the task spec, tree left unchanged")
			continue
		}
		if err := s.writeRoot(ctx, tx, &root, merged); err != nil {
			return err
		}
	}
	return nil
}

// writeRoot upserts a root, rebuilds its node index and appends the status
// transitions relative to before to the audit log.
func (s *SQLiteStore) writeRoot(ctx context.Context, tx *sql.Tx, before *task.Instance, root task.Instance) error {
	tree, err := json.Marshal(root)
	if err != nil {
		return fmt.Errorf("failed to marshal instance %s: %w", root.ID, err)
	}

	now := s.clock.Now().UTC()
	query := `
		INSERT INTO instances (id, spec_id, status, tree, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			spec_id = excluded.spec_id,
			status = excluded.status,
			tree = excluded.tree,
			updated_at = excluded.updated_at
	`
	if _, err := tx.ExecContext(ctx, query, root.ID, root.Spec.ID, root.Status, string(tree), now, now); err != nil {
		return fmt.Errorf("failed to save instance %s: %w", root.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM instance_nodes WHERE root_id = ?`, root.ID); err != nil {
		return fmt.Errorf("failed to clear instance nodes: %w", err)
	}

	var walkErr error
	root.Walk(func(n task.Instance) {
		if walkErr != nil {
			return
		}
		_, walkErr = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO instance_nodes (task_id, root_id, spec_id, status) VALUES (?, ?, ?, ?)`,
			n.ID, root.ID, n.Spec.ID, n.Status)
	})
	if walkErr != nil {
		return fmt.Errorf("failed to index instance nodes: %w", walkErr)
	}

	for _, entry := range transitions(before, root) {
		var from *string
		if entry.FromStatus != "" {
			v := string(entry.FromStatus)
			from = &v
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO audit_log (task_id, root_id, spec_id, from_status, to_status, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)
		`, entry.TaskID, entry.RootID, entry.SpecID, from, entry.ToStatus, now)
		if err != nil {
			return fmt.Errorf("failed to create audit entry: %w", err)
		}
	}

	return nil
}

// ListRoots lists stored roots with a status in statuses, oldest first.
func (s *SQLiteStore) ListRoots(ctx context.Context, statuses []task.Status, limit, offset int) ([]task.Instance, error) {
	where := ""
	args := make([]interface{}, 0, len(statuses)+2)
	if len(statuses) > 0 {
		where = "status IN (" + placeholders(len(statuses)) + ")"
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	f, err := s.loadForest(ctx, s.db, where, args...)
	if err != nil {
		return nil, err
	}
	return page(f.list(), limit, offset), nil
}

// SaveUnroutable appends an unroutable event and returns its id.
func (s *SQLiteStore) SaveUnroutable(ctx context.Context, event engine.UnroutableEvent) (int64, error) {
	payload, err := json.Marshal(event.Event.Payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := `
		INSERT INTO unroutable_events (event_id, event_type, payload, reason, received_at)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.Event.ID,
		event.Event.Type,
		string(payload),
		event.Reason,
		event.ReceivedAt.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to save unroutable event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get unroutable event ID: %w", err)
	}
	return id, nil
}

// ListUnroutable lists stored unroutable events, oldest first.
func (s *SQLiteStore) ListUnroutable(ctx context.Context, limit, offset int) ([]UnroutableRecord, error) {
	query := `
		SELECT id, event_id, event_type, payload, reason, received_at
		FROM unroutable_events
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, sqlLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list unroutable events: %w", err)
	}
	defer rows.Close()

	records := []UnroutableRecord{}
	for rows.Next() {
		var rec UnroutableRecord
		var payload sql.NullString
		err := rows.Scan(
			&rec.ID,
			&rec.Event.ID,
			&rec.Event.Type,
			&payload,
			&rec.Reason,
			&rec.ReceivedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan unroutable event: %w", err)
		}
		if payload.Valid && payload.String != "" && payload.String != "null" {
			if err := json.Unmarshal([]byte(payload.String), &rec.Event.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode payload of unroutable event %d: %w", rec.ID, err)
			}
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating unroutable events: %w", err)
	}

	return records, nil
}

// DeleteUnroutable deletes a stored unroutable event.
func (s *SQLiteStore) DeleteUnroutable(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM unroutable_events WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete unroutable event: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("unroutable event not found: %d", id)
	}

	return nil
}

// ListAuditEntries lists audit entries, oldest first, optionally for one task.
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, taskID *string, limit, offset int) ([]*AuditEntry, error) {
	query := `
		SELECT id, task_id, root_id, spec_id, from_status, to_status, timestamp
		FROM audit_log
		WHERE (? IS NULL OR task_id = ?)
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, taskID, taskID, sqlLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		var from sql.NullString
		err := rows.Scan(
			&entry.ID,
			&entry.TaskID,
			&entry.RootID,
			&entry.SpecID,
			&from,
			&entry.ToStatus,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entry.FromStatus = task.Status(from.String)
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// sqlLimit maps a non-positive limit to SQLite's "no limit".
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
