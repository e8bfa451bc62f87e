package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	// SQL drivers
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLRepository implements Repository using a SQL database. Concurrency is
// handled by database-level locking; no Go mutex is needed.
type SQLRepository struct {
	db          *sql.DB
	dialect     string
	maxSessions int
	ttl         time.Duration
}

// sessionRow maps to the sessions table. History and metadata are stored as
// JSON blobs; sessions are small enough that normalizing turns buys nothing.
type sessionRow struct {
	ID             string
	Cwd            string
	HistoryJSON    string
	MetadataJSON   string
	CreatedAt      time.Time
	LastAccessedAt time.Time
}

const createSessionsSchemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    id VARCHAR(255) PRIMARY KEY,
    cwd TEXT,
    history_json TEXT,
    metadata_json TEXT,
    created_at TIMESTAMP NOT NULL,
    last_accessed_at TIMESTAMP NOT NULL
)`

const createSessionsIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_sessions_last_accessed ON sessions(last_accessed_at)`

// NewSQLRepository creates a SQL-backed repository and bootstraps the schema.
func NewSQLRepository(db *sql.DB, dialect string, maxSessions int, ttl time.Duration) (*SQLRepository, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	switch dialect {
	case "postgres", "mysql", "sqlite", "sqlite3":
		if dialect == "sqlite3" {
			dialect = "sqlite"
		}
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}

	r := &SQLRepository{
		db:          db,
		dialect:     dialect,
		maxSessions: maxSessions,
		ttl:         ttl,
	}

	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return r, nil
}

func (r *SQLRepository) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Execute each statement separately for SQLite compatibility.
	statements := []string{
		createSessionsSchemaSQL,
		createSessionsIndexSQL,
	}
	for _, stmt := range statements {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func (r *SQLRepository) Create(ctx context.Context, s *Session) (*Session, error) {
	now := time.Now()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := r.evictForCapacityTx(ctx, tx); err != nil {
		return nil, err
	}

	created := *s
	created.ID = uuid.New().String()
	created.CreatedAt = now
	created.LastAccessedAt = now

	row, err := sessionToRow(&created)
	if err != nil {
		return nil, err
	}

	query := r.placeholders(`INSERT INTO sessions (id, cwd, history_json, metadata_json, created_at, last_accessed_at)
              VALUES (?, ?, ?, ?, ?, ?)`)
	_, err = tx.ExecContext(ctx, query,
		row.ID, row.Cwd, row.HistoryJSON, row.MetadataJSON, row.CreatedAt, row.LastAccessedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return &created, nil
}

// evictForCapacityTx removes the least recently accessed sessions until the
// store is below capacity.
func (r *SQLRepository) evictForCapacityTx(ctx context.Context, tx *sql.Tx) error {
	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&count); err != nil {
		return fmt.Errorf("failed to count sessions: %w", err)
	}
	for count >= r.maxSessions {
		query := r.placeholders(`DELETE FROM sessions WHERE id IN (
			SELECT id FROM sessions ORDER BY last_accessed_at ASC LIMIT 1)`)
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to evict session: %w", err)
		}
		count--
	}
	return nil
}

func (r *SQLRepository) Get(ctx context.Context, id string) (*Session, error) {
	now := time.Now()

	query := r.placeholders(`SELECT id, cwd, history_json, metadata_json, created_at, last_accessed_at
              FROM sessions WHERE id = ?`)

	var row sessionRow
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&row.ID, &row.Cwd, &row.HistoryJSON, &row.MetadataJSON, &row.CreatedAt, &row.LastAccessedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	s, err := rowToSession(&row)
	if err != nil {
		return nil, err
	}

	if expired(s, r.ttl, now) {
		_ = r.Delete(ctx, id)
		return nil, nil
	}

	touchQuery := r.placeholders(`UPDATE sessions SET last_accessed_at = ? WHERE id = ?`)
	if _, err := r.db.ExecContext(ctx, touchQuery, now, id); err != nil {
		return nil, fmt.Errorf("failed to touch session: %w", err)
	}
	s.LastAccessedAt = now

	return s, nil
}

func (r *SQLRepository) Update(ctx context.Context, id string, partial *Session) (*Session, error) {
	now := time.Now()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := r.placeholders(`SELECT id, cwd, history_json, metadata_json, created_at, last_accessed_at
              FROM sessions WHERE id = ?`)

	var row sessionRow
	err = tx.QueryRowContext(ctx, query, id).Scan(
		&row.ID, &row.Cwd, &row.HistoryJSON, &row.MetadataJSON, &row.CreatedAt, &row.LastAccessedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	s, err := rowToSession(&row)
	if err != nil {
		return nil, err
	}
	if expired(s, r.ttl, now) {
		return nil, ErrNotFound
	}

	if partial.Cwd != "" {
		s.Cwd = partial.Cwd
	}
	if partial.History != nil {
		s.History = partial.History
	}
	if partial.Metadata != nil {
		s.Metadata = partial.Metadata
	}
	s.LastAccessedAt = now

	updated, err := sessionToRow(s)
	if err != nil {
		return nil, err
	}

	updateQuery := r.placeholders(`UPDATE sessions SET cwd = ?, history_json = ?, metadata_json = ?, last_accessed_at = ?
              WHERE id = ?`)
	_, err = tx.ExecContext(ctx, updateQuery,
		updated.Cwd, updated.HistoryJSON, updated.MetadataJSON, updated.LastAccessedAt, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return s, nil
}

func (r *SQLRepository) Delete(ctx context.Context, id string) error {
	query := r.placeholders(`DELETE FROM sessions WHERE id = ?`)
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (r *SQLRepository) List(ctx context.Context) ([]*Session, error) {
	now := time.Now()

	rows, err := r.db.QueryContext(ctx, `SELECT id, cwd, history_json, metadata_json, created_at, last_accessed_at
              FROM sessions ORDER BY last_accessed_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var row sessionRow
		if err := rows.Scan(&row.ID, &row.Cwd, &row.HistoryJSON, &row.MetadataJSON, &row.CreatedAt, &row.LastAccessedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		s, err := rowToSession(&row)
		if err != nil {
			return nil, err
		}
		if expired(s, r.ttl, now) {
			continue
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (r *SQLRepository) Find(ctx context.Context, filter Filter) ([]*Session, error) {
	sessions, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Session, 0, len(sessions))
	for _, s := range sessions {
		if filter.matches(s) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *SQLRepository) Clear(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sessions`); err != nil {
		return fmt.Errorf("failed to clear sessions: %w", err)
	}
	return nil
}

func (r *SQLRepository) GetStats(ctx context.Context) (Stats, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&count); err != nil {
		return Stats{}, fmt.Errorf("failed to count sessions: %w", err)
	}
	return Stats{
		Count:       count,
		MaxSessions: r.maxSessions,
		TTL:         r.ttl,
	}, nil
}

// RemoveExpired deletes sessions past the TTL. Intended to be called
// periodically by the owning process.
func (r *SQLRepository) RemoveExpired(ctx context.Context) error {
	if r.ttl <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-r.ttl)
	query := r.placeholders(`DELETE FROM sessions WHERE last_accessed_at < ?`)
	if _, err := r.db.ExecContext(ctx, query, cutoff); err != nil {
		return fmt.Errorf("failed to remove expired sessions: %w", err)
	}
	return nil
}

// placeholders rewrites ? placeholders to $1, $2, ... for postgres.
func (r *SQLRepository) placeholders(query string) string {
	if r.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 20)
	paramNum := 1
	for _, c := range query {
		if c == '?' {
			fmt.Fprintf(&b, "$%d", paramNum)
			paramNum++
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

func sessionToRow(s *Session) (*sessionRow, error) {
	row := &sessionRow{
		ID:             s.ID,
		Cwd:            s.Cwd,
		CreatedAt:      s.CreatedAt,
		LastAccessedAt: s.LastAccessedAt,
	}
	if len(s.History) > 0 {
		b, err := json.Marshal(s.History)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal history: %w", err)
		}
		row.HistoryJSON = string(b)
	}
	if len(s.Metadata) > 0 {
		b, err := json.Marshal(s.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}
		row.MetadataJSON = string(b)
	}
	return row, nil
}

func rowToSession(row *sessionRow) (*Session, error) {
	s := &Session{
		ID:             row.ID,
		Cwd:            row.Cwd,
		CreatedAt:      row.CreatedAt,
		LastAccessedAt: row.LastAccessedAt,
	}
	if row.HistoryJSON != "" {
		if err := json.Unmarshal([]byte(row.HistoryJSON), &s.History); err != nil {
			return nil, fmt.Errorf("failed to unmarshal history: %w", err)
		}
	}
	if row.MetadataJSON != "" {
		if err := json.Unmarshal([]byte(row.MetadataJSON), &s.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return s, nil
}

// Compile-time interface checks
var (
	_ Repository = (*MemoryRepository)(nil)
	_ Repository = (*SQLRepository)(nil)
)
