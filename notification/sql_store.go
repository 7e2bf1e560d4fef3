package notification

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/qustavo/dotsql"
)

//go:embed queries/*.sql
var queriesFS embed.FS

const (
	maxOpenConns    = 16
	maxIdleConns    = 4
	connMaxIdleTime = 5 * time.Minute
	connMaxLifetime = 30 * time.Minute
)

// OpenSQL connects to the notification log database.
// Supported URL schemes: sqlite://, postgres://
// SQLite URLs: sqlite://path/to/file.db or sqlite:///absolute/path
func OpenSQL(dbURL string) (*sqlx.DB, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return nil, fmt.Errorf("invalid database URL: %w", err)
	}

	var driverName, dataSource string
	switch u.Scheme {
	case "sqlite":
		driverName = "sqlite3"
		if u.Host != "" {
			dataSource = u.Host + u.Path
		} else {
			dataSource = u.Path
		}
	case "postgres":
		driverName = "postgres"
		dataSource = dbURL
	default:
		return nil, fmt.Errorf("unsupported database scheme: %s (expected sqlite or postgres)", u.Scheme)
	}

	db, err := sqlx.Open(driverName, dataSource)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	if driverName == "sqlite3" {
		// sqlite serialises writers; a single connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxIdleTime(connMaxIdleTime)
	db.SetConnMaxLifetime(connMaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// SQLLogStore is a LogStore backed by sqlite or PostgreSQL. The key column
// is the primary key, so Insert doubles as an atomic claim.
type SQLLogStore struct {
	db  *sqlx.DB
	dot *dotsql.DotSql
}

// NewSQLLogStore loads the embedded queries and creates the log table if needed.
func NewSQLLogStore(ctx context.Context, db *sqlx.DB) (*SQLLogStore, error) {
	var combined string
	err := fs.WalkDir(queriesFS, "queries", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".sql" {
			return nil
		}
		content, err := queriesFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		combined += string(content) + "\n"
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load query files: %w", err)
	}

	dot, err := dotsql.LoadFromString(combined)
	if err != nil {
		return nil, fmt.Errorf("failed to parse queries: %w", err)
	}

	s := &SQLLogStore{db: db, dot: dot}
	if err := s.exec(ctx, "create-notification-log-table"); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLLogStore) query(name string) (string, error) {
	query, err := s.dot.Raw(name)
	if err != nil {
		return "", fmt.Errorf("query not found: %s", name)
	}
	return s.db.Rebind(query), nil
}

func (s *SQLLogStore) exec(ctx context.Context, name string, args ...any) error {
	query, err := s.query(name)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (s *SQLLogStore) Get(ctx context.Context, key string) (*LogEntry, error) {
	query, err := s.query("get-notification-log-entry")
	if err != nil {
		return nil, err
	}

	var entry LogEntry
	if err := s.db.GetContext(ctx, &entry, query, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLogEntryNotFound
		}
		return nil, fmt.Errorf("failed to get notification log entry: %w", err)
	}
	entry.LastSentAt = entry.LastSentAt.UTC()
	return &entry, nil
}

func (s *SQLLogStore) Insert(ctx context.Context, entry LogEntry) error {
	err := s.exec(ctx, "insert-notification-log-entry", entryArgs(entry)...)
	if isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	return err
}

func (s *SQLLogStore) Upsert(ctx context.Context, entry LogEntry) error {
	return s.exec(ctx, "upsert-notification-log-entry", entryArgs(entry)...)
}

func (s *SQLLogStore) Delete(ctx context.Context, key string) error {
	return s.exec(ctx, "delete-notification-log-entry", key)
}

func entryArgs(e LogEntry) []any {
	return []any{e.UID, e.Key, e.TemplateUID, e.TargetUID, e.AllowMultiple, e.TriggeredBy, e.LastSentAt.UTC()}
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
