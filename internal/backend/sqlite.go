package backend

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a single-table SQLite database. It has no
// change feed; external mutation detection requires the Badger engine.
type SQLiteStore struct {
	db      *sql.DB
	path    string
	dataDir string
	quota   int64
	logger  *logrus.Logger
}

// SQLiteOptions configures a SQLiteStore.
type SQLiteOptions struct {
	DataDir    string
	QuotaBytes int64
	Logger     *logrus.Logger
}

// NewSQLiteStore opens (or creates) the settings database under
// DataDir/settings.db.
func NewSQLiteStore(opts SQLiteOptions) (*SQLiteStore, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	path := filepath.Join(opts.DataDir, "settings.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	s := &SQLiteStore{
		db:      db,
		path:    path,
		dataDir: opts.DataDir,
		quota:   opts.QuotaBytes,
		logger:  opts.Logger,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	opts.Logger.WithField("path", path).Info("SQLite settings store opened")
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS settings_store (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(query)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	for _, k := range keys {
		var value []byte
		err := s.db.QueryRowContext(ctx,
			`SELECT value FROM settings_store WHERE key = ?`, k).Scan(&value)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get %q: %w", k, err)
		}
		out[k] = value
	}
	return out, nil
}

func (s *SQLiteStore) Set(ctx context.Context, entries map[string][]byte) error {
	usage, err := s.Usage(ctx)
	if err != nil {
		return err
	}
	if err := checkQuota(usage.BytesUsed, usage.QuotaBytes, entries); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	for k, v := range entries {
		_, err := tx.ExecContext(ctx, `
		INSERT INTO settings_store (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`, k, v, now)
		if err != nil {
			return fmt.Errorf("failed to set %q: %w", k, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Remove(ctx context.Context, keys []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	for _, k := range keys {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM settings_store WHERE key = ?`, k); err != nil {
			return fmt.Errorf("failed to remove %q: %w", k, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM settings_store`); err != nil {
		return fmt.Errorf("failed to clear store: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Usage(ctx context.Context) (Usage, error) {
	// Sum of stored payload sizes, not file size: SQLite keeps freed pages
	// around, which would make the quota ratchet irreversibly upward.
	var used sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(LENGTH(key) + LENGTH(value)) FROM settings_store`).Scan(&used)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to compute usage: %w", err)
	}

	quota := s.quota
	if headroom, ok := diskHeadroom(s.dataDir); ok {
		if quota <= 0 || used.Int64+headroom < quota {
			quota = used.Int64 + headroom
		}
	}

	return Usage{BytesUsed: used.Int64, QuotaBytes: quota}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// compile-time interface check
var _ Store = (*SQLiteStore)(nil)
