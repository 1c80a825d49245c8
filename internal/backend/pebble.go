package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/pebble/v2"
	"github.com/sirupsen/logrus"
)

// PebbleStore implements Store on Pebble (CockroachDB's LSM engine). Like
// SQLite it has no change feed.
type PebbleStore struct {
	db      *pebble.DB
	dataDir string
	quota   int64
	logger  *logrus.Logger
}

// PebbleOptions configures a PebbleStore.
type PebbleOptions struct {
	DataDir    string
	QuotaBytes int64
	Logger     *logrus.Logger
}

// NewPebbleStore opens (or creates) a Pebble-backed store under
// DataDir/settings.
func NewPebbleStore(opts PebbleOptions) (*PebbleStore, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	dbPath := filepath.Join(opts.DataDir, "settings")
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create settings directory: %w", err)
	}

	db, err := pebble.Open(dbPath, &pebble.Options{
		Logger: &pebbleLogger{log: opts.Logger.WithField("component", "pebble")},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}

	opts.Logger.WithField("path", dbPath).Info("Pebble settings store opened")

	return &PebbleStore{
		db:      db,
		dataDir: opts.DataDir,
		quota:   opts.QuotaBytes,
		logger:  opts.Logger,
	}, nil
}

func (s *PebbleStore) Get(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	for _, k := range keys {
		value, closer, err := s.db.Get([]byte(k))
		if err == pebble.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get %q: %w", k, err)
		}
		out[k] = append([]byte(nil), value...)
		closer.Close()
	}
	return out, nil
}

func (s *PebbleStore) Set(ctx context.Context, entries map[string][]byte) error {
	usage, err := s.Usage(ctx)
	if err != nil {
		return err
	}
	if err := checkQuota(usage.BytesUsed, usage.QuotaBytes, entries); err != nil {
		return err
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	for k, v := range entries {
		if err := batch.Set([]byte(k), v, nil); err != nil {
			return fmt.Errorf("batch set %q: %w", k, err)
		}
	}
	return s.db.Apply(batch, pebble.Sync)
}

func (s *PebbleStore) Remove(ctx context.Context, keys []string) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, k := range keys {
		if err := batch.Delete([]byte(k), nil); err != nil {
			return fmt.Errorf("batch delete %q: %w", k, err)
		}
	}
	return s.db.Apply(batch, pebble.Sync)
}

func (s *PebbleStore) Clear(ctx context.Context) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return fmt.Errorf("failed to create iterator: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		key := append([]byte(nil), iter.Key()...)
		if err := batch.Delete(key, nil); err != nil {
			iter.Close()
			return fmt.Errorf("batch delete %q: %w", key, err)
		}
	}
	if err := iter.Close(); err != nil {
		return fmt.Errorf("iterator error: %w", err)
	}

	return s.db.Apply(batch, pebble.Sync)
}

func (s *PebbleStore) Usage(ctx context.Context) (Usage, error) {
	// Payload sizes, not on-disk size: the LSM keeps obsolete versions
	// around until compaction, which would overstate real usage.
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return Usage{}, fmt.Errorf("failed to create iterator: %w", err)
	}

	var used int64
	for iter.First(); iter.Valid(); iter.Next() {
		used += int64(len(iter.Key()))
		v, err := iter.ValueAndErr()
		if err != nil {
			iter.Close()
			return Usage{}, fmt.Errorf("iterator value error: %w", err)
		}
		used += int64(len(v))
	}
	if err := iter.Close(); err != nil {
		return Usage{}, fmt.Errorf("iterator error: %w", err)
	}

	quota := s.quota
	if headroom, ok := diskHeadroom(s.dataDir); ok {
		if quota <= 0 || used+headroom < quota {
			quota = used + headroom
		}
	}

	return Usage{BytesUsed: used, QuotaBytes: quota}, nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}

// pebbleLogger adapts logrus to pebble's Logger interface.
type pebbleLogger struct {
	log *logrus.Entry
}

func (l *pebbleLogger) Infof(format string, args ...any)  { l.log.Debugf(format, args...) }
func (l *pebbleLogger) Errorf(format string, args ...any) { l.log.Errorf(format, args...) }
func (l *pebbleLogger) Fatalf(format string, args ...any) { l.log.Fatalf(format, args...) }

// compile-time interface check
var _ Store = (*PebbleStore)(nil)
