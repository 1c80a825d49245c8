package backend

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/pb"
	"github.com/sirupsen/logrus"
)

// selfWriteWindow is how long a key written through this Store instance is
// ignored by the change feed. Badger's Subscribe reports every write on the
// DB, including our own; without the filter each coordinator write would
// trigger a pointless reinitialize.
const selfWriteWindow = 2 * time.Second

// BadgerStore implements Store and Watcher on BadgerDB. This is the default
// engine.
type BadgerStore struct {
	db     *badger.DB
	quota  int64
	logger *logrus.Logger

	mu          sync.Mutex
	recentSelf  map[string]time.Time
	watchCancel context.CancelFunc
}

// BadgerOptions configures a BadgerStore.
type BadgerOptions struct {
	DataDir    string
	QuotaBytes int64 // <= 0 means disk-limited only
	SyncWrites bool
	Logger     *logrus.Logger
}

// NewBadgerStore opens (or creates) a BadgerDB-backed store under
// DataDir/settings.
func NewBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	dbPath := filepath.Join(opts.DataDir, "settings")

	badgerOpts := badger.DefaultOptions(dbPath).
		WithLogger(newBadgerLogger(opts.Logger)).
		WithSyncWrites(opts.SyncWrites).
		WithNumVersionsToKeep(1)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	opts.Logger.WithField("path", dbPath).Info("Badger settings store opened")

	return &BadgerStore{
		db:         db,
		quota:      opts.QuotaBytes,
		logger:     opts.Logger,
		recentSelf: make(map[string]time.Time),
	}, nil
}

func (s *BadgerStore) Get(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.db.View(func(txn *badger.Txn) error {
		for _, k := range keys {
			item, err := txn.Get([]byte(k))
			if err == badger.ErrKeyNotFound {
				continue
			}
			if err != nil {
				return fmt.Errorf("get %q: %w", k, err)
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("read %q: %w", k, err)
			}
			out[k] = val
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) Set(ctx context.Context, entries map[string][]byte) error {
	usage, err := s.Usage(ctx)
	if err != nil {
		return err
	}
	if err := checkQuota(usage.BytesUsed, usage.QuotaBytes, entries); err != nil {
		return err
	}

	s.markSelfWrites(entries)

	return s.db.Update(func(txn *badger.Txn) error {
		for k, v := range entries {
			if err := txn.Set([]byte(k), v); err != nil {
				return fmt.Errorf("set %q: %w", k, err)
			}
		}
		return nil
	})
}

func (s *BadgerStore) Remove(ctx context.Context, keys []string) error {
	s.mu.Lock()
	now := time.Now()
	for _, k := range keys {
		s.recentSelf[k] = now
	}
	s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete([]byte(k)); err != nil && err != badger.ErrKeyNotFound {
				return fmt.Errorf("delete %q: %w", k, err)
			}
		}
		return nil
	})
}

func (s *BadgerStore) Clear(ctx context.Context) error {
	return s.db.DropAll()
}

func (s *BadgerStore) Usage(ctx context.Context) (Usage, error) {
	lsm, vlog := s.db.Size()
	used := lsm + vlog

	quota := s.quota
	if headroom, ok := diskHeadroom(s.db.Opts().Dir); ok {
		if quota <= 0 || used+headroom < quota {
			quota = used + headroom
		}
	}

	return Usage{BytesUsed: used, QuotaBytes: quota}, nil
}

// Watch subscribes to Badger's change feed. Writes performed through this
// Store instance within selfWriteWindow are filtered out so only external
// mutations reach fn.
func (s *BadgerStore) Watch(ctx context.Context, fn func(changedKeys []string)) error {
	wctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.watchCancel = cancel
	s.mu.Unlock()

	go func() {
		match := []pb.Match{{Prefix: []byte("")}}
		err := s.db.Subscribe(wctx, func(kvs *badger.KVList) error {
			external := s.filterSelfWrites(kvs)
			if len(external) > 0 {
				fn(external)
			}
			return nil
		}, match)
		if err != nil && err != context.Canceled {
			s.logger.WithError(err).Warn("Badger change subscription ended")
		}
	}()

	return nil
}

func (s *BadgerStore) Close() error {
	s.mu.Lock()
	if s.watchCancel != nil {
		s.watchCancel()
		s.watchCancel = nil
	}
	s.mu.Unlock()
	return s.db.Close()
}

func (s *BadgerStore) markSelfWrites(entries map[string][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for k := range entries {
		s.recentSelf[k] = now
	}
	// Lazy cleanup of expired markers.
	for k, ts := range s.recentSelf {
		if now.Sub(ts) > selfWriteWindow {
			delete(s.recentSelf, k)
		}
	}
}

func (s *BadgerStore) filterSelfWrites(kvs *badger.KVList) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()

	var external []string
	for _, kv := range kvs.Kv {
		key := string(kv.Key)
		if ts, ok := s.recentSelf[key]; ok && now.Sub(ts) <= selfWriteWindow {
			continue
		}
		external = append(external, key)
	}
	return external
}

// badgerLogger adapts logrus to badger's Logger interface.
type badgerLogger struct {
	log *logrus.Entry
}

func newBadgerLogger(logger *logrus.Logger) *badgerLogger {
	return &badgerLogger{log: logger.WithField("component", "badger")}
}

func (l *badgerLogger) Errorf(format string, args ...any)   { l.log.Errorf(format, args...) }
func (l *badgerLogger) Warningf(format string, args ...any) { l.log.Warnf(format, args...) }
func (l *badgerLogger) Infof(format string, args ...any)    { l.log.Debugf(format, args...) }
func (l *badgerLogger) Debugf(format string, args ...any)   { l.log.Debugf(format, args...) }

// compile-time interface checks
var (
	_ Store   = (*BadgerStore)(nil)
	_ Watcher = (*BadgerStore)(nil)
)
