package backend

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Supported engine names.
const (
	EngineBadger = "badger"
	EngineSQLite = "sqlite"
	EnginePebble = "pebble"
	EngineMemory = "memory"
)

// Open creates the Store for the configured engine name.
func Open(engine, dataDir string, quotaBytes int64, logger *logrus.Logger) (Store, error) {
	switch engine {
	case EngineBadger, "":
		return NewBadgerStore(BadgerOptions{
			DataDir:    dataDir,
			QuotaBytes: quotaBytes,
			Logger:     logger,
		})
	case EngineSQLite:
		return NewSQLiteStore(SQLiteOptions{
			DataDir:    dataDir,
			QuotaBytes: quotaBytes,
			Logger:     logger,
		})
	case EnginePebble:
		return NewPebbleStore(PebbleOptions{
			DataDir:    dataDir,
			QuotaBytes: quotaBytes,
			Logger:     logger,
		})
	case EngineMemory:
		// Volatile; useful for demos and tests only.
		return NewMemoryStore(quotaBytes), nil
	default:
		return nil, fmt.Errorf("unknown backend engine: %s", engine)
	}
}
