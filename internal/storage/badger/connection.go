package badger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arca/internal/common"
	"github.com/timshannon/badgerhold/v4"
)

// BadgerDB manages the Badger database connection
type BadgerDB struct {
	store  *badgerhold.Store
	logger arbor.ILogger
	config *common.StorageConfig
}

// NewBadgerDB opens the store at config.BadgerPath, creating the
// directory when needed. Badger holds an exclusive lock, so only one
// process can have the database open at a time.
func NewBadgerDB(logger arbor.ILogger, config *common.StorageConfig) (*BadgerDB, error) {
	if config.ResetOnStartup {
		if _, err := os.Stat(config.BadgerPath); err == nil {
			logger.Debug().Str("path", config.BadgerPath).Msg("Deleting existing database (reset_on_startup=true)")
			if err := os.RemoveAll(config.BadgerPath); err != nil {
				logger.Warn().Err(err).Str("path", config.BadgerPath).Msg("Failed to delete database directory")
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(config.BadgerPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	logger.Debug().Str("path", config.BadgerPath).Msg("Opening Badger database connection")

	options := badgerhold.DefaultOptions
	options.Dir = config.BadgerPath
	options.ValueDir = config.BadgerPath
	options.Logger = nil // Disable default badger logger to use arbor

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	logger.Debug().Str("path", config.BadgerPath).Msg("Badger database initialized")

	return &BadgerDB{
		store:  store,
		logger: logger,
		config: config,
	}, nil
}

// Store returns the underlying badgerhold store
func (b *BadgerDB) Store() *badgerhold.Store {
	return b.store
}

// RunGC reclaims stale value-log space. Badger rewrites a log file only
// when at least half of it is dead; ErrNoRewrite means there was
// nothing left to collect.
func (b *BadgerDB) RunGC() {
	if b.store == nil {
		return
	}
	for {
		err := b.store.Badger().RunValueLogGC(0.5)
		if err == nil {
			continue
		}
		if !errors.Is(err, badger.ErrNoRewrite) {
			b.logger.Warn().Err(err).Msg("Badger value log GC failed")
		}
		return
	}
}

// Close runs a final value-log GC pass and closes the database
func (b *BadgerDB) Close() error {
	if b.store != nil {
		b.RunGC()
		return b.store.Close()
	}
	return nil
}
