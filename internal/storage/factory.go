package storage

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arca/internal/common"
	"github.com/ternarybob/arca/internal/interfaces"
	"github.com/ternarybob/arca/internal/storage/badger"
	"github.com/ternarybob/arca/internal/storage/sqlite"
)

// NewStorageManager wires the two storage engines together: Badger for
// dedup/workflow/criteria/kv state under storage.badger_path, SQLite
// for the document indexes under {archive.base_path}/indexes.
func NewStorageManager(logger arbor.ILogger, config *common.Config) (interfaces.StorageManager, error) {
	index, err := sqlite.NewIndexStorage(logger, config)
	if err != nil {
		return nil, err
	}

	manager, err := badger.NewManager(logger, config, index)
	if err != nil {
		index.Close()
		return nil, err
	}
	return manager, nil
}
