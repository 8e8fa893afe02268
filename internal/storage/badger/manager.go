package badger

import (
	"io"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arca/internal/common"
	"github.com/ternarybob/arca/internal/interfaces"
)

// Manager implements the StorageManager interface. Badger backs the
// dedup, workflow, criteria and key/value stores; the SQLite index
// storage is built by the factory and injected here.
type Manager struct {
	db       *BadgerDB
	dedup    interfaces.DedupStorage
	workflow interfaces.WorkflowStorage
	criteria interfaces.CriteriaStorage
	kv       interfaces.KeyValueStorage
	index    interfaces.IndexStorage
	logger   arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.Config, index interfaces.IndexStorage) (interfaces.StorageManager, error) {
	db, err := NewBadgerDB(logger, &config.Storage)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:       db,
		dedup:    NewDedupStorage(db, logger),
		workflow: NewWorkflowStorage(db, logger, config.Storage.MaxWorkflows),
		criteria: NewCriteriaStorage(db, logger, config.Storage.MaxCriteriaInstancesSoft),
		kv:       NewKVStorage(db, logger),
		index:    index,
		logger:   logger,
	}

	logger.Info().Msg("Badger storage manager initialized")

	return manager, nil
}

// DedupStorage returns the dedup storage interface
func (m *Manager) DedupStorage() interfaces.DedupStorage {
	return m.dedup
}

// WorkflowStorage returns the workflow storage interface
func (m *Manager) WorkflowStorage() interfaces.WorkflowStorage {
	return m.workflow
}

// CriteriaStorage returns the criteria storage interface
func (m *Manager) CriteriaStorage() interfaces.CriteriaStorage {
	return m.criteria
}

// KeyValueStorage returns the key/value storage interface
func (m *Manager) KeyValueStorage() interfaces.KeyValueStorage {
	return m.kv
}

// IndexStorage returns the index storage interface
func (m *Manager) IndexStorage() interfaces.IndexStorage {
	return m.index
}

// Close closes the Badger store and the index storage when it exposes
// a closer
func (m *Manager) Close() error {
	var firstErr error
	if closer, ok := m.index.(io.Closer); ok && closer != nil {
		if err := closer.Close(); err != nil {
			firstErr = err
		}
	}
	if m.db != nil {
		if err := m.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
