package sqlite

import (
	"errors"
	"sync"

	"github.com/tinycloudlabs/tinycloud-node/internal/storage"
)

// Manager caches one OrbitStore per space.
type Manager struct {
	basePath string
	stores   map[string]*OrbitStore
	mu       sync.RWMutex
}

// NewManager creates a Manager rooted at basePath.
func NewManager(basePath string) *Manager {
	return &Manager{
		basePath: basePath,
		stores:   make(map[string]*OrbitStore),
	}
}

// GetStore returns the store for the given space, opening it on first use.
func (m *Manager) GetStore(space string) (*OrbitStore, error) {
	m.mu.RLock()
	if store, ok := m.stores[space]; ok {
		m.mu.RUnlock()
		return store, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if store, ok := m.stores[space]; ok {
		return store, nil
	}

	store, err := Open(m.basePath, space)
	if err != nil {
		return nil, err
	}

	m.stores[space] = store
	return store, nil
}

// Get returns the store as the storage.Store interface.
func (m *Manager) Get(space string) (storage.Store, error) {
	return m.GetStore(space)
}

// Spaces returns the spaces with an open store.
func (m *Manager) Spaces() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	spaces := make([]string, 0, len(m.stores))
	for s := range m.stores {
		spaces = append(spaces, s)
	}
	return spaces
}

// CloseAll closes all cached stores.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, store := range m.stores {
		if err := store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.stores = make(map[string]*OrbitStore)
	return errors.Join(errs...)
}

// BasePath returns the base path for space storage.
func (m *Manager) BasePath() string {
	return m.basePath
}
