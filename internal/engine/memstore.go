package engine

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/agies-dev/agies-guard/pkg/schema"
)

// UserData is one user's items: [dataType][itemID].
type UserData map[schema.DataType]map[string]Item

// MemStore is the thread-safe in-memory Store.
type MemStore struct {
	mu sync.RWMutex
	// Structure: [userID][dataType][itemID]
	data      map[string]UserData
	persister *Persistence
	logger    *zap.Logger
	wg        sync.WaitGroup

	// gens counts mutations per user under mu; saved is the generation last
	// written to disk, guarded by saveMu.
	gens   map[string]uint64
	saveMu sync.Mutex
	saved  map[string]uint64
}

// NewMemStore initializes a store from existing data (from LoadAll) and an
// optional persister.
func NewMemStore(initialData map[string]UserData, p *Persistence, logger *zap.Logger) *MemStore {
	if initialData == nil {
		initialData = make(map[string]UserData)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemStore{
		data:      initialData,
		persister: p,
		logger:    logger.Named("engine"),
		gens:      make(map[string]uint64),
		saved:     make(map[string]uint64),
	}
}

// Wait waits for all background persistence tasks to complete.
func (m *MemStore) Wait() {
	m.wg.Wait()
}

func (m *MemStore) Get(userID string, dataType schema.DataType, itemID string) (Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := m.data[userID]
	if !ok {
		return Item{}, ErrUserNotFound
	}
	items, ok := user[dataType]
	if !ok {
		return Item{}, ErrTypeNotFound
	}
	item, ok := items[itemID]
	if !ok {
		return Item{}, ErrItemNotFound
	}
	return item, nil
}

func (m *MemStore) Put(userID string, dataType schema.DataType, itemID string, item Item) error {
	if err := ValidateUserID(userID); err != nil {
		return err
	}
	m.mu.Lock()
	if m.data[userID] == nil {
		m.data[userID] = make(UserData)
	}
	if m.data[userID][dataType] == nil {
		m.data[userID][dataType] = make(map[string]Item)
	}
	m.data[userID][dataType][itemID] = item
	m.gens[userID]++
	m.mu.Unlock()

	m.persist(userID)
	return nil
}

func (m *MemStore) Delete(userID string, dataType schema.DataType, itemID string) error {
	m.mu.Lock()
	user, ok := m.data[userID]
	if !ok {
		m.mu.Unlock()
		return ErrUserNotFound
	}
	if items, ok := user[dataType]; ok {
		delete(items, itemID)
		if len(items) == 0 {
			delete(user, dataType)
		}
	}
	m.gens[userID]++
	m.mu.Unlock()

	m.persist(userID)
	return nil
}

// persist saves the user's latest state in the background. Each save takes
// its snapshot under saveMu, so a write never lands after a newer one; saves
// that find their generation already on disk are skipped.
func (m *MemStore) persist(userID string) {
	if m.persister == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.saveMu.Lock()
		defer m.saveMu.Unlock()

		m.mu.RLock()
		gen := m.gens[userID]
		snapshot := m.copyUserData(userID)
		m.mu.RUnlock()

		if gen <= m.saved[userID] {
			return
		}
		if err := m.persister.SaveUser(userID, snapshot); err != nil {
			m.logger.Error("failed to persist user data",
				zap.String("user_id", userID),
				zap.Error(err),
			)
			return
		}
		m.saved[userID] = gen
	}()
}

// copyUserData creates a copy of a user's items. It MUST be called while
// holding m.mu.
func (m *MemStore) copyUserData(userID string) UserData {
	original, ok := m.data[userID]
	if !ok {
		return nil
	}
	out := make(UserData, len(original))
	for dt, items := range original {
		itemsCopy := make(map[string]Item, len(items))
		for id, it := range items {
			itemsCopy[id] = it
		}
		out[dt] = itemsCopy
	}
	return out
}

func (m *MemStore) List(userID string, dataType schema.DataType) (map[string]Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := m.data[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	items, ok := user[dataType]
	if !ok {
		return nil, ErrTypeNotFound
	}
	out := make(map[string]Item, len(items))
	for id, it := range items {
		out[id] = it
	}
	return out, nil
}

func (m *MemStore) Types(userID string) ([]schema.DataType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := m.data[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	list := make([]schema.DataType, 0, len(user))
	for dt := range user {
		list = append(list, dt)
	}
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	return list, nil
}

func (m *MemStore) Users() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := make([]string, 0, len(m.data))
	for id := range m.data {
		list = append(list, id)
	}
	sort.Strings(list)
	return list, nil
}
