package settings

import "sync"

// MemStore keeps values in memory. Used in tests and when no data directory
// is configured.
type MemStore struct {
	mu   sync.RWMutex
	vals map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{vals: make(map[string][]byte)}
}

func (m *MemStore) get(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.vals[key]
	return b, ok
}

func (m *MemStore) put(key string, b []byte) {
	m.mu.Lock()
	m.vals[key] = b
	m.mu.Unlock()
}

func (m *MemStore) GetString(key, def string) (string, error) {
	b, ok := m.get(key)
	if !ok {
		return def, nil
	}
	return decodeString(b)
}

func (m *MemStore) GetBool(key string, def bool) (bool, error) {
	b, ok := m.get(key)
	if !ok {
		return def, nil
	}
	return decodeBool(b)
}

func (m *MemStore) SetString(key, value string) error {
	m.put(key, encode(kindString, []byte(value)))
	return nil
}

func (m *MemStore) SetBool(key string, value bool) error {
	m.put(key, encodeBool(value))
	return nil
}

func (m *MemStore) Delete(key string) error {
	m.mu.Lock()
	delete(m.vals, key)
	m.mu.Unlock()
	return nil
}
