package cache

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrStoreUnavailable is returned (wrapped) when the underlying storage cannot be opened.
// It is not retried by the storage implementations.
var ErrStoreUnavailable = errors.New("cache storage unavailable")

// Storage holds named cache generations.
// Each generation is an independent key-value store of stored responses.
//
// Implementations must be thread-safe!
type Storage interface {
	// Open returns the generation with the given name, creating it if needed.
	// Calling Open repeatedly with the same name yields the same underlying generation.
	Open(name string) (Generation, error)
	// Keys returns the names of all existing generations, sorted.
	Keys() ([]string, error)
	// Delete removes the generation and all its entries.
	// It reports whether a generation was deleted.
	Delete(name string) (bool, error)
	// Has checks if a generation with the given name exists.
	Has(name string) (bool, error)
}

// Generation is a single versioned cache bucket.
// Writes to the same key are last-writer-wins, and each key is read and
// written atomically. There are no cross-key transactions.
type Generation interface {
	// Name returns the generation name.
	Name() string
	// Match returns the entry stored under the key.
	// A miss is not an error: the boolean is false and the error nil.
	Match(key string) (Entry, bool, error)
	// Put stores the entry, replacing any previous entry with the same key.
	// Once the generation is deleted, entries put into it are never visible through Open.
	Put(entry Entry) error
	// Delete removes the entry with the given key.
	Delete(key string) (bool, error)
	// Keys returns all keys of the generation, sorted.
	Keys() ([]string, error)
}

// Entry is a stored response snapshot.
type Entry struct {
	Key      string
	StoredAt time.Time
	// HTTP/1.1 wire representation of the response.
	Bytes []byte
}

type MemStorage struct {
	mutex       *sync.Mutex
	generations map[string]*memGeneration
}

// NewMemStorage creates an empty in-memory storage.
func NewMemStorage() *MemStorage {
	return &MemStorage{
		mutex:       &sync.Mutex{},
		generations: make(map[string]*memGeneration),
	}
}

func (m *MemStorage) Open(name string) (Generation, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	gen, ok := m.generations[name]
	if !ok {
		gen = &memGeneration{
			name:    name,
			mutex:   &sync.RWMutex{},
			entries: make(map[string]Entry),
		}
		m.generations[name] = gen
	}
	return gen, nil
}

func (m *MemStorage) Keys() ([]string, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	names := make([]string, 0, len(m.generations))
	for name := range m.generations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemStorage) Delete(name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	_, ok := m.generations[name]
	delete(m.generations, name)
	return ok, nil
}

func (m *MemStorage) Has(name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	_, ok := m.generations[name]
	return ok, nil
}

// memGeneration keeps working after its storage deleted it,
// but it is no longer reachable through Open.
type memGeneration struct {
	name    string
	mutex   *sync.RWMutex
	entries map[string]Entry
}

func (g *memGeneration) Name() string {
	return g.name
}

func (g *memGeneration) Match(key string) (Entry, bool, error) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	entry, ok := g.entries[key]
	return entry, ok, nil
}

func (g *memGeneration) Put(entry Entry) error {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	// copy bytes so the caller may reuse its buffer
	entry.Bytes = append([]byte(nil), entry.Bytes...)
	g.entries[entry.Key] = entry
	return nil
}

func (g *memGeneration) Delete(key string) (bool, error) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	_, ok := g.entries[key]
	delete(g.entries, key)
	return ok, nil
}

func (g *memGeneration) Keys() ([]string, error) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	keys := make([]string, 0, len(g.entries))
	for key := range g.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// GenerationsWithPrefix filters generation names by prefix, leaving out the one to keep.
func GenerationsWithPrefix(names []string, prefix, keep string) []string {
	stale := make([]string, 0)
	for _, name := range names {
		if strings.HasPrefix(name, prefix) && name != keep {
			stale = append(stale, name)
		}
	}
	return stale
}
