package chatspace

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// ============================================================================
// Storage
// ============================================================================

// Storage is a minimal string key/value store.
// Get reports ok=false for an absent key.
type Storage interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
	Remove(key string) error
}

// MemoryStorage is a goroutine-safe in-memory storage backend.
type MemoryStorage struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemoryStorage creates a new in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: make(map[string]string)}
}

func (s *MemoryStorage) Get(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *MemoryStorage) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *MemoryStorage) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Keys returns the stored keys in no particular order.
func (s *MemoryStorage) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys
}

// ============================================================================
// Cache
// ============================================================================

func conversationsKey(token string) string { return "conversations_" + token }
func selectionKey(token string) string     { return "selectedConversationId_" + token }

// Cache persists the last known conversation list and selection per session token.
// It is best-effort: backend failures are logged and otherwise ignored, and
// unreadable entries load as absent.
type Cache struct {
	storage Storage
	logger  *zap.Logger
}

type CacheOption func(*Cache)

func WithCacheLogger(logger *zap.Logger) CacheOption {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewCache(storage Storage, opts ...CacheOption) *Cache {
	c := &Cache{storage: storage, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Save replaces the cached conversation list for token.
func (c *Cache) Save(token string, conversations []Conversation) {
	if conversations == nil {
		conversations = []Conversation{}
	}
	data, err := json.Marshal(conversations)
	if err != nil {
		c.logger.Warn("cache encode failed", zap.Error(err))
		return
	}
	c.set(conversationsKey(token), string(data))
}

// Load returns the cached list for token. ok is false when nothing usable is stored.
func (c *Cache) Load(token string) ([]Conversation, bool) {
	raw, ok := c.get(conversationsKey(token))
	if !ok {
		return nil, false
	}
	var conversations []Conversation
	if err := json.Unmarshal([]byte(raw), &conversations); err != nil {
		c.logger.Warn("discarding unreadable cached conversations", zap.Error(err))
		return nil, false
	}
	for _, conv := range conversations {
		if conv.validate() != nil {
			c.logger.Warn("discarding invalid cached conversations")
			return nil, false
		}
	}
	return conversations, true
}

func (c *Cache) SaveSelection(token, id string) {
	if id == "" {
		c.ClearSelection(token)
		return
	}
	c.set(selectionKey(token), id)
}

func (c *Cache) LoadSelection(token string) (string, bool) {
	id, ok := c.get(selectionKey(token))
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

func (c *Cache) ClearSelection(token string) {
	c.remove(selectionKey(token))
}

// Purge drops everything cached for token.
func (c *Cache) Purge(token string) {
	c.remove(conversationsKey(token))
	c.remove(selectionKey(token))
}

func (c *Cache) get(key string) (string, bool) {
	v, ok, err := c.storage.Get(key)
	if err != nil {
		c.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		return "", false
	}
	return v, ok
}

func (c *Cache) set(key, value string) {
	if err := c.storage.Set(key, value); err != nil {
		c.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *Cache) remove(key string) {
	if err := c.storage.Remove(key); err != nil {
		c.logger.Warn("cache remove failed", zap.String("key", key), zap.Error(err))
	}
}
