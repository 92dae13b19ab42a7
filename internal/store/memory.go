// internal/store/memory.go
package store

import (
	"context"
	"sync"
	"time"

	"github.com/erilali/chathub/internal/message"
)

// MemoryLog keeps records in process memory. It is the default backend
// when no broker is configured, and the one tests use.
type MemoryLog struct {
	mu      sync.RWMutex
	records []Record
	nextID  uint64
	now     func() time.Time
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{now: time.Now}
}

func (m *MemoryLog) Append(_ context.Context, sender, kind, content string) (uint64, error) {
	if err := ValidateKind(kind); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.records = append(m.records, Record{
		ID:        m.nextID,
		Sender:    sender,
		Kind:      kind,
		Content:   content,
		CreatedAt: m.now(),
	})
	return m.nextID, nil
}

func (m *MemoryLog) Recent(_ context.Context, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}
	out := make([]Record, limit)
	copy(out, m.records[len(m.records)-limit:])
	return out, nil
}

// Len returns the number of stored records.
func (m *MemoryLog) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func (m *MemoryLog) Count(context.Context) (uint64, error) {
	return uint64(m.Len()), nil
}

// Reset drops every record and restarts IDs at 1.
func (m *MemoryLog) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = nil
	m.nextID = 0
	return nil
}

// MemoryCredentials stores bcrypt hashes in a map.
type MemoryCredentials struct {
	mu    sync.RWMutex
	users map[string][]byte
}

func NewMemoryCredentials() *MemoryCredentials {
	return &MemoryCredentials{users: make(map[string][]byte)}
}

func (m *MemoryCredentials) Register(_ context.Context, username, secret string) error {
	username = normalizeUsername(username)
	if username == "" || secret == "" {
		return ErrEmptyUsername
	}
	hash, err := hashSecret(secret)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.users[username]; exists {
		return ErrDuplicateUser
	}
	m.users[username] = hash
	return nil
}

func (m *MemoryCredentials) Verify(_ context.Context, username, secret string) (bool, error) {
	m.mu.RLock()
	hash, ok := m.users[normalizeUsername(username)]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return checkSecret(hash, secret)
}

func (m *MemoryCredentials) Count(context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.users)), nil
}

func (m *MemoryCredentials) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users = make(map[string][]byte)
	return nil
}

// MemoryBlobs keeps uploaded payloads in memory.
type MemoryBlobs struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	now   func() time.Time
}

func NewMemoryBlobs() *MemoryBlobs {
	return &MemoryBlobs{blobs: make(map[string][]byte), now: time.Now}
}

func (m *MemoryBlobs) Save(_ context.Context, nameHint string, data []byte) (string, error) {
	name := message.SanitizeFilename(nameHint, m.now())
	buf := make([]byte, len(data))
	copy(buf, data)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[name] = buf
	return name, nil
}

// Get returns a stored payload.
func (m *MemoryBlobs) Get(name string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[name]
	return data, ok
}

func (m *MemoryBlobs) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
