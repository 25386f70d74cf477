package txkeeper

import (
	"fmt"
	"sync"
	"time"
)

var (
	// ErrDuplicateIdempotencyKey is returned when a record with the same key
	// already exists
	ErrDuplicateIdempotencyKey = fmt.Errorf("duplicate idempotency key: transaction already created")

	// ErrIdempotencyKeyNotFound is returned when looking up a non-existent key
	ErrIdempotencyKeyNotFound = fmt.Errorf("idempotency key not found")
)

// IdempotencyRecord binds an idempotency key to the transaction record it
// produced
type IdempotencyRecord struct {
	Key       string
	RecordID  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IdempotencyStore provides storage for idempotency keys
type IdempotencyStore interface {
	// Get retrieves an existing record by key
	Get(key string) (*IdempotencyRecord, error)

	// Create claims a key, returning ErrDuplicateIdempotencyKey if it is
	// already taken
	Create(key string) (*IdempotencyRecord, error)

	// Update updates an existing record
	Update(record *IdempotencyRecord) error

	// Delete removes a record by key
	Delete(key string) error
}

// InMemoryIdempotencyStore is a simple in-memory implementation of
// IdempotencyStore
type InMemoryIdempotencyStore struct {
	mu      sync.RWMutex
	records map[string]*IdempotencyRecord

	// TTL for records (0 means no expiration)
	ttl time.Duration

	stopChan chan struct{}
	stopped  bool
}

// NewInMemoryIdempotencyStore creates a new in-memory idempotency store
func NewInMemoryIdempotencyStore(ttl time.Duration) *InMemoryIdempotencyStore {
	store := &InMemoryIdempotencyStore{
		records:  make(map[string]*IdempotencyRecord),
		ttl:      ttl,
		stopChan: make(chan struct{}),
	}

	if ttl > 0 {
		go store.cleanupLoop()
	}

	return store
}

// Stop stops the cleanup goroutine. Should be called when the store is no
// longer needed to prevent goroutine leaks.
func (s *InMemoryIdempotencyStore) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.stopped = true
		close(s.stopChan)
	}
}

// Get retrieves an existing record by key
func (s *InMemoryIdempotencyStore) Get(key string) (*IdempotencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, exists := s.records[key]
	if !exists {
		return nil, ErrIdempotencyKeyNotFound
	}
	clone := *record
	return &clone, nil
}

// Create claims a new key
func (s *InMemoryIdempotencyStore) Create(key string) (*IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[key]; exists {
		return nil, ErrDuplicateIdempotencyKey
	}

	now := time.Now()
	record := &IdempotencyRecord{
		Key:       key,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.records[key] = record

	clone := *record
	return &clone, nil
}

// Update updates an existing record
func (s *InMemoryIdempotencyStore) Update(record *IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.records[record.Key]
	if !exists {
		return ErrIdempotencyKeyNotFound
	}

	clone := *record
	clone.CreatedAt = existing.CreatedAt
	clone.UpdatedAt = time.Now()
	s.records[record.Key] = &clone
	return nil
}

// Delete removes a record by key
func (s *InMemoryIdempotencyStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[key]; !exists {
		return ErrIdempotencyKeyNotFound
	}
	delete(s.records, key)
	return nil
}

// cleanupLoop periodically removes expired records
func (s *InMemoryIdempotencyStore) cleanupLoop() {
	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopChan:
			return
		}
	}
}

func (s *InMemoryIdempotencyStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-s.ttl)
	for key, record := range s.records {
		if record.UpdatedAt.Before(cutoff) {
			delete(s.records, key)
		}
	}
}
