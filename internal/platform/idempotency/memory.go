package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in process. Replays last only as long as the instance, which suits
// local development and single-instance deployments.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]Record{}}
}

func (s *MemoryStore) lookup(key string) *Record {
	if record, ok := s.records[documentID(key)]; ok {
		return &record
	}
	return nil
}

func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reservation, err := reserve(s.lookup(key), key, fingerprint, now.UTC(), ttl)
	if err == nil && reservation.State == ReservationStateNew {
		s.records[documentID(key)] = reservation.Record
	}
	return reservation, err
}

func (s *MemoryStore) SaveResponse(_ context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, err := complete(s.lookup(key), key, fingerprint, resp, now.UTC(), ttl)
	if err != nil {
		return err
	}
	s.records[documentID(key)] = record
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.records, documentID(key))
	s.mu.Unlock()
	return nil
}

// CleanupExpired drops up to limit expired records; a non-positive limit removes all of them.
func (s *MemoryStore) CleanupExpired(_ context.Context, now time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, record := range s.records {
		if limit > 0 && removed == limit {
			break
		}
		if record.Expired(now.UTC()) {
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}
