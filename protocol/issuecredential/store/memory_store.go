package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/findy-network/issuecred-engine/core"
)

// MemoryStore is an in-process core.RecordStore for tests, guarded by a
// single mutex instead of bbolt's transactions — adequate because nothing
// in this package ever holds the lock across an external call.
type MemoryStore struct {
	mu         sync.Mutex
	records    map[string]core.RawRecord
	connThread map[string]string
	thread     map[string]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:    make(map[string]core.RawRecord),
		connThread: make(map[string]string),
		thread:     make(map[string]string),
	}
}

func (s *MemoryStore) RetrieveByConnectionAndThread(_ context.Context, connectionID, threadID string) (core.RawRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exchangeID, ok := s.connThread[string(connThreadKey(connectionID, threadID))]
	if !ok {
		return core.RawRecord{}, &core.StorageNotFound{ConnectionID: connectionID, ThreadID: threadID}
	}
	rec, ok := s.records[exchangeID]
	if !ok {
		return core.RawRecord{}, &core.StorageNotFound{ConnectionID: connectionID, ThreadID: threadID}
	}
	return rec, nil
}

func (s *MemoryStore) RetrieveByThread(_ context.Context, threadID string) (core.RawRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exchangeID, ok := s.thread[threadID]
	if !ok {
		return core.RawRecord{}, &core.StorageNotFound{ThreadID: threadID}
	}
	rec, ok := s.records[exchangeID]
	if !ok {
		return core.RawRecord{}, &core.StorageNotFound{ThreadID: threadID}
	}
	return rec, nil
}

func (s *MemoryStore) RetrieveByExchangeID(_ context.Context, exchangeID string) (core.RawRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[exchangeID]
	if !ok {
		return core.RawRecord{}, &core.StorageNotFound{ExchangeID: exchangeID}
	}
	return rec, nil
}

func (s *MemoryStore) Mutate(_ context.Context, exchangeID string, fn func(current core.RawRecord, exists bool) (core.RawRecord, error)) (core.RawRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.records[exchangeID]
	next, err := fn(current, exists)
	if err != nil {
		return core.RawRecord{}, err
	}
	next.ExchangeID = exchangeID
	s.records[exchangeID] = next
	if next.ConnectionID != "" && next.ThreadID != "" {
		s.connThread[string(connThreadKey(next.ConnectionID, next.ThreadID))] = exchangeID
	}
	if next.ThreadID != "" {
		s.thread[next.ThreadID] = exchangeID
	}
	return next, nil
}

func (s *MemoryStore) Delete(_ context.Context, exchangeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[exchangeID]
	if !ok {
		return nil
	}
	var hints struct {
		ConnectionID string `json:"connection_id"`
		ThreadID     string `json:"thread_id"`
	}
	_ = json.Unmarshal(rec.Data, &hints)
	if hints.ConnectionID != "" && hints.ThreadID != "" {
		delete(s.connThread, string(connThreadKey(hints.ConnectionID, hints.ThreadID)))
	}
	if hints.ThreadID != "" {
		delete(s.thread, hints.ThreadID)
	}
	delete(s.records, exchangeID)
	return nil
}
