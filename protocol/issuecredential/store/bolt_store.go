// Package store provides core.RecordStore implementations for credential
// exchange records: a durable bbolt-backed store for production and an
// in-memory store for tests, mirroring findy-agent's own split between its
// durable bbolt-backed PSM storage and the plain in-memory map its test
// suite swaps in.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lainio/err2"
	"github.com/lainio/err2/try"
	bolt "go.etcd.io/bbolt"

	"github.com/findy-network/issuecred-engine/core"
)

// unmarshalIndexHints extracts just the connection_id/thread_id fields out
// of a serialized issuecredential.Record, without this package depending on
// that type.
func unmarshalIndexHints(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

var (
	bucketRecords   = []byte("records")        // exchange_id -> record JSON (core.RawRecord.Data)
	bucketConnThread = []byte("idx_conn_thread") // "connID|threadID" -> exchange_id
	bucketThread     = []byte("idx_thread")       // threadID -> exchange_id
)

// BoltStore is the durable core.RecordStore, one bbolt database file holding
// the primary record bucket plus the two secondary-index buckets spec.md §3
// requires lookups by. Every public method runs inside a single bbolt
// transaction, so each call is atomic on its own; a flow that loads, mutates
// in memory and then saves spans several calls, and that sequence is
// serialized by the per-thread lock manager.go holds, not by this store.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (creating if necessary) a bbolt database at path and
// ensures its buckets exist.
func OpenBoltStore(path string) (s *BoltStore, err error) {
	defer err2.Annotate("open bolt store", &err)

	db := try.To1(bolt.Open(path, 0600, nil))
	try.To(db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketRecords, bucketConnThread, bucketThread} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}))
	return &BoltStore{db: db}, nil
}

// Close releases the underlying bbolt file handle.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func connThreadKey(connID, threadID string) []byte {
	return []byte(fmt.Sprintf("%s|%s", connID, threadID))
}

func (s *BoltStore) RetrieveByConnectionAndThread(_ context.Context, connectionID, threadID string) (rec core.RawRecord, err error) {
	defer err2.Annotate("retrieve by connection and thread", &err)

	try.To(s.db.View(func(tx *bolt.Tx) error {
		exchangeID := tx.Bucket(bucketConnThread).Get(connThreadKey(connectionID, threadID))
		if exchangeID == nil {
			return &core.StorageNotFound{ConnectionID: connectionID, ThreadID: threadID}
		}
		data := tx.Bucket(bucketRecords).Get(exchangeID)
		if data == nil {
			return &core.StorageNotFound{ConnectionID: connectionID, ThreadID: threadID}
		}
		rec = core.RawRecord{ExchangeID: string(exchangeID), ConnectionID: connectionID, ThreadID: threadID, Data: append([]byte(nil), data...)}
		return nil
	}))
	return rec, nil
}

func (s *BoltStore) RetrieveByThread(_ context.Context, threadID string) (rec core.RawRecord, err error) {
	defer err2.Annotate("retrieve by thread", &err)

	try.To(s.db.View(func(tx *bolt.Tx) error {
		exchangeID := tx.Bucket(bucketThread).Get([]byte(threadID))
		if exchangeID == nil {
			return &core.StorageNotFound{ThreadID: threadID}
		}
		data := tx.Bucket(bucketRecords).Get(exchangeID)
		if data == nil {
			return &core.StorageNotFound{ThreadID: threadID}
		}
		rec = core.RawRecord{ExchangeID: string(exchangeID), ThreadID: threadID, Data: append([]byte(nil), data...)}
		return nil
	}))
	return rec, nil
}

func (s *BoltStore) RetrieveByExchangeID(_ context.Context, exchangeID string) (rec core.RawRecord, err error) {
	defer err2.Annotate("retrieve by exchange id", &err)

	try.To(s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRecords).Get([]byte(exchangeID))
		if data == nil {
			return &core.StorageNotFound{ExchangeID: exchangeID}
		}
		rec = core.RawRecord{ExchangeID: exchangeID, Data: append([]byte(nil), data...)}
		return nil
	}))
	return rec, nil
}

// Mutate loads the current record for exchangeID (if any), applies fn, and
// persists the result plus both secondary indices, all within one bbolt
// read-write transaction.
func (s *BoltStore) Mutate(_ context.Context, exchangeID string, fn func(current core.RawRecord, exists bool) (core.RawRecord, error)) (result core.RawRecord, err error) {
	defer err2.Annotate("mutate record", &err)

	try.To(s.db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		current := records.Get([]byte(exchangeID))
		exists := current != nil

		var currentRaw core.RawRecord
		if exists {
			currentRaw = core.RawRecord{ExchangeID: exchangeID, Data: append([]byte(nil), current...)}
		}

		next, err := fn(currentRaw, exists)
		if err != nil {
			return err
		}
		next.ExchangeID = exchangeID

		if err := records.Put([]byte(exchangeID), next.Data); err != nil {
			return err
		}
		if next.ConnectionID != "" && next.ThreadID != "" {
			if err := tx.Bucket(bucketConnThread).Put(connThreadKey(next.ConnectionID, next.ThreadID), []byte(exchangeID)); err != nil {
				return err
			}
		}
		if next.ThreadID != "" {
			if err := tx.Bucket(bucketThread).Put([]byte(next.ThreadID), []byte(exchangeID)); err != nil {
				return err
			}
		}
		result = next
		return nil
	}))
	return result, nil
}

// Delete removes the record for exchangeID along with both index entries
// that point to it. It loads the record first (inside the same
// transaction) purely to know which index keys to clean up; a missing
// record is not an error, matching spec.md §4.3/§4.1's auto_remove being a
// best-effort cleanup.
func (s *BoltStore) Delete(_ context.Context, exchangeID string) (err error) {
	defer err2.Annotate("delete record", &err)

	try.To(s.db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		data := records.Get([]byte(exchangeID))
		if data == nil {
			return nil
		}
		var raw struct {
			ConnectionID string `json:"connection_id"`
			ThreadID     string `json:"thread_id"`
		}
		_ = unmarshalIndexHints(data, &raw)

		if raw.ConnectionID != "" && raw.ThreadID != "" {
			if err := tx.Bucket(bucketConnThread).Delete(connThreadKey(raw.ConnectionID, raw.ThreadID)); err != nil {
				return err
			}
		}
		if raw.ThreadID != "" {
			if err := tx.Bucket(bucketThread).Delete([]byte(raw.ThreadID)); err != nil {
				return err
			}
		}
		return records.Delete([]byte(exchangeID))
	}))
	return nil
}
