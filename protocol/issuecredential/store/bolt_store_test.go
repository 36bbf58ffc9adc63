package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/findy-network/issuecred-engine/core"
)

func openTestBoltStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "records.db")
	s, err := OpenBoltStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBoltStore_MutateThenRetrieveRoundTrips(t *testing.T) {
	s := openTestBoltStore(t)
	ctx := context.Background()

	_, err := s.Mutate(ctx, "ex-1", func(current core.RawRecord, exists bool) (core.RawRecord, error) {
		require.False(t, exists)
		return core.RawRecord{
			ConnectionID: "conn-1",
			ThreadID:     "thread-1",
			Data:         []byte(`{"connection_id":"conn-1","thread_id":"thread-1","state":"OFFER_SENT"}`),
		}, nil
	})
	require.NoError(t, err)

	rec, err := s.RetrieveByConnectionAndThread(ctx, "conn-1", "thread-1")
	require.NoError(t, err)
	assert.Equal(t, "ex-1", rec.ExchangeID)
	assert.Contains(t, string(rec.Data), "OFFER_SENT")
}

func TestBoltStore_DeleteClearsIndices(t *testing.T) {
	s := openTestBoltStore(t)
	ctx := context.Background()

	_, err := s.Mutate(ctx, "ex-1", func(current core.RawRecord, exists bool) (core.RawRecord, error) {
		return core.RawRecord{
			ConnectionID: "conn-1",
			ThreadID:     "thread-1",
			Data:         []byte(`{"connection_id":"conn-1","thread_id":"thread-1"}`),
		}, nil
	})
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "ex-1"))

	_, err = s.RetrieveByThread(ctx, "thread-1")
	assert.Error(t, err)
}

func TestBoltStore_RetrieveMissReturnsStorageNotFound(t *testing.T) {
	s := openTestBoltStore(t)
	_, err := s.RetrieveByExchangeID(context.Background(), "missing")
	var notFound *core.StorageNotFound
	assert.ErrorAs(t, err, &notFound)
}
