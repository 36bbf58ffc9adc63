package engine

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveCmd_MemoryStoreNoCache(t *testing.T) {
	var out bytes.Buffer
	cmd := ResolveCmd{StoreName: "memory"}
	require.NoError(t, cmd.Validate())

	r, err := cmd.Exec(&out)
	require.NoError(t, err)
	assert.Equal(t, "memory", r.Data["store"])
	assert.Equal(t, "none", r.Data["cache"])
	assert.Contains(t, out.String(), "record store resolved: memory")
}

func TestResolveCmd_LRUCache(t *testing.T) {
	var out bytes.Buffer
	cmd := ResolveCmd{StoreName: "memory", CacheName: "lru"}
	require.NoError(t, cmd.Validate())

	r, err := cmd.Exec(&out)
	require.NoError(t, err)
	assert.Equal(t, "lru", r.Data["cache"])
}

func TestResolveCmd_BoltStoreRegisteredLazily(t *testing.T) {
	var out bytes.Buffer
	cmd := ResolveCmd{StoreName: "bolt", BoltPath: filepath.Join(t.TempDir(), "engine.db")}
	require.NoError(t, cmd.Validate())

	_, err := cmd.Exec(&out)
	require.NoError(t, err)
}

func TestResolveCmd_UnknownNameFails(t *testing.T) {
	var out bytes.Buffer
	cmd := ResolveCmd{StoreName: "postgres"}
	require.NoError(t, cmd.Validate())

	_, err := cmd.Exec(&out)
	assert.Error(t, err)
}

func TestResolveCmd_ValidateRequiresBoltPath(t *testing.T) {
	cmd := ResolveCmd{StoreName: "bolt"}
	assert.Error(t, cmd.Validate())
}
