package payloadstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asynchttp/asynchttp/internal/payloadstore"
	"github.com/asynchttp/asynchttp/internal/payloadstore/filestore"
	"github.com/asynchttp/asynchttp/internal/payloadstore/memstore"
)

func TestRegistryDefault(t *testing.T) {
	reg := payloadstore.NewRegistry()
	mem := memstore.New()
	require.NoError(t, reg.Register("memory", mem, true))

	name, store, ok := reg.Default()
	require.True(t, ok)
	assert.Equal(t, "memory", name)
	assert.Same(t, mem, store)
}

func TestMemStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	key := s.GenerateKey()
	require.NoError(t, s.Store(ctx, key, []byte("hello")))

	ok, err := s.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	data, found, err := s.Fetch(ctx, key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, s.Delete(ctx, key))
	require.NoError(t, s.Delete(ctx, key), "delete must be idempotent")

	_, found, err = s.Fetch(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := filestore.New(t.TempDir())
	require.NoError(t, err)

	key := s.GenerateKey()
	require.NoError(t, s.Store(ctx, key, []byte("payload-bytes")))

	data, found, err := s.Fetch(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "payload-bytes", string(data))

	require.NoError(t, s.Delete(ctx, key))
	require.NoError(t, s.Delete(ctx, key), "delete must be idempotent")

	_, found, err = s.Fetch(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFileStoreRejectsPathTraversal(t *testing.T) {
	ctx := context.Background()
	s, err := filestore.New(t.TempDir())
	require.NoError(t, err)

	err = s.Store(ctx, "../escape", []byte("x"))
	assert.Error(t, err)
}
