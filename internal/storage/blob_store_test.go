package storage_test

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/alexander-lifecycle/internal/storage"
	"github.com/prn-tf/alexander-lifecycle/internal/storage/filesystem"
	"github.com/prn-tf/alexander-lifecycle/internal/storage/memory"
)

func TestBlobStoreRouting(t *testing.T) {
	ctx := context.Background()
	a := memory.New("a")
	b := memory.New("b")

	bs := storage.NewBlobStore()
	bs.Register("default", "shared", a)
	bs.Register("alias", "shared", a)
	bs.Register("other", "", b)

	assert.Equal(t, []string{"alias"}, bs.SharedKeys("default"))
	assert.Empty(t, bs.SharedKeys("other"))
	assert.Nil(t, bs.SharedKeys("missing"))

	require.NoError(t, bs.Store(ctx, "k", "default", bytes.NewReader([]byte("data")), 4))
	ok, err := bs.Exists(ctx, "k", "alias")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = bs.Exists(ctx, "k", "other")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, bs.Copy(ctx, "k", "default", "other"))
	rc, err := bs.Retrieve(ctx, "k", "other")
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "data", string(data))

	// same physical storage: nothing to copy
	require.NoError(t, bs.Copy(ctx, "k", "default", "alias"))
	assert.Equal(t, []string{"k"}, a.Keys())

	_, err = bs.Backend("nope")
	assert.ErrorIs(t, err, storage.ErrUnknownCredentials)
	_, err = bs.ArchiveBackend("nope")
	assert.ErrorIs(t, err, storage.ErrUnknownCredentials)

	require.NoError(t, bs.Delete(ctx, "k", "other"))
	assert.True(t, storage.IsNotFound(bs.Delete(ctx, "k", "other")))
}

func TestFilesystemBackend(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	fs, err := filesystem.New(dir, "", zerolog.Nop())
	require.NoError(t, err)

	key := "aabbccddeeff00112233445566778899aabbccddeeff00112233445566778899"
	require.NoError(t, fs.Store(ctx, key, bytes.NewReader([]byte("hello")), 5))

	size, err := fs.GetSize(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)
	assert.Contains(t, fs.GetPath(key), "/aa/bb/")

	rc, err := fs.Retrieve(ctx, key)
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "hello", string(data))

	err = fs.Store(ctx, key+".xz", bytes.NewReader([]byte("abc")), 10)
	assert.Error(t, err)
	ok, err := fs.Exists(ctx, key+".xz")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, fs.Delete(ctx, key))
	assert.ErrorIs(t, fs.Delete(ctx, key), storage.ErrNotFound)
	_, err = fs.Retrieve(ctx, key)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = fs.GetSize(ctx, key)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
