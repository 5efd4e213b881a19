package artifacts

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStoreFromEnv_DefaultsToFileStore(t *testing.T) {
	t.Setenv("BLOB_BACKEND", "")
	dir := t.TempDir()

	store, err := NewStoreFromEnv(context.Background(), dir)
	require.NoError(t, err)

	fs, ok := store.(*FileStore)
	require.True(t, ok, "expected *FileStore, got %T", store)
	assert.Equal(t, filepath.Join(dir, "blobs"), fs.baseDir)
}

func TestNewStoreFromEnv_S3MissingBucket(t *testing.T) {
	t.Setenv("BLOB_BACKEND", "s3")
	t.Setenv("BLOB_S3_BUCKET", "")

	_, err := NewStoreFromEnv(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BLOB_S3_BUCKET is required")
}

func TestNewStoreFromEnv_GCSMissingBucket(t *testing.T) {
	t.Setenv("BLOB_BACKEND", "gcs")
	t.Setenv("BLOB_GCS_BUCKET", "")

	_, err := NewStoreFromEnv(context.Background(), t.TempDir())
	require.Error(t, err)
	if strings.Contains(err.Error(), "not enabled in this build") {
		return
	}
	assert.Contains(t, err.Error(), "BLOB_GCS_BUCKET is required")
}

func TestNewStoreFromEnv_Unsupported(t *testing.T) {
	t.Setenv("BLOB_BACKEND", "azure")

	_, err := NewStoreFromEnv(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported blob backend")
}

func TestFileStore_PutGet(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	data := []byte("Stopa PDV-a iznosi 25%.")
	ref, err := store.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, RefFor(data), ref)
	assert.True(t, strings.HasPrefix(ref, "sha256:"))

	got, err := store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	again, err := store.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, ref, again)

	ok, err := store.Exists(ctx, ref)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.Delete(ctx, ref))
	ok, err = store.Exists(ctx, ref)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStore_GetNotFound(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "sha256:"+strings.Repeat("0", 64))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStore_InvalidRef(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.Get(ctx, "invalid-hash")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid ref format")

	_, err = store.Exists(ctx, "sha256:../../etc/passwd")
	require.Error(t, err)
}
