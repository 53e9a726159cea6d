package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir, "")
	require.NoError(t, err)
	ctx := context.Background()

	url, err := store.Put(ctx, "jobs/abc/in/0.pdf", []byte("%PDF-1.4"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "file://"))
	assert.True(t, strings.HasSuffix(url, "jobs/abc/in/0.pdf"))

	data, err := store.Get(ctx, "jobs/abc/in/0.pdf")
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.4"), data)

	_, err = store.Put(ctx, "jobs/abc/in/0.pdf", []byte("%PDF-1.7"))
	require.NoError(t, err)
	data, err = store.Get(ctx, "jobs/abc/in/0.pdf")
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.7"), data)

	entries, err := os.ReadDir(filepath.Join(dir, "jobs", "abc", "in"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")

	require.NoError(t, store.Delete(ctx, "jobs/abc/in/0.pdf"))
	require.NoError(t, store.Delete(ctx, "jobs/abc/in/0.pdf"))
	_, err = store.Get(ctx, "jobs/abc/in/0.pdf")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStorePublicURL(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), "https://files.example.com/")
	require.NoError(t, err)

	url, err := store.Put(context.Background(), "jobs/abc/out/merged file.pdf", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "https://files.example.com/jobs/abc/out/merged%20file.pdf", url)
}

func TestSanitizeKey(t *testing.T) {
	tests := []struct {
		key     string
		want    string
		wantErr bool
	}{
		{key: "jobs/a/in/0.pdf", want: "jobs/a/in/0.pdf"},
		{key: "/jobs/a//b.pdf", want: "jobs/a/b.pdf"},
		{key: `jobs\a\b.pdf`, want: "jobs/a/b.pdf"},
		{key: "./jobs/a.pdf", want: "jobs/a.pdf"},
		{key: "", wantErr: true},
		{key: "..", wantErr: true},
		{key: "../etc/passwd", wantErr: true},
		{key: "jobs/../../etc", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got, err := sanitizeKey(tt.key)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidKey)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLocalStoreHonoursContext(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), "")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = store.Put(ctx, "a.pdf", []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewLocalStoreRequiresPath(t *testing.T) {
	_, err := NewLocalStore("  ", "")
	assert.Error(t, err)
}
