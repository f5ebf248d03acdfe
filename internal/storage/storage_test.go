package storage

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathFromURI(t *testing.T) {
	tests := []struct {
		name    string
		uri     string
		want    string
		wantErr bool
	}{
		{name: "plain path", uri: "/tmp/a.jpg", want: "/tmp/a.jpg"},
		{name: "relative path", uri: "img/a.jpg", want: "img/a.jpg"},
		{name: "file uri", uri: "file:///tmp/a.jpg", want: "/tmp/a.jpg"},
		{name: "file uri localhost", uri: "file://localhost/tmp/a.jpg", want: "/tmp/a.jpg"},
		{name: "empty", uri: "", wantErr: true},
		{name: "http scheme", uri: "http://example.com/a.jpg", wantErr: true},
		{name: "remote host", uri: "file://server/a.jpg", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PathFromURI(tt.uri)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLocal_ReadFile(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/photos/cat.jpg", []byte{1, 2, 3}, 0o600))
	store := NewLocal(fsys, "/cache")
	ctx := context.Background()

	data, err := store.ReadFile(ctx, "file:///photos/cat.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)

	_, err = store.ReadFile(ctx, "/photos/dog.jpg")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocal_ReadFileCancelled(t *testing.T) {
	store := NewLocal(afero.NewMemMapFs(), "/cache")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := store.ReadFile(ctx, "/a.jpg")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocal_Base64RoundTrip(t *testing.T) {
	fsys := afero.NewMemMapFs()
	payload := []byte{0xff, 0xd8, 0xff, 0xe0, 0x00}
	require.NoError(t, afero.WriteFile(fsys, "/a.jpg", payload, 0o600))
	store := NewLocal(fsys, "/cache")

	b64, err := store.ReadBase64(context.Background(), "/a.jpg")
	require.NoError(t, err)
	decoded, err := DecodeBase64(b64)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)

	_, err = DecodeBase64("###")
	assert.Error(t, err)
}

func TestLocal_WriteAndRemove(t *testing.T) {
	fsys := afero.NewMemMapFs()
	store := NewLocal(fsys, "/cache")
	ctx := context.Background()

	uri, err := store.Write(ctx, "prepared-1.jpg", []byte("jpeg"))
	require.NoError(t, err)
	assert.Equal(t, "file:///cache/prepared-1.jpg", uri)

	data, err := store.ReadFile(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg"), data)

	require.NoError(t, store.Remove(uri))
	require.NoError(t, store.Remove(uri))
	_, err = store.ReadFile(ctx, uri)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Write(ctx, "../escape.jpg", nil)
	assert.Error(t, err)
	_, err = store.Write(ctx, "", nil)
	assert.Error(t, err)
}
