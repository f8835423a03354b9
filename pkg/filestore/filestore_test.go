package filestore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_SaveAndExists(t *testing.T) {
	store := NewLocal(t.TempDir())

	assert.False(t, store.Exists("1", "a.jpg"))
	require.NoError(t, store.Save("1", "a.jpg", []byte("img")))
	assert.True(t, store.Exists("1", "a.jpg"))
	assert.False(t, store.Exists("2", "a.jpg"), "folders are per tenant")

	data, err := os.ReadFile(filepath.Join(store.Dir("1"), "a.jpg"))
	require.NoError(t, err)
	assert.Equal(t, []byte("img"), data)
}

func TestLocal_RejectsTraversal(t *testing.T) {
	store := NewLocal(t.TempDir())

	assert.Error(t, store.Save("1", "../escape.jpg", []byte("x")))
	assert.Error(t, store.Save("../1", "a.jpg", []byte("x")))
	assert.Error(t, store.Save("", "a.jpg", []byte("x")))
	assert.False(t, store.Exists("1", ""))
}
