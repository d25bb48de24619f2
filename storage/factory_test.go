package storage_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citydash/transit/storage"
)

func TestNewStore(t *testing.T) {
	s, err := storage.NewStore(storage.Config{})
	require.NoError(t, err)
	assert.IsType(t, &storage.SQLiteStorage{}, s)
	s.Close()

	s, err = storage.NewStore(storage.Config{Backend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &storage.MemoryStorage{}, s)
	s.Close()

	_, err = storage.NewStore(storage.Config{Backend: "cassandra"})
	assert.ErrorIs(t, err, storage.ErrNotImplemented)
}
