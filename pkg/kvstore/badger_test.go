package kvstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	store, err := OpenBadger(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestBadgerStoreBasicOperations(t *testing.T) {
	store := openTestStore(t)

	_, err := store.Get([]byte("missing"))
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Put([]byte("a"), []byte("1")))
	value, err := store.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), value)

	require.NoError(t, store.Put([]byte("a"), []byte("2")))
	value, err = store.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), value)

	require.NoError(t, store.Delete([]byte("a")))
	_, err = store.Get([]byte("a"))
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, store.Delete([]byte("never-existed")))
}

func TestSubStoresAreIsolated(t *testing.T) {
	store := openTestStore(t)
	drives := store.Sub("drives")
	drivesOld := store.Sub("drives-old")
	seeding := store.Sub("seeding")

	require.NoError(t, drives.Put([]byte("k1"), []byte("drive")))
	require.NoError(t, drivesOld.Put([]byte("k1"), []byte("old")))
	require.NoError(t, seeding.Put([]byte("k1"), []byte("seed")))

	value, err := drives.Get([]byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("drive"), value)

	var keys []string
	require.NoError(t, drives.Scan(func(key, value []byte) error {
		keys = append(keys, string(key))
		return nil
	}))
	assert.Equal(t, []string{"k1"}, keys)
}

func TestScanIsOrdered(t *testing.T) {
	store := openTestStore(t).Sub("ordered")
	for _, k := range []string{"c", "a", "b", "aa"} {
		require.NoError(t, store.Put([]byte(k), []byte(k)))
	}

	var keys []string
	require.NoError(t, store.Scan(func(key, value []byte) error {
		keys = append(keys, string(key))
		assert.Equal(t, key, value)
		return nil
	}))
	assert.Equal(t, []string{"a", "aa", "b", "c"}, keys)
}

func TestTypedValues(t *testing.T) {
	store := openTestStore(t).Sub("typed")

	type record struct {
		Name  string `cbor:"name"`
		Count int    `cbor:"count"`
	}

	found, err := GetValue(store, "x", &record{})
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, PutValue(store, "x", record{Name: "x", Count: 3}))
	require.NoError(t, PutValue(store, "y", record{Name: "y", Count: 4}))

	var got record
	found, err = GetValue(store, "x", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, record{Name: "x", Count: 3}, got)

	total := 0
	require.NoError(t, ScanValues(store, func(key string, r *record) error {
		assert.Equal(t, key, r.Name)
		total += r.Count
		return nil
	}))
	assert.Equal(t, 7, total)
}
