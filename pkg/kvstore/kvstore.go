// Package kvstore is the persisted key-value layer behind the daemon's
// durable registries. Each registry lives in its own namespace ("sub-store")
// carved out of one ordered keyspace.
package kvstore

import (
	"errors"
	"fmt"

	"swarmdrive/pkg/codec"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("key not found")

// Store is an ordered key-value namespace.
type Store interface {
	// Get returns the value stored under key or ErrNotFound.
	Get(key []byte) ([]byte, error)

	// Put stores value under key, replacing any previous value.
	Put(key, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key []byte) error

	// Scan calls fn for every entry in ascending key order. Keys passed
	// to fn are relative to the namespace. Returning an error stops the scan.
	Scan(fn func(key, value []byte) error) error

	// Sub returns the nested namespace called name.
	Sub(name string) Store
}

// GetValue decodes the value stored under key into v. It reports false
// when the key is absent.
func GetValue(s Store, key string, v any) (bool, error) {
	data, err := s.Get([]byte(key))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := codec.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to decode %q: %w", key, err)
	}
	return true, nil
}

// PutValue encodes v and stores it under key.
func PutValue(s Store, key string, v any) error {
	data, err := codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %q: %w", key, err)
	}
	return s.Put([]byte(key), data)
}

// ScanValues decodes every value in s into a fresh T and passes it to fn.
func ScanValues[T any](s Store, fn func(key string, value *T) error) error {
	return s.Scan(func(key, data []byte) error {
		value := new(T)
		if err := codec.Unmarshal(data, value); err != nil {
			return fmt.Errorf("failed to decode %q: %w", key, err)
		}
		return fn(string(key), value)
	})
}
