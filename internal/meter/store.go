// Package meter tracks the per-device free reveal quota. The count lives
// behind a small key-value interface so the counter can run against Redis in
// production and plain memory in tests, and degrade to memory when the
// backing store is unavailable.
package meter

import (
	"context"
	"errors"
)

// ErrKeyNotFound is returned by Get when no value exists for the key.
var ErrKeyNotFound = errors.New("key not found")

// KeyValueStore persists a single string value per namespaced key.
type KeyValueStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}
