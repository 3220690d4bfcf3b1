package meter

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"

	"github.com/promptnexus/nexus/internal/core"
)

// revealCountKeyPrefix namespaces reveal counts in the key-value store.
// One key per device, value is the decimal reveal count.
const revealCountKeyPrefix = "nexus:guest_reveals:"

// Counter maintains the monotonically non-decreasing reveal count for each
// device. It never fails the caller: if the backing store errors, the
// counter switches to in-memory counting for the rest of the process.
//
// The counter does not deduplicate increments; the access gate guarantees
// at most one increment per confirmed reveal.
type Counter struct {
	store KeyValueStore
	limit int
	log   *slog.Logger

	mu       sync.Mutex
	degraded bool
	local    map[string]int
}

// NewCounter creates a Counter over the given store. A nil store or a
// non-positive limit fall back to in-memory counting and the default quota.
func NewCounter(store KeyValueStore, limit int, log *slog.Logger) *Counter {
	if limit <= 0 {
		limit = core.DefaultRevealLimit
	}
	if log == nil {
		log = slog.Default()
	}

	c := &Counter{
		store: store,
		limit: limit,
		log:   log,
		local: make(map[string]int),
	}
	if store == nil {
		c.store = NewMemoryStore()
	}
	return c
}

// Limit returns the quota ceiling.
func (c *Counter) Limit() int {
	return c.limit
}

// Read loads the persisted reveal count for the device, defaulting to zero
// when the value is absent or corrupt.
func (c *Counter) Read(ctx context.Context, deviceID string) core.MeterState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return core.MeterState{
		RevealCount: c.readLocked(ctx, deviceID),
		MaxLimit:    c.limit,
	}
}

// Increment adds exactly one to the device's reveal count and returns the
// updated state. A failed write degrades the counter to memory; the
// incremented value stands either way.
func (c *Counter) Increment(ctx context.Context, deviceID string) core.MeterState {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := c.readLocked(ctx, deviceID) + 1
	c.writeLocked(ctx, deviceID, count)

	return core.MeterState{
		RevealCount: count,
		MaxLimit:    c.limit,
	}
}

func (c *Counter) readLocked(ctx context.Context, deviceID string) int {
	if c.degraded {
		return c.local[deviceID]
	}

	raw, err := c.store.Get(ctx, revealCountKey(deviceID))
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return 0
		}
		c.degradeLocked(err)
		return c.local[deviceID]
	}

	count, err := strconv.Atoi(raw)
	if err != nil || count < 0 {
		return 0
	}
	return count
}

func (c *Counter) writeLocked(ctx context.Context, deviceID string, count int) {
	c.local[deviceID] = count
	if c.degraded {
		return
	}

	if err := c.store.Set(ctx, revealCountKey(deviceID), strconv.Itoa(count)); err != nil {
		c.degradeLocked(err)
	}
}

func (c *Counter) degradeLocked(err error) {
	if c.degraded {
		return
	}
	c.degraded = true
	c.log.Warn("reveal counter store unavailable, counting in memory", "error", err)
}

func revealCountKey(deviceID string) string {
	return revealCountKeyPrefix + deviceID
}
