// Package access combines the entitlement engine, the metering counter, and
// the session-scoped revealed set into the single gate the HTTP layer calls.
// One Gate is created at startup and injected everywhere a decision is
// needed; the engine itself stays free of hidden state.
package access

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/promptnexus/nexus/internal/core"
	"github.com/promptnexus/nexus/internal/meter"
)

const (
	defaultSessionTTL = 30 * time.Minute
	incrementTimeout  = 2 * time.Second

	// maxTrackedReveals bounds the revealed set; expired entries are swept
	// once the map grows past it.
	maxTrackedReveals = 100000
)

var (
	// ErrQuotaExhausted is returned when a reveal is confirmed after the
	// quota ran out, including when it ran out concurrently.
	ErrQuotaExhausted = errors.New("reveal quota exhausted")

	// ErrPromptLocked is returned when a copy or display attempt reaches
	// locked content.
	ErrPromptLocked = errors.New("prompt is locked")
)

type revealKey struct {
	deviceID  string
	contentID string
}

// Gate evaluates access decisions and runs the reveal confirmation
// protocol. Reveals paid for within a viewing session stay unlocked until
// the session entry expires.
type Gate struct {
	counter *meter.Counter
	ttl     time.Duration
	now     func() time.Time

	onReveal func()
	onDeny   func()

	mu       sync.Mutex
	revealed map[revealKey]time.Time
}

// Option configures optional Gate parameters.
type Option func(*Gate)

// WithSessionTTL overrides how long a paid reveal stays unlocked.
func WithSessionTTL(ttl time.Duration) Option {
	return func(g *Gate) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

// WithMetrics registers callbacks invoked on each consumed reveal and each
// quota-exhausted denial.
func WithMetrics(onReveal, onDeny func()) Option {
	return func(g *Gate) {
		g.onReveal = onReveal
		g.onDeny = onDeny
	}
}

// NewGate creates a Gate over the given counter.
func NewGate(counter *meter.Counter, opts ...Option) *Gate {
	g := &Gate{
		counter:  counter,
		ttl:      defaultSessionTTL,
		now:      time.Now,
		revealed: make(map[revealKey]time.Time),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Evaluate returns the current access decision for one prompt and viewer.
func (g *Gate) Evaluate(ctx context.Context, viewer core.ViewerContext, content core.ContentDescriptor, deviceID, contentID string) core.AccessDecision {
	revealed := g.isRevealed(deviceID, contentID)
	state := g.counter.Read(ctx, deviceID)
	return core.Evaluate(viewer, content, state, revealed)
}

// ConfirmReveal runs the reveal confirmation protocol: it re-validates the
// decision under the gate lock, marks the item revealed synchronously, and
// only then spends one unit of quota. The quota write is detached from the
// caller's cancellation so a dismissed view cannot orphan a granted reveal.
//
// Confirming an already-revealed item, or content the viewer can see anyway,
// returns the unlocked decision without charging. A stale confirmation
// against an exhausted quota aborts with ErrQuotaExhausted and no increment.
func (g *Gate) ConfirmReveal(ctx context.Context, viewer core.ViewerContext, content core.ContentDescriptor, deviceID, contentID string) (core.AccessDecision, error) {
	key := revealKey{deviceID: deviceID, contentID: contentID}

	g.mu.Lock()
	if g.isRevealedLocked(key) {
		g.mu.Unlock()
		state := g.counter.Read(ctx, deviceID)
		return core.Evaluate(viewer, content, state, true), nil
	}

	state := g.counter.Read(ctx, deviceID)
	decision := core.Evaluate(viewer, content, state, false)

	switch decision.Action {
	case core.ActionNone:
		// Already visible; nothing to consume.
		g.mu.Unlock()
		return decision, nil
	case core.ActionDenyQuotaExhausted:
		g.mu.Unlock()
		if g.onDeny != nil {
			g.onDeny()
		}
		return decision, ErrQuotaExhausted
	}

	// Unlock locally before the durable write so concurrent confirmations
	// of the same item coalesce into a single charge.
	g.markRevealedLocked(key)
	g.mu.Unlock()

	incCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), incrementTimeout)
	defer cancel()
	updated := g.counter.Increment(incCtx, deviceID)

	if g.onReveal != nil {
		g.onReveal()
	}

	return core.Evaluate(viewer, content, updated, true), nil
}

// CopyPrompt gates any action that exposes the raw prompt text. While the
// decision is locked the text never reaches the caller; the returned
// decision carries the routed refusal action instead.
func (g *Gate) CopyPrompt(ctx context.Context, viewer core.ViewerContext, content core.ContentDescriptor, deviceID, contentID, promptText string) (string, core.AccessDecision, error) {
	decision := g.Evaluate(ctx, viewer, content, deviceID, contentID)
	if decision.Locked {
		decision.Action = core.RefusalAction(viewer, decision)
		return "", decision, ErrPromptLocked
	}
	return promptText, decision, nil
}

func (g *Gate) isRevealed(deviceID, contentID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.isRevealedLocked(revealKey{deviceID: deviceID, contentID: contentID})
}

func (g *Gate) isRevealedLocked(key revealKey) bool {
	expiry, ok := g.revealed[key]
	if !ok {
		return false
	}
	if g.now().After(expiry) {
		delete(g.revealed, key)
		return false
	}
	return true
}

func (g *Gate) markRevealedLocked(key revealKey) {
	if len(g.revealed) >= maxTrackedReveals {
		g.sweepLocked()
	}
	g.revealed[key] = g.now().Add(g.ttl)
}

func (g *Gate) sweepLocked() {
	now := g.now()
	for key, expiry := range g.revealed {
		if now.After(expiry) {
			delete(g.revealed, key)
		}
	}
}
