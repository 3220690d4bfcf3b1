package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/promptnexus/nexus/internal/core"
	"github.com/promptnexus/nexus/internal/repository"
)

const (
	deviceCookieName = "nexus_device"
	deviceCookieTTL  = 365 * 24 * time.Hour
	deviceIDHeader   = "X-Device-ID"
	maxDeviceIDLen   = 64
)

type contextKey int

const (
	viewerContextKey contextKey = iota
	sessionContextKey
	deviceIDContextKey
)

// ProfileLookup loads the profile behind a session. The middleware only
// needs this one repository method.
type ProfileLookup interface {
	GetProfile(ctx context.Context, id string) (repository.Profile, error)
}

// Middleware resolves the viewer context and device ID for every request.
// Authentication is optional: a missing or invalid bearer token yields a
// guest viewer, never an error response.
type Middleware struct {
	tokens   *TokenManager
	profiles ProfileLookup

	// onProfileError is called when a valid token's profile fails to load
	// and the viewer degrades to the free tier.
	onProfileError func(err error)
}

// NewMiddleware creates the viewer resolution middleware. onProfileError may
// be nil.
func NewMiddleware(tokens *TokenManager, profiles ProfileLookup, onProfileError func(error)) *Middleware {
	return &Middleware{tokens: tokens, profiles: profiles, onProfileError: onProfileError}
}

// Wrap attaches viewer, session, and device ID to the request context.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		deviceID := m.resolveDeviceID(w, r)
		ctx = context.WithValue(ctx, deviceIDContextKey, deviceID)

		session := m.resolveSession(r)
		var profile *repository.Profile
		if session != nil {
			ctx = context.WithValue(ctx, sessionContextKey, session)
			loaded, err := m.profiles.GetProfile(ctx, session.UserID)
			if err != nil {
				if m.onProfileError != nil {
					m.onProfileError(err)
				}
			} else {
				profile = &loaded
			}
		}

		viewer := ResolveViewer(session, profile)
		ctx = context.WithValue(ctx, viewerContextKey, viewer)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *Middleware) resolveSession(r *http.Request) *Session {
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		return nil
	}

	session, err := m.tokens.Parse(token)
	if err != nil {
		return nil
	}

	return session
}

// resolveDeviceID prefers an explicit X-Device-ID header, then the device
// cookie, and mints a fresh UUID cookie otherwise. IDs are capped so a
// hostile client cannot grow the metering keyspace with huge strings.
func (m *Middleware) resolveDeviceID(w http.ResponseWriter, r *http.Request) string {
	if header := strings.TrimSpace(r.Header.Get(deviceIDHeader)); header != "" && len(header) <= maxDeviceIDLen {
		return header
	}

	if cookie, err := r.Cookie(deviceCookieName); err == nil {
		if id := strings.TrimSpace(cookie.Value); id != "" && len(id) <= maxDeviceIDLen {
			return id
		}
	}

	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     deviceCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(deviceCookieTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	return id
}

// ViewerFromContext returns the resolved viewer, defaulting to guest when
// the middleware did not run.
func ViewerFromContext(ctx context.Context) core.ViewerContext {
	if viewer, ok := ctx.Value(viewerContextKey).(core.ViewerContext); ok {
		return viewer
	}
	return core.ViewerContext{Kind: core.ViewerGuest}
}

// SessionFromContext returns the authenticated session, or nil for guests.
func SessionFromContext(ctx context.Context) *Session {
	session, _ := ctx.Value(sessionContextKey).(*Session)
	return session
}

// DeviceIDFromContext returns the metering device ID for the request.
func DeviceIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(deviceIDContextKey).(string)
	return id
}
