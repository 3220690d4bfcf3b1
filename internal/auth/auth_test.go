package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/promptnexus/nexus/internal/core"
	"github.com/promptnexus/nexus/internal/repository"
)

func TestResolveViewer(t *testing.T) {
	session := &Session{UserID: "u1", Email: "a@b.c"}
	proProfile := &repository.Profile{ID: "u1", IsPro: true}
	freeProfile := &repository.Profile{ID: "u1", IsPro: false}

	tests := []struct {
		name    string
		session *Session
		profile *repository.Profile
		want    core.ViewerKind
	}{
		{name: "no session is guest", session: nil, profile: nil, want: core.ViewerGuest},
		{name: "pro profile", session: session, profile: proProfile, want: core.ViewerProMember},
		{name: "free profile", session: session, profile: freeProfile, want: core.ViewerFreeMember},
		{name: "missing profile degrades to free, not guest", session: session, profile: nil, want: core.ViewerFreeMember},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveViewer(tt.session, tt.profile); got.Kind != tt.want {
				t.Errorf("ResolveViewer() = %q, want %q", got.Kind, tt.want)
			}
		})
	}
}

func TestTokenRoundTrip(t *testing.T) {
	manager, err := NewTokenManager([]byte("test-secret"), "nexus-test")
	if err != nil {
		t.Fatalf("NewTokenManager() error = %v", err)
	}

	token, err := manager.Issue("user-1", "user@example.com")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	session, err := manager.Parse(token)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if session.UserID != "user-1" || session.Email != "user@example.com" {
		t.Errorf("Parse() session = %+v", session)
	}
}

func TestTokenRejectsWrongSecret(t *testing.T) {
	issuer, _ := NewTokenManager([]byte("secret-a"), "nexus-test")
	verifier, _ := NewTokenManager([]byte("secret-b"), "nexus-test")

	token, err := issuer.Issue("user-1", "user@example.com")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	if _, err := verifier.Parse(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Parse() error = %v, want ErrInvalidToken", err)
	}
	if _, err := verifier.Parse("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Parse(garbage) error = %v, want ErrInvalidToken", err)
	}
}

func TestNewTokenManagerRequiresSecret(t *testing.T) {
	if _, err := NewTokenManager(nil, "nexus-test"); err == nil {
		t.Error("NewTokenManager(nil secret) error = nil, want error")
	}
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("hunter2!")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	if !CheckPassword(hash, "hunter2!") {
		t.Error("CheckPassword() rejected the correct password")
	}
	if CheckPassword(hash, "wrong") {
		t.Error("CheckPassword() accepted the wrong password")
	}
}

type fakeProfiles struct {
	profile repository.Profile
	err     error
}

func (f *fakeProfiles) GetProfile(context.Context, string) (repository.Profile, error) {
	return f.profile, f.err
}

func newCaptureHandler(viewer *core.ViewerContext, deviceID *string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*viewer = ViewerFromContext(r.Context())
		*deviceID = DeviceIDFromContext(r.Context())
	})
}

func TestMiddlewareGuestWithoutToken(t *testing.T) {
	manager, _ := NewTokenManager([]byte("test-secret"), "nexus-test")
	mw := NewMiddleware(manager, &fakeProfiles{}, nil)

	var viewer core.ViewerContext
	var deviceID string
	handler := mw.Wrap(newCaptureHandler(&viewer, &deviceID))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/prompts", nil))

	if viewer.Kind != core.ViewerGuest {
		t.Errorf("viewer = %q, want guest", viewer.Kind)
	}
	if deviceID == "" {
		t.Error("no device ID assigned")
	}

	cookies := rec.Result().Cookies()
	found := false
	for _, cookie := range cookies {
		if cookie.Name == deviceCookieName && cookie.Value == deviceID {
			found = true
		}
	}
	if !found {
		t.Errorf("device cookie not set; cookies = %v", cookies)
	}
}

func TestMiddlewareResolvesProMember(t *testing.T) {
	manager, _ := NewTokenManager([]byte("test-secret"), "nexus-test")
	mw := NewMiddleware(manager, &fakeProfiles{profile: repository.Profile{ID: "u1", IsPro: true}}, nil)

	token, err := manager.Issue("u1", "pro@example.com")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	var viewer core.ViewerContext
	var deviceID string
	handler := mw.Wrap(newCaptureHandler(&viewer, &deviceID))

	req := httptest.NewRequest(http.MethodGet, "/v1/prompts", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(deviceIDHeader, "device-42")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if viewer.Kind != core.ViewerProMember {
		t.Errorf("viewer = %q, want pro", viewer.Kind)
	}
	if deviceID != "device-42" {
		t.Errorf("deviceID = %q, want header override", deviceID)
	}
}

func TestMiddlewareProfileErrorDegradesToFree(t *testing.T) {
	manager, _ := NewTokenManager([]byte("test-secret"), "nexus-test")
	profileErr := errors.New("db down")
	var reported error
	mw := NewMiddleware(manager, &fakeProfiles{err: profileErr}, func(err error) { reported = err })

	token, _ := manager.Issue("u1", "member@example.com")

	var viewer core.ViewerContext
	var deviceID string
	handler := mw.Wrap(newCaptureHandler(&viewer, &deviceID))

	req := httptest.NewRequest(http.MethodGet, "/v1/prompts", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if viewer.Kind != core.ViewerFreeMember {
		t.Errorf("viewer = %q, want free member on profile error", viewer.Kind)
	}
	if !errors.Is(reported, profileErr) {
		t.Errorf("reported error = %v, want %v", reported, profileErr)
	}
}

func TestMiddlewareInvalidTokenIsGuest(t *testing.T) {
	manager, _ := NewTokenManager([]byte("test-secret"), "nexus-test")
	mw := NewMiddleware(manager, &fakeProfiles{}, nil)

	var viewer core.ViewerContext
	var deviceID string
	handler := mw.Wrap(newCaptureHandler(&viewer, &deviceID))

	req := httptest.NewRequest(http.MethodGet, "/v1/prompts", nil)
	req.Header.Set("Authorization", "Bearer bogus")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if viewer.Kind != core.ViewerGuest {
		t.Errorf("viewer = %q, want guest for invalid token", viewer.Kind)
	}
}
