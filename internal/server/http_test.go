package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/promptnexus/nexus/internal/access"
	"github.com/promptnexus/nexus/internal/auth"
	"github.com/promptnexus/nexus/internal/core"
	"github.com/promptnexus/nexus/internal/meter"
	"github.com/promptnexus/nexus/internal/repository"
	"github.com/promptnexus/nexus/internal/service"
)

type fakeCatalog struct {
	prompts  map[string]repository.Prompt
	saved    map[string]map[string]bool
	profiles map[string]repository.Profile
	events   []repository.PromptEvent
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		prompts:  make(map[string]repository.Prompt),
		saved:    make(map[string]map[string]bool),
		profiles: make(map[string]repository.Profile),
	}
}

func (f *fakeCatalog) CreatePrompt(_ context.Context, prompt repository.Prompt, userID string) (repository.Prompt, error) {
	if strings.TrimSpace(prompt.Title) == "" {
		return repository.Prompt{}, service.ErrInvalidPrompt
	}
	prompt.ID = fmt.Sprintf("prompt-%d", len(f.prompts)+1)
	prompt.UserID = userID
	f.prompts[prompt.ID] = prompt
	return prompt, nil
}

func (f *fakeCatalog) GetPrompt(_ context.Context, id string) (repository.Prompt, error) {
	prompt, ok := f.prompts[id]
	if !ok {
		return repository.Prompt{}, service.ErrPromptNotFound
	}
	return prompt, nil
}

func (f *fakeCatalog) ListPrompts(context.Context, service.ListFilter) ([]repository.Prompt, error) {
	prompts := make([]repository.Prompt, 0, len(f.prompts))
	for _, prompt := range f.prompts {
		prompts = append(prompts, prompt)
	}
	return prompts, nil
}

func (f *fakeCatalog) ListPromptsByUser(_ context.Context, userID string) ([]repository.Prompt, error) {
	prompts := make([]repository.Prompt, 0)
	for _, prompt := range f.prompts {
		if prompt.UserID == userID {
			prompts = append(prompts, prompt)
		}
	}
	return prompts, nil
}

func (f *fakeCatalog) DeletePrompt(_ context.Context, id, ownerID string) error {
	prompt, ok := f.prompts[id]
	if !ok || (ownerID != "" && prompt.UserID != ownerID) {
		return service.ErrPromptNotFound
	}
	delete(f.prompts, id)
	return nil
}

func (f *fakeCatalog) ListCategories(context.Context) ([]string, error) {
	return []string{"Landscape", "Portrait"}, nil
}

func (f *fakeCatalog) SavePrompt(_ context.Context, userID, promptID string) error {
	if _, ok := f.prompts[promptID]; !ok {
		return service.ErrPromptNotFound
	}
	if f.saved[userID] == nil {
		f.saved[userID] = make(map[string]bool)
	}
	f.saved[userID][promptID] = true
	return nil
}

func (f *fakeCatalog) UnsavePrompt(_ context.Context, userID, promptID string) error {
	delete(f.saved[userID], promptID)
	return nil
}

func (f *fakeCatalog) ListSavedPrompts(_ context.Context, userID string) ([]repository.Prompt, error) {
	prompts := make([]repository.Prompt, 0)
	for id := range f.saved[userID] {
		prompts = append(prompts, f.prompts[id])
	}
	return prompts, nil
}

func (f *fakeCatalog) GetProfile(_ context.Context, id string) (repository.Profile, error) {
	profile, ok := f.profiles[id]
	if !ok {
		return repository.Profile{}, service.ErrProfileNotFound
	}
	return profile, nil
}

func (f *fakeCatalog) ListEventsSince(_ context.Context, eventID int64) ([]repository.PromptEvent, error) {
	events := make([]repository.PromptEvent, 0)
	for _, event := range f.events {
		if event.EventID > eventID {
			events = append(events, event)
		}
	}
	return events, nil
}

type fakeAccounts struct {
	profiles map[string]repository.Profile
	nextID   int
}

func newFakeAccounts() *fakeAccounts {
	return &fakeAccounts{profiles: make(map[string]repository.Profile)}
}

func (f *fakeAccounts) CreateProfile(_ context.Context, profile repository.Profile) (repository.Profile, error) {
	for _, existing := range f.profiles {
		if strings.EqualFold(existing.Email, profile.Email) {
			return repository.Profile{}, fmt.Errorf("duplicate email")
		}
	}
	f.nextID++
	profile.ID = fmt.Sprintf("user-%d", f.nextID)
	f.profiles[profile.ID] = profile
	return profile, nil
}

func (f *fakeAccounts) GetProfileByEmail(_ context.Context, email string) (repository.Profile, error) {
	for _, profile := range f.profiles {
		if strings.EqualFold(profile.Email, email) {
			return profile, nil
		}
	}
	return repository.Profile{}, fmt.Errorf("not found")
}

func (f *fakeAccounts) GetProfile(_ context.Context, id string) (repository.Profile, error) {
	profile, ok := f.profiles[id]
	if !ok {
		return repository.Profile{}, fmt.Errorf("not found")
	}
	return profile, nil
}

func (f *fakeAccounts) UpdateProfile(_ context.Context, id, username, avatarURL string) (repository.Profile, error) {
	profile, ok := f.profiles[id]
	if !ok {
		return repository.Profile{}, fmt.Errorf("not found")
	}
	profile.Username = username
	profile.AvatarURL = avatarURL
	f.profiles[id] = profile
	return profile, nil
}

func (f *fakeAccounts) SetProfilePro(_ context.Context, id string, isPro bool) (repository.Profile, error) {
	profile, ok := f.profiles[id]
	if !ok {
		return repository.Profile{}, fmt.Errorf("not found")
	}
	profile.IsPro = isPro
	f.profiles[id] = profile
	return profile, nil
}

type testEnv struct {
	handler  http.Handler
	catalog  *fakeCatalog
	accounts *fakeAccounts
	tokens   *auth.TokenManager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	tokens, err := auth.NewTokenManager([]byte("test-secret"), "nexus-test")
	if err != nil {
		t.Fatalf("NewTokenManager() error = %v", err)
	}

	catalog := newFakeCatalog()
	accounts := newFakeAccounts()
	counter := meter.NewCounter(meter.NewMemoryStore(), 3, slog.New(slog.DiscardHandler))
	gate := access.NewGate(counter)

	api := NewHTTPHandler(Config{
		Catalog:  catalog,
		Accounts: accounts,
		Gate:     gate,
		Tokens:   tokens,
	})
	middleware := auth.NewMiddleware(tokens, accounts, nil)

	return &testEnv{
		handler:  middleware.Wrap(api),
		catalog:  catalog,
		accounts: accounts,
		tokens:   tokens,
	}
}

func (e *testEnv) addPrompt(id string, premium bool, text string) {
	e.catalog.prompts[id] = repository.Prompt{
		ID:         id,
		Title:      "Test " + id,
		Type:       "TXT2IMG",
		Premium:    premium,
		Rarity:     string(core.RarityRare),
		PromptText: text,
		Seed:       42,
		UserID:     "creator",
	}
}

func (e *testEnv) do(t *testing.T, method, path, deviceID, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if deviceID != "" {
		req.Header.Set("X-Device-ID", deviceID)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestGetPromptRedactsLockedFields(t *testing.T) {
	env := newTestEnv(t)
	env.addPrompt("p1", true, "the secret prompt")

	rec := env.do(t, http.MethodGet, "/v1/prompts/p1", "dev-1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	if strings.Contains(rec.Body.String(), "the secret prompt") {
		t.Fatal("locked prompt leaked its text")
	}

	view := decodeBody[promptView](t, rec)
	if !view.Access.Locked {
		t.Error("premium prompt not locked for guest")
	}
	if view.Access.Action != string(core.ActionConsumeQuotaToReveal) {
		t.Errorf("action = %q, want consume offer", view.Access.Action)
	}
	if view.Seed != nil || view.GuidanceScale != nil {
		t.Error("locked prompt exposed generation parameters")
	}
}

func TestRevealFlowAndQuota(t *testing.T) {
	env := newTestEnv(t)
	for i := 1; i <= 4; i++ {
		env.addPrompt(fmt.Sprintf("p%d", i), true, fmt.Sprintf("secret %d", i))
	}

	// Three reveals succeed and return the text.
	for i := 1; i <= 3; i++ {
		rec := env.do(t, http.MethodPost, fmt.Sprintf("/v1/prompts/p%d/reveal", i), "dev-1", "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("reveal %d status = %d, body = %s", i, rec.Code, rec.Body.String())
		}
		view := decodeBody[promptView](t, rec)
		if view.Access.Locked || view.PromptText == nil {
			t.Fatalf("reveal %d did not unlock: %+v", i, view.Access)
		}
	}

	// The fourth is refused with a login routing for guests.
	rec := env.do(t, http.MethodPost, "/v1/prompts/p4/reveal", "dev-1", "", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("fourth reveal status = %d, want 403", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "secret 4") {
		t.Fatal("denied reveal leaked prompt text")
	}
	denied := decodeBody[struct {
		Access accessView `json:"access"`
	}](t, rec)
	if denied.Access.Action != string(core.ActionPromptLogin) {
		t.Errorf("denied action = %q, want prompt_login", denied.Access.Action)
	}

	// Earlier reveals remain readable on the same device.
	rec = env.do(t, http.MethodGet, "/v1/prompts/p2", "dev-1", "", nil)
	view := decodeBody[promptView](t, rec)
	if view.Access.Locked || view.PromptText == nil {
		t.Error("previously revealed prompt re-locked")
	}

	// A different device has a fresh quota.
	rec = env.do(t, http.MethodPost, "/v1/prompts/p4/reveal", "dev-2", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("other device reveal status = %d, want 200", rec.Code)
	}
}

func TestCopyGatesLockedPrompts(t *testing.T) {
	env := newTestEnv(t)
	env.addPrompt("p1", true, "the secret prompt")

	rec := env.do(t, http.MethodPost, "/v1/prompts/p1/copy", "dev-1", "", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("locked copy status = %d, want 403", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "the secret prompt") {
		t.Fatal("locked copy leaked prompt text")
	}
	refused := decodeBody[struct {
		Access accessView `json:"access"`
	}](t, rec)
	if refused.Access.Action != string(core.ActionPromptLogin) {
		t.Errorf("refusal action = %q, want prompt_login", refused.Access.Action)
	}

	// Reveal first, then copy succeeds.
	if rec := env.do(t, http.MethodPost, "/v1/prompts/p1/reveal", "dev-1", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("reveal status = %d", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/v1/prompts/p1/copy", "dev-1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("copy after reveal status = %d", rec.Code)
	}
	copied := decodeBody[map[string]string](t, rec)
	if copied["prompt_text"] != "the secret prompt" {
		t.Errorf("copied text = %q", copied["prompt_text"])
	}
}

func TestProMemberSeesEverything(t *testing.T) {
	env := newTestEnv(t)
	env.addPrompt("p1", true, "the secret prompt")

	profile, err := env.accounts.CreateProfile(context.Background(), repository.Profile{
		Username: "pro", Email: "pro@example.com", IsPro: true,
	})
	if err != nil {
		t.Fatalf("CreateProfile() error = %v", err)
	}
	token, err := env.tokens.Issue(profile.ID, profile.Email)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	rec := env.do(t, http.MethodGet, "/v1/prompts/p1", "dev-1", token, nil)
	view := decodeBody[promptView](t, rec)
	if view.Access.Locked {
		t.Error("premium prompt locked for pro member")
	}
	if view.PromptText == nil || *view.PromptText != "the secret prompt" {
		t.Error("pro member did not receive prompt text")
	}
}

func TestSignupLoginMe(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/auth/signup", "dev-1", "", map[string]string{
		"username": "alex",
		"email":    "alex@example.com",
		"password": "correcthorse",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("signup status = %d, body = %s", rec.Code, rec.Body.String())
	}
	signup := decodeBody[authJSONResponse](t, rec)
	if signup.Token == "" {
		t.Fatal("signup returned no token")
	}

	rec = env.do(t, http.MethodPost, "/v1/auth/login", "dev-1", "", map[string]string{
		"email":    "alex@example.com",
		"password": "correcthorse",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body = %s", rec.Code, rec.Body.String())
	}
	login := decodeBody[authJSONResponse](t, rec)

	rec = env.do(t, http.MethodGet, "/v1/auth/me", "dev-1", login.Token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("me status = %d", rec.Code)
	}
	me := decodeBody[repository.Profile](t, rec)
	if me.Username != "alex" {
		t.Errorf("me username = %q", me.Username)
	}

	rec = env.do(t, http.MethodPost, "/v1/auth/login", "dev-1", "", map[string]string{
		"email":    "alex@example.com",
		"password": "wrong",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad login status = %d, want 401", rec.Code)
	}
}

func TestUpdateMe(t *testing.T) {
	env := newTestEnv(t)

	profile, _ := env.accounts.CreateProfile(context.Background(), repository.Profile{
		Username: "alex", Email: "alex@example.com", AvatarURL: "https://cdn.example.com/old.png",
	})
	token, _ := env.tokens.Issue(profile.ID, profile.Email)

	// Absent avatar_url keeps the current value.
	rec := env.do(t, http.MethodPatch, "/v1/auth/me", "dev-1", token, map[string]string{
		"username": "  alexandra  ",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d, body = %s", rec.Code, rec.Body.String())
	}
	updated := decodeBody[repository.Profile](t, rec)
	if updated.Username != "alexandra" {
		t.Errorf("username = %q, want trimmed update", updated.Username)
	}
	if updated.AvatarURL != "https://cdn.example.com/old.png" {
		t.Errorf("avatar = %q, want unchanged", updated.AvatarURL)
	}

	// An explicit empty avatar_url clears it.
	rec = env.do(t, http.MethodPatch, "/v1/auth/me", "dev-1", token, map[string]string{
		"avatar_url": "",
	})
	updated = decodeBody[repository.Profile](t, rec)
	if updated.AvatarURL != "" {
		t.Errorf("avatar after clear = %q, want empty", updated.AvatarURL)
	}
	if updated.Username != "alexandra" {
		t.Errorf("username after avatar clear = %q, want unchanged", updated.Username)
	}

	// A blank username is rejected.
	rec = env.do(t, http.MethodPatch, "/v1/auth/me", "dev-1", token, map[string]string{
		"username": "   ",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("blank username status = %d, want 400", rec.Code)
	}
}

func TestUpgradeUnlocksPremium(t *testing.T) {
	env := newTestEnv(t)
	env.addPrompt("p1", true, "the secret prompt")

	profile, _ := env.accounts.CreateProfile(context.Background(), repository.Profile{
		Username: "alex", Email: "alex@example.com",
	})
	token, _ := env.tokens.Issue(profile.ID, profile.Email)

	// Exhaust the free quota so the refusal routes to the upgrade offer.
	for i := 0; i < 3; i++ {
		env.addPrompt(fmt.Sprintf("filler-%d", i), true, "filler")
		if rec := env.do(t, http.MethodPost, fmt.Sprintf("/v1/prompts/filler-%d/reveal", i), "dev-1", token, nil); rec.Code != http.StatusOK {
			t.Fatalf("filler reveal %d status = %d", i, rec.Code)
		}
	}
	rec := env.do(t, http.MethodPost, "/v1/prompts/p1/reveal", "dev-1", token, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("exhausted reveal status = %d, want 403", rec.Code)
	}
	denied := decodeBody[struct {
		Access accessView `json:"access"`
	}](t, rec)
	if denied.Access.Action != string(core.ActionPromptUpgrade) {
		t.Fatalf("exhausted member action = %q, want prompt_upgrade", denied.Access.Action)
	}

	rec = env.do(t, http.MethodPost, "/v1/upgrade", "dev-1", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("upgrade status = %d, body = %s", rec.Code, rec.Body.String())
	}
	upgraded := decodeBody[repository.Profile](t, rec)
	if !upgraded.IsPro {
		t.Fatal("upgrade response not marked pro")
	}

	// The next request resolves as Pro and the premium prompt is open.
	rec = env.do(t, http.MethodGet, "/v1/prompts/p1", "dev-1", token, nil)
	view := decodeBody[promptView](t, rec)
	if view.Access.Locked || view.PromptText == nil {
		t.Errorf("premium prompt still locked after upgrade: %+v", view.Access)
	}
}

func TestSignupValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/auth/signup", "dev-1", "", map[string]string{
		"username": "alex",
		"email":    "alex@example.com",
		"password": "short",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("weak password signup status = %d, want 400", rec.Code)
	}
}

func TestMutationsRequireAuth(t *testing.T) {
	env := newTestEnv(t)
	env.addPrompt("p1", false, "text")

	paths := []struct {
		method string
		path   string
		body   any
	}{
		{http.MethodPost, "/v1/prompts", map[string]string{"title": "x"}},
		{http.MethodDelete, "/v1/prompts/p1", nil},
		{http.MethodPost, "/v1/prompts/p1/save", nil},
		{http.MethodDelete, "/v1/prompts/p1/save", nil},
		{http.MethodGet, "/v1/saved", nil},
		{http.MethodGet, "/v1/auth/me", nil},
		{http.MethodPatch, "/v1/auth/me", map[string]string{"username": "x"}},
		{http.MethodPost, "/v1/upgrade", nil},
	}

	for _, tt := range paths {
		rec := env.do(t, tt.method, tt.path, "dev-1", "", tt.body)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s status = %d, want 401", tt.method, tt.path, rec.Code)
		}
	}
}

func TestSaveAndListSaved(t *testing.T) {
	env := newTestEnv(t)
	env.addPrompt("p1", false, "text")

	profile, _ := env.accounts.CreateProfile(context.Background(), repository.Profile{
		Username: "alex", Email: "alex@example.com",
	})
	token, _ := env.tokens.Issue(profile.ID, profile.Email)

	if rec := env.do(t, http.MethodPost, "/v1/prompts/p1/save", "dev-1", token, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("save status = %d", rec.Code)
	}

	rec := env.do(t, http.MethodGet, "/v1/saved", "dev-1", token, nil)
	saved := decodeBody[[]promptView](t, rec)
	if len(saved) != 1 || saved[0].ID != "p1" {
		t.Errorf("saved = %+v", saved)
	}

	if rec := env.do(t, http.MethodDelete, "/v1/prompts/p1/save", "dev-1", token, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("unsave status = %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/v1/saved", "dev-1", token, nil)
	if saved := decodeBody[[]promptView](t, rec); len(saved) != 0 {
		t.Errorf("saved after unsave = %+v", saved)
	}
}

func TestGetProfileOmitsEmail(t *testing.T) {
	env := newTestEnv(t)
	env.catalog.profiles["creator"] = repository.Profile{
		ID: "creator", Username: "maker", Email: "maker@example.com",
	}
	env.addPrompt("p1", false, "text")

	rec := env.do(t, http.MethodGet, "/v1/profiles/creator", "dev-1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("profile status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "maker@example.com") {
		t.Error("public profile leaked the email address")
	}
	profile := decodeBody[profileJSONResponse](t, rec)
	if profile.Username != "maker" || len(profile.Prompts) != 1 {
		t.Errorf("profile = %+v", profile)
	}
}

func TestStreamReplaysEvents(t *testing.T) {
	env := newTestEnv(t)
	env.catalog.events = []repository.PromptEvent{
		{EventID: 1, PromptID: "p1", EventType: "updated", Payload: json.RawMessage(`{"id":"p1"}`)},
		{EventID: 2, PromptID: "p1", EventType: "deleted", Payload: json.RawMessage(`{"id":"p1"}`)},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/v1/stream", nil).WithContext(ctx)
	req.Header.Set("Last-Event-ID", "1")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	body := rec.Body.String()
	if strings.Contains(body, "id: 1\n") {
		t.Error("stream replayed an event at or before Last-Event-ID")
	}
	if !strings.Contains(body, "id: 2\nevent: delete\n") {
		t.Errorf("stream missing delete event, body = %q", body)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Content-Type = %q", got)
	}
}
