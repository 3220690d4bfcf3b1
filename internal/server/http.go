// Package server exposes the gallery over HTTP: auth, the prompt catalog,
// the reveal and copy endpoints, uploads, and the SSE change stream. All
// prompt serialization funnels through one redaction point so locked fields
// can never leak from a forgotten handler.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/promptnexus/nexus/internal/access"
	"github.com/promptnexus/nexus/internal/auth"
	"github.com/promptnexus/nexus/internal/core"
	"github.com/promptnexus/nexus/internal/repository"
	"github.com/promptnexus/nexus/internal/service"
)

const (
	defaultStreamPollInterval = time.Second
	defaultMaxJSONBodyBytes   = 1 << 20
	maxUploadBytes            = 10 << 20
)

var errJSONBodyTooLarge = errors.New("json request body too large")

// Catalog is the slice of the catalog service the HTTP layer uses.
type Catalog interface {
	CreatePrompt(ctx context.Context, prompt repository.Prompt, userID string) (repository.Prompt, error)
	GetPrompt(ctx context.Context, id string) (repository.Prompt, error)
	ListPrompts(ctx context.Context, filter service.ListFilter) ([]repository.Prompt, error)
	ListPromptsByUser(ctx context.Context, userID string) ([]repository.Prompt, error)
	DeletePrompt(ctx context.Context, id, ownerID string) error
	ListCategories(ctx context.Context) ([]string, error)
	SavePrompt(ctx context.Context, userID, promptID string) error
	UnsavePrompt(ctx context.Context, userID, promptID string) error
	ListSavedPrompts(ctx context.Context, userID string) ([]repository.Prompt, error)
	GetProfile(ctx context.Context, id string) (repository.Profile, error)
	ListEventsSince(ctx context.Context, eventID int64) ([]repository.PromptEvent, error)
}

// Accounts is the profile persistence needed for signup, login, and
// member self-service.
type Accounts interface {
	CreateProfile(ctx context.Context, profile repository.Profile) (repository.Profile, error)
	GetProfileByEmail(ctx context.Context, email string) (repository.Profile, error)
	GetProfile(ctx context.Context, id string) (repository.Profile, error)
	UpdateProfile(ctx context.Context, id, username, avatarURL string) (repository.Profile, error)
	SetProfilePro(ctx context.Context, id string, isPro bool) (repository.Profile, error)
}

// ImageStore uploads gallery images and returns a public URL.
type ImageStore interface {
	Upload(ctx context.Context, filename, contentType string, reader io.Reader, size int64) (string, error)
}

// Config wires the HTTP server's collaborators. Gate, Catalog, Accounts,
// and Tokens are required; the rest are optional.
type Config struct {
	Catalog            Catalog
	Accounts           Accounts
	Gate               *access.Gate
	Tokens             *auth.TokenManager
	Images             ImageStore
	MetricsHandler     http.Handler
	StreamPollInterval time.Duration
	MaxJSONBodySize    int64
	OnDecision         func(action string)
	OnStreamOpen       func()
	OnStreamClose      func()
}

type HTTPServer struct {
	cfg Config
}

// NewHTTPHandler builds the public API handler. The returned handler
// expects the auth middleware to have run already.
func NewHTTPHandler(cfg Config) http.Handler {
	if cfg.Catalog == nil || cfg.Accounts == nil || cfg.Gate == nil || cfg.Tokens == nil {
		panic("server: missing required collaborators")
	}
	if cfg.StreamPollInterval <= 0 {
		cfg.StreamPollInterval = defaultStreamPollInterval
	}
	if cfg.MaxJSONBodySize <= 0 {
		cfg.MaxJSONBodySize = defaultMaxJSONBodyBytes
	}

	server := &HTTPServer{cfg: cfg}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/auth/signup", server.handleSignup)
	mux.HandleFunc("POST /v1/auth/login", server.handleLogin)
	mux.HandleFunc("GET /v1/auth/me", server.handleMe)
	mux.HandleFunc("PATCH /v1/auth/me", server.handleUpdateMe)
	mux.HandleFunc("POST /v1/upgrade", server.handleUpgrade)
	mux.HandleFunc("GET /v1/prompts", server.handleListPrompts)
	mux.HandleFunc("POST /v1/prompts", server.handleCreatePrompt)
	mux.HandleFunc("GET /v1/prompts/{id}", server.handleGetPrompt)
	mux.HandleFunc("DELETE /v1/prompts/{id}", server.handleDeletePrompt)
	mux.HandleFunc("POST /v1/prompts/{id}/reveal", server.handleReveal)
	mux.HandleFunc("POST /v1/prompts/{id}/copy", server.handleCopy)
	mux.HandleFunc("POST /v1/prompts/{id}/save", server.handleSavePrompt)
	mux.HandleFunc("DELETE /v1/prompts/{id}/save", server.handleUnsavePrompt)
	mux.HandleFunc("GET /v1/saved", server.handleListSaved)
	mux.HandleFunc("GET /v1/categories", server.handleListCategories)
	mux.HandleFunc("GET /v1/profiles/{id}", server.handleGetProfile)
	mux.HandleFunc("POST /v1/uploads", server.handleUpload)
	mux.HandleFunc("GET /v1/stream", server.handleStream)
	mux.HandleFunc("GET /healthz", server.handleHealthz)
	if cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", cfg.MetricsHandler)
	}

	return mux
}

type accessView struct {
	Locked  bool   `json:"locked"`
	Action  string `json:"action"`
	Message string `json:"message,omitempty"`
}

// promptView is the wire shape of a prompt. The gated fields are pointers
// so a locked prompt omits them entirely instead of sending zero values.
type promptView struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Type          string     `json:"type"`
	Premium       bool       `json:"is_premium"`
	Trending      bool       `json:"is_trending"`
	TrendingRank  *int       `json:"trending_rank,omitempty"`
	Category      string     `json:"category"`
	ImageResult   string     `json:"image_result"`
	ImageSource   string     `json:"image_source,omitempty"`
	Model         string     `json:"model"`
	Rarity        string     `json:"rarity"`
	AspectRatio   string     `json:"aspect_ratio"`
	Description   string     `json:"description,omitempty"`
	UserID        string     `json:"user_id"`
	CreatedAt     time.Time  `json:"created_at"`
	PromptText    *string    `json:"prompt_text,omitempty"`
	Seed          *int64     `json:"seed,omitempty"`
	GuidanceScale *float64   `json:"guidance_scale,omitempty"`
	Access        accessView `json:"access"`
}

func (s *HTTPServer) promptViewFor(ctx context.Context, prompt repository.Prompt) promptView {
	viewer := auth.ViewerFromContext(ctx)
	deviceID := auth.DeviceIDFromContext(ctx)
	decision := s.cfg.Gate.Evaluate(ctx, viewer, service.Descriptor(prompt), deviceID, prompt.ID)
	if s.cfg.OnDecision != nil {
		s.cfg.OnDecision(string(decision.Action))
	}

	view := promptView{
		ID:           prompt.ID,
		Title:        prompt.Title,
		Type:         prompt.Type,
		Premium:      prompt.Premium,
		Trending:     prompt.Trending,
		TrendingRank: prompt.TrendingRank,
		Category:     prompt.Category,
		ImageResult:  prompt.ImageResult,
		ImageSource:  prompt.ImageSource,
		Model:        prompt.Model,
		Rarity:       prompt.Rarity,
		AspectRatio:  prompt.AspectRatio,
		Description:  prompt.Description,
		UserID:       prompt.UserID,
		CreatedAt:    prompt.CreatedAt,
		Access: accessView{
			Locked:  decision.Locked,
			Action:  string(decision.Action),
			Message: decision.Message,
		},
	}

	if !decision.Locked {
		view.PromptText = &prompt.PromptText
		view.Seed = &prompt.Seed
		view.GuidanceScale = &prompt.GuidanceScale
	}

	return view
}

func (s *HTTPServer) promptViewsFor(ctx context.Context, prompts []repository.Prompt) []promptView {
	views := make([]promptView, 0, len(prompts))
	for _, prompt := range prompts {
		views = append(views, s.promptViewFor(ctx, prompt))
	}
	return views
}

type signupJSONRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginJSONRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authJSONResponse struct {
	Token   string             `json:"token"`
	Profile repository.Profile `json:"profile"`
}

func (s *HTTPServer) handleSignup(w http.ResponseWriter, r *http.Request) {
	var request signupJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	request.Username = strings.TrimSpace(request.Username)
	request.Email = strings.TrimSpace(request.Email)
	if request.Username == "" || request.Email == "" {
		writeJSONError(w, http.StatusBadRequest, "username and email are required")
		return
	}
	if len(request.Password) < 8 {
		writeJSONError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	passwordHash, err := auth.HashPassword(request.Password)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	profile, err := s.cfg.Accounts.CreateProfile(r.Context(), repository.Profile{
		Username:     request.Username,
		Email:        request.Email,
		PasswordHash: passwordHash,
	})
	if err != nil {
		writeJSONError(w, http.StatusConflict, "account could not be created")
		return
	}

	token, err := s.cfg.Tokens.Issue(profile.ID, profile.Email)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusCreated, authJSONResponse{Token: token, Profile: profile})
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var request loginJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	profile, err := s.cfg.Accounts.GetProfileByEmail(r.Context(), strings.TrimSpace(request.Email))
	if err != nil || !auth.CheckPassword(profile.PasswordHash, request.Password) {
		// One message for both failures so logins cannot probe for accounts.
		writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := s.cfg.Tokens.Issue(profile.ID, profile.Email)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, authJSONResponse{Token: token, Profile: profile})
}

func (s *HTTPServer) handleMe(w http.ResponseWriter, r *http.Request) {
	session := auth.SessionFromContext(r.Context())
	if session == nil {
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	profile, err := s.cfg.Accounts.GetProfile(r.Context(), session.UserID)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "profile not found")
		return
	}

	writeJSON(w, http.StatusOK, profile)
}

// updateProfileJSONRequest uses pointers so absent fields keep their current
// values while an explicit empty avatar_url clears the avatar.
type updateProfileJSONRequest struct {
	Username  *string `json:"username"`
	AvatarURL *string `json:"avatar_url"`
}

func (s *HTTPServer) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	session := auth.SessionFromContext(r.Context())
	if session == nil {
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var request updateProfileJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	current, err := s.cfg.Accounts.GetProfile(r.Context(), session.UserID)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "profile not found")
		return
	}

	username := current.Username
	if request.Username != nil {
		username = strings.TrimSpace(*request.Username)
		if username == "" {
			writeJSONError(w, http.StatusBadRequest, "username cannot be empty")
			return
		}
	}
	avatarURL := current.AvatarURL
	if request.AvatarURL != nil {
		avatarURL = strings.TrimSpace(*request.AvatarURL)
	}

	updated, err := s.cfg.Accounts.UpdateProfile(r.Context(), session.UserID, username, avatarURL)
	if err != nil {
		writeJSONError(w, http.StatusConflict, "profile could not be updated")
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

// handleUpgrade flips the member to Pro. This is where the prompt_upgrade
// refusal routing lands once the member accepts; payment is out of scope, so
// accepting the upgrade is the whole flow.
func (s *HTTPServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	session := auth.SessionFromContext(r.Context())
	if session == nil {
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	profile, err := s.cfg.Accounts.SetProfilePro(r.Context(), session.UserID, true)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "profile not found")
		return
	}

	writeJSON(w, http.StatusOK, profile)
}

func (s *HTTPServer) handleListPrompts(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := service.ListFilter{
		Category:     strings.TrimSpace(query.Get("category")),
		TrendingOnly: query.Get("trending") == "true",
		PremiumOnly:  query.Get("premium") == "true",
		Search:       strings.TrimSpace(query.Get("q")),
	}

	prompts, err := s.cfg.Catalog.ListPrompts(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, s.promptViewsFor(r.Context(), prompts))
}

type createPromptJSONRequest struct {
	Title         string  `json:"title"`
	Type          string  `json:"type"`
	Premium       bool    `json:"is_premium"`
	Category      string  `json:"category"`
	ImageResult   string  `json:"image_result"`
	ImageSource   string  `json:"image_source"`
	PromptText    string  `json:"prompt_text"`
	Model         string  `json:"model"`
	Rarity        string  `json:"rarity"`
	AspectRatio   string  `json:"aspect_ratio"`
	Seed          int64   `json:"seed"`
	GuidanceScale float64 `json:"guidance_scale"`
	Description   string  `json:"description"`
}

func (s *HTTPServer) handleCreatePrompt(w http.ResponseWriter, r *http.Request) {
	session := auth.SessionFromContext(r.Context())
	if session == nil {
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var request createPromptJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	created, err := s.cfg.Catalog.CreatePrompt(r.Context(), repository.Prompt{
		Title:         request.Title,
		Type:          request.Type,
		Premium:       request.Premium,
		Category:      request.Category,
		ImageResult:   request.ImageResult,
		ImageSource:   request.ImageSource,
		PromptText:    request.PromptText,
		Model:         request.Model,
		Rarity:        request.Rarity,
		AspectRatio:   request.AspectRatio,
		Seed:          request.Seed,
		GuidanceScale: request.GuidanceScale,
		Description:   request.Description,
	}, session.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, s.promptViewFor(r.Context(), created))
}

func (s *HTTPServer) handleGetPrompt(w http.ResponseWriter, r *http.Request) {
	prompt, ok := s.loadPrompt(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, s.promptViewFor(r.Context(), prompt))
}

func (s *HTTPServer) handleDeletePrompt(w http.ResponseWriter, r *http.Request) {
	session := auth.SessionFromContext(r.Context())
	if session == nil {
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "prompt id is required")
		return
	}

	if err := s.cfg.Catalog.DeletePrompt(r.Context(), id, session.UserID); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleReveal(w http.ResponseWriter, r *http.Request) {
	prompt, ok := s.loadPrompt(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	viewer := auth.ViewerFromContext(ctx)
	deviceID := auth.DeviceIDFromContext(ctx)

	decision, err := s.cfg.Gate.ConfirmReveal(ctx, viewer, service.Descriptor(prompt), deviceID, prompt.ID)
	if err != nil {
		if errors.Is(err, access.ErrQuotaExhausted) {
			decision.Action = core.RefusalAction(viewer, decision)
			writeJSON(w, http.StatusForbidden, map[string]any{
				"error": "reveal quota exhausted",
				"access": accessView{
					Locked:  decision.Locked,
					Action:  string(decision.Action),
					Message: decision.Message,
				},
			})
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, s.promptViewFor(ctx, prompt))
}

func (s *HTTPServer) handleCopy(w http.ResponseWriter, r *http.Request) {
	prompt, ok := s.loadPrompt(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	viewer := auth.ViewerFromContext(ctx)
	deviceID := auth.DeviceIDFromContext(ctx)

	text, decision, err := s.cfg.Gate.CopyPrompt(ctx, viewer, service.Descriptor(prompt), deviceID, prompt.ID, prompt.PromptText)
	if err != nil {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error": "prompt is locked",
			"access": accessView{
				Locked:  decision.Locked,
				Action:  string(decision.Action),
				Message: decision.Message,
			},
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"prompt_text": text})
}

func (s *HTTPServer) handleSavePrompt(w http.ResponseWriter, r *http.Request) {
	session, id, ok := s.requireSessionAndID(w, r)
	if !ok {
		return
	}

	if err := s.cfg.Catalog.SavePrompt(r.Context(), session.UserID, id); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleUnsavePrompt(w http.ResponseWriter, r *http.Request) {
	session, id, ok := s.requireSessionAndID(w, r)
	if !ok {
		return
	}

	if err := s.cfg.Catalog.UnsavePrompt(r.Context(), session.UserID, id); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleListSaved(w http.ResponseWriter, r *http.Request) {
	session := auth.SessionFromContext(r.Context())
	if session == nil {
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	prompts, err := s.cfg.Catalog.ListSavedPrompts(r.Context(), session.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, s.promptViewsFor(r.Context(), prompts))
}

func (s *HTTPServer) handleListCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := s.cfg.Catalog.ListCategories(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, categories)
}

type profileJSONResponse struct {
	ID        string       `json:"id"`
	Username  string       `json:"username"`
	AvatarURL string       `json:"avatar_url"`
	IsPro     bool         `json:"is_pro"`
	Prompts   []promptView `json:"prompts"`
}

func (s *HTTPServer) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "profile id is required")
		return
	}

	profile, err := s.cfg.Catalog.GetProfile(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	prompts, err := s.cfg.Catalog.ListPromptsByUser(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, profileJSONResponse{
		ID:        profile.ID,
		Username:  profile.Username,
		AvatarURL: profile.AvatarURL,
		IsPro:     profile.IsPro,
		Prompts:   s.promptViewsFor(r.Context(), prompts),
	})
}

func (s *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	session := auth.SessionFromContext(r.Context())
	if session == nil {
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if s.cfg.Images == nil {
		writeJSONError(w, http.StatusNotImplemented, "uploads are not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "image file is required")
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "only image uploads are accepted")
		return
	}

	url, err := s.cfg.Images.Upload(r.Context(), header.Filename, contentType, file, header.Size)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "upload failed")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"url": url})
}

func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	lastEventID, err := parseLastEventID(r.Header.Get("Last-Event-ID"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid Last-Event-ID")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	if s.cfg.OnStreamOpen != nil {
		s.cfg.OnStreamOpen()
	}
	if s.cfg.OnStreamClose != nil {
		defer s.cfg.OnStreamClose()
	}

	currentEventID := lastEventID
	writeEvents := func(events []repository.PromptEvent) error {
		for _, event := range events {
			currentEventID = event.EventID
			eventName := toSSEEventName(event.EventType)
			if eventName == "" {
				continue
			}

			payload := event.Payload
			if len(payload) == 0 {
				payload = []byte(`{}`)
			}

			if err := writeSSEEvent(w, event.EventID, eventName, payload); err != nil {
				return err
			}
			flusher.Flush()
		}

		return nil
	}

	initialEvents, err := s.cfg.Catalog.ListEventsSince(r.Context(), currentEventID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if err := writeEvents(initialEvents); err != nil {
		return
	}

	ticker := time.NewTicker(s.cfg.StreamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			events, err := s.cfg.Catalog.ListEventsSince(r.Context(), currentEventID)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				writeSSEError(w, flusher, serviceErrorMessage(err))
				return
			}
			if err := writeEvents(events); err != nil {
				return
			}
		}
	}
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) loadPrompt(w http.ResponseWriter, r *http.Request) (repository.Prompt, bool) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "prompt id is required")
		return repository.Prompt{}, false
	}

	prompt, err := s.cfg.Catalog.GetPrompt(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return repository.Prompt{}, false
	}

	return prompt, true
}

func (s *HTTPServer) requireSessionAndID(w http.ResponseWriter, r *http.Request) (*auth.Session, string, bool) {
	session := auth.SessionFromContext(r.Context())
	if session == nil {
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
		return nil, "", false
	}

	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "prompt id is required")
		return nil, "", false
	}

	return session, id, true
}

func parseLastEventID(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}

	eventID, err := strconv.ParseInt(value, 10, 64)
	if err != nil || eventID < 0 {
		return 0, errors.New("invalid event id")
	}

	return eventID, nil
}

func toSSEEventName(eventType string) string {
	switch strings.ToLower(strings.TrimSpace(eventType)) {
	case "update", "updated":
		return "update"
	case "delete", "deleted":
		return "delete"
	default:
		return ""
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidPrompt):
		writeJSONError(w, http.StatusBadRequest, serviceErrorMessage(err))
	case errors.Is(err, service.ErrPromptNotFound), errors.Is(err, service.ErrProfileNotFound):
		writeJSONError(w, http.StatusNotFound, serviceErrorMessage(err))
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusRequestTimeout, serviceErrorMessage(err))
	default:
		writeJSONError(w, http.StatusInternalServerError, serviceErrorMessage(err))
	}
}

func serviceErrorMessage(err error) string {
	switch {
	case errors.Is(err, service.ErrInvalidPrompt):
		return err.Error()
	case errors.Is(err, service.ErrPromptNotFound):
		return "prompt not found"
	case errors.Is(err, service.ErrProfileNotFound):
		return "profile not found"
	case errors.Is(err, context.Canceled):
		return "request canceled"
	default:
		return "internal server error"
	}
}

func writeSSEError(w http.ResponseWriter, flusher http.Flusher, message string) {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		payload = []byte(`{"error":"internal server error"}`)
	}
	_, _ = fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
	flusher.Flush()
}

func writeSSEEvent(w io.Writer, eventID int64, eventName string, payload []byte) error {
	dataLines := compactSSEPayload(payload)
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\n", eventID, eventName); err != nil {
		return err
	}

	for _, line := range dataLines {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}

	_, err := fmt.Fprint(w, "\n")
	return err
}

func compactSSEPayload(payload []byte) []string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err == nil {
		return []string{compact.String()}
	}

	lines := strings.Split(string(payload), "\n")
	if len(lines) == 0 {
		return []string{""}
	}

	return lines
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxJSONBodySize))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
