// Package admin implements the moderation portal served over tsnet. It
// handles first-run setup, moderator login, prompt curation (premium and
// trending toggles, takedowns), category management, and the audit log.
package admin

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/promptnexus/nexus/internal/repository"
	"github.com/promptnexus/nexus/internal/service"
)

type adminContextKey string

const sessionContextKey adminContextKey = "admin_session"

const (
	adminAuditWriteTimeout = 2 * time.Second
	csrfCookieName         = "nexus_csrf"
)

type Handler struct {
	Repo       *repository.PostgresRepository
	Catalog    *service.Service
	SessionMgr *SessionManager
	log        *slog.Logger
	mux        *http.ServeMux
}

func NewHandler(repo *repository.PostgresRepository, catalog *service.Service, sessionMgr *SessionManager, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		Repo:       repo,
		Catalog:    catalog,
		SessionMgr: sessionMgr,
		log:        log,
	}
	h.mux = h.buildMux()
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	// Public routes
	mux.HandleFunc("/login", h.handleLogin)
	mux.HandleFunc("/setup", h.handleSetup)
	mux.HandleFunc("POST /logout", h.handleLogout)

	// Protected routes
	mux.HandleFunc("GET /{$}", h.requireAuth(h.handleDashboard))
	mux.HandleFunc("POST /prompts/{id}/premium", h.requireAuth(h.handleTogglePremium))
	mux.HandleFunc("POST /prompts/{id}/trending", h.requireAuth(h.handleToggleTrending))
	mux.HandleFunc("POST /prompts/{id}/delete", h.requireAuth(h.handleDeletePrompt))
	mux.HandleFunc("POST /categories", h.requireAuth(h.handleCreateCategory))
	mux.HandleFunc("POST /categories/delete", h.requireAuth(h.handleDeleteCategory))
	mux.HandleFunc("GET /audit-log", h.requireAuth(h.handleAuditLog))

	// Static assets
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.FS(content))))

	return mux
}

// requireAuth ensures a valid session exists and validates CSRF tokens on
// state-changing requests.
func (h *Handler) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}

		session, err := h.SessionMgr.ValidateSession(r.Context(), cookie.Value)
		if err != nil {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}

		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodDelete {
			csrfToken := r.FormValue("csrf_token")
			if csrfToken == "" {
				csrfToken = r.Header.Get("X-CSRF-Token")
			}
			if subtle.ConstantTimeCompare([]byte(csrfToken), []byte(session.CSRFToken)) != 1 {
				http.Error(w, "Forbidden: invalid CSRF token", http.StatusForbidden)
				return
			}
		}

		ctx := context.WithValue(r.Context(), sessionContextKey, session)
		next(w, r.WithContext(ctx))
	}
}

func (h *Handler) handleSetup(w http.ResponseWriter, r *http.Request) {
	count, err := h.Repo.CountAdminUsers(r.Context())
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if count > 0 {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	if r.Method == http.MethodGet {
		h.renderWithCSRFCookie(w, r, "setup.html", nil)
		return
	}

	if r.Method == http.MethodPost {
		if !h.validateDoubleSubmitCSRF(r) {
			http.Error(w, "Forbidden: invalid CSRF token", http.StatusForbidden)
			return
		}
		username := strings.TrimSpace(r.FormValue("username"))
		password := r.FormValue("password")
		confirm := r.FormValue("confirm_password")

		if msg := validateUsername(username); msg != "" {
			h.render(w, "setup.html", map[string]any{"Error": msg})
			return
		}
		if password != confirm {
			h.render(w, "setup.html", map[string]any{"Error": "Passwords do not match"})
			return
		}
		if len(password) < 12 {
			h.render(w, "setup.html", map[string]any{"Error": "Password must be at least 12 characters"})
			return
		}

		hash, err := HashPassword(password)
		if err != nil {
			http.Error(w, "Failed to hash password", http.StatusInternalServerError)
			return
		}

		user, err := h.Repo.CreateAdminUser(r.Context(), username, hash)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				http.Redirect(w, r, "/login", http.StatusFound)
				return
			}
			h.log.Error("failed to create admin user", "error", err)
			h.render(w, "setup.html", map[string]any{"Error": "Failed to create user"})
			return
		}

		h.logAudit(r.Context(), user.ID, "admin_setup", "", map[string]string{"username": username})

		http.Redirect(w, r, "/login", http.StatusFound)
	}
}

func validateUsername(username string) string {
	if len(username) < 3 || len(username) > 50 {
		return "Username must be between 3 and 50 characters"
	}
	for _, c := range username {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '-' || c == '.') {
			return "Username may only contain letters, digits, underscores, hyphens, and dots"
		}
	}
	return ""
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		h.renderWithCSRFCookie(w, r, "login.html", nil)
		return
	}

	if r.Method == http.MethodPost {
		if !h.validateDoubleSubmitCSRF(r) {
			http.Error(w, "Forbidden: invalid CSRF token", http.StatusForbidden)
			return
		}
		username := r.FormValue("username")
		password := r.FormValue("password")

		remoteAddr := clientAddr(r)

		if allowed := h.SessionMgr.CheckLoginRateLimit(remoteAddr); !allowed {
			h.render(w, "login.html", map[string]any{"Error": "Too many attempts. Please try again later."})
			return
		}

		user, err := h.Repo.GetAdminUserByUsername(r.Context(), username)
		if err != nil {
			h.SessionMgr.RecordLoginAttempt(remoteAddr)
			// Same message whether the user is unknown or the DB errored.
			h.render(w, "login.html", map[string]any{"Error": "Invalid credentials"})
			return
		}

		match, err := VerifyPassword(password, user.PasswordHash)
		if err != nil || !match {
			h.SessionMgr.RecordLoginAttempt(remoteAddr)
			h.render(w, "login.html", map[string]any{"Error": "Invalid credentials"})
			return
		}

		token, err := h.SessionMgr.GenerateSession(r.Context(), user.ID)
		if err != nil {
			http.Error(w, "Failed to create session", http.StatusInternalServerError)
			return
		}
		h.SessionMgr.SetSessionCookie(w, token)

		h.logAudit(r.Context(), user.ID, "admin_login", "", nil)

		http.Redirect(w, r, "/", http.StatusFound)
	}
}

// clientAddr resolves the client IP, trusting proxy headers only when the
// request arrives from a loopback or private address.
func clientAddr(r *http.Request) string {
	remoteAddr := r.RemoteAddr
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		remoteAddr = host
	}
	if ip := net.ParseIP(remoteAddr); ip != nil && (ip.IsLoopback() || ip.IsPrivate()) {
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
	}
	return remoteAddr
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		_ = h.SessionMgr.InvalidateSession(r.Context(), cookie.Value)
	}
	h.SessionMgr.ClearSessionCookie(w)
	http.Redirect(w, r, "/login", http.StatusFound)
}

func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	session, user, ok := h.sessionUser(w, r)
	if !ok {
		return
	}

	prompts, err := h.Catalog.ListPrompts(r.Context(), service.ListFilter{})
	if err != nil {
		http.Error(w, "Failed to list prompts", http.StatusInternalServerError)
		return
	}

	categories, err := h.Catalog.ListCategories(r.Context())
	if err != nil {
		http.Error(w, "Failed to list categories", http.StatusInternalServerError)
		return
	}

	h.render(w, "dashboard.html", map[string]any{
		"User":       user,
		"Prompts":    prompts,
		"Categories": categories,
		"CSRFToken":  session.CSRFToken,
	})
}

func (h *Handler) handleTogglePremium(w http.ResponseWriter, r *http.Request) {
	session, _, ok := h.sessionUser(w, r)
	if !ok {
		return
	}

	id := r.PathValue("id")
	prompt, err := h.Catalog.GetPrompt(r.Context(), id)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	updated, err := h.Catalog.SetPromptPremium(r.Context(), id, !prompt.Premium)
	if err != nil {
		http.Error(w, "Failed to update prompt", http.StatusInternalServerError)
		return
	}

	h.logAudit(r.Context(), session.AdminUserID, "prompt_premium_toggle", id, map[string]bool{"premium": updated.Premium})

	http.Redirect(w, r, "/", http.StatusFound)
}

func (h *Handler) handleToggleTrending(w http.ResponseWriter, r *http.Request) {
	session, _, ok := h.sessionUser(w, r)
	if !ok {
		return
	}

	id := r.PathValue("id")
	prompt, err := h.Catalog.GetPrompt(r.Context(), id)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	var rank *int
	trending := !prompt.Trending
	if trending {
		if v := strings.TrimSpace(r.FormValue("rank")); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				http.Error(w, "Invalid rank", http.StatusBadRequest)
				return
			}
			rank = &n
		}
	}

	updated, err := h.Catalog.SetPromptTrending(r.Context(), id, trending, rank)
	if err != nil {
		http.Error(w, "Failed to update prompt", http.StatusInternalServerError)
		return
	}

	h.logAudit(r.Context(), session.AdminUserID, "prompt_trending_toggle", id, map[string]any{
		"trending": updated.Trending,
		"rank":     updated.TrendingRank,
	})

	http.Redirect(w, r, "/", http.StatusFound)
}

func (h *Handler) handleDeletePrompt(w http.ResponseWriter, r *http.Request) {
	session, _, ok := h.sessionUser(w, r)
	if !ok {
		return
	}

	id := r.PathValue("id")
	// Empty owner ID marks the deletion as a moderator takedown, which
	// bypasses the ownership check.
	if err := h.Catalog.DeletePrompt(r.Context(), id, ""); err != nil {
		if errors.Is(err, service.ErrPromptNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "Failed to delete prompt", http.StatusInternalServerError)
		return
	}

	h.logAudit(r.Context(), session.AdminUserID, "prompt_takedown", id, nil)

	http.Redirect(w, r, "/", http.StatusFound)
}

func (h *Handler) handleCreateCategory(w http.ResponseWriter, r *http.Request) {
	session, _, ok := h.sessionUser(w, r)
	if !ok {
		return
	}

	name := strings.TrimSpace(r.FormValue("name"))
	if err := h.Catalog.CreateCategory(r.Context(), name); err != nil {
		http.Error(w, "Failed to create category", http.StatusInternalServerError)
		return
	}

	h.logAudit(r.Context(), session.AdminUserID, "category_create", "", map[string]string{"name": name})

	http.Redirect(w, r, "/", http.StatusFound)
}

func (h *Handler) handleDeleteCategory(w http.ResponseWriter, r *http.Request) {
	session, _, ok := h.sessionUser(w, r)
	if !ok {
		return
	}

	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		http.Error(w, "Missing category name", http.StatusBadRequest)
		return
	}

	if err := h.Repo.DeleteCategory(r.Context(), name); err != nil {
		http.Error(w, "Failed to delete category", http.StatusInternalServerError)
		return
	}

	h.logAudit(r.Context(), session.AdminUserID, "category_delete", "", map[string]string{"name": name})

	http.Redirect(w, r, "/", http.StatusFound)
}

func (h *Handler) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	session, user, ok := h.sessionUser(w, r)
	if !ok {
		return
	}

	entries, err := h.Repo.ListAuditLog(r.Context(), 100)
	if err != nil {
		http.Error(w, "Failed to load audit log", http.StatusInternalServerError)
		return
	}

	h.render(w, "audit_log.html", map[string]any{
		"User":      user,
		"Entries":   entries,
		"CSRFToken": session.CSRFToken,
	})
}

// sessionUser pulls the session from the request context and loads the
// moderator account. On any failure the session is torn down and the client
// redirected to the login page.
func (h *Handler) sessionUser(w http.ResponseWriter, r *http.Request) (repository.AdminSession, repository.AdminUser, bool) {
	session, ok := r.Context().Value(sessionContextKey).(repository.AdminSession)
	if !ok {
		http.Redirect(w, r, "/login", http.StatusFound)
		return repository.AdminSession{}, repository.AdminUser{}, false
	}
	user, err := h.Repo.GetAdminUserByID(r.Context(), session.AdminUserID)
	if err != nil {
		if cookie, cerr := r.Cookie(sessionCookieName); cerr == nil {
			_ = h.SessionMgr.InvalidateSession(r.Context(), cookie.Value)
		}
		h.SessionMgr.ClearSessionCookie(w)
		http.Redirect(w, r, "/login", http.StatusFound)
		return repository.AdminSession{}, repository.AdminUser{}, false
	}
	return session, user, true
}

func (h *Handler) render(w http.ResponseWriter, name string, data any) {
	if err := Render(w, name, data); err != nil {
		h.log.Error("render error", "template", name, "error", err)
	}
}

// renderWithCSRFCookie renders a pre-authentication page with a fresh CSRF
// token set both in a cookie and in the template, for the double-submit
// cookie pattern.
func (h *Handler) renderWithCSRFCookie(w http.ResponseWriter, r *http.Request, name string, data map[string]any) {
	csrfToken := generateCSRFToken()
	isSecure := r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    csrfToken,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   isSecure,
	})
	if data == nil {
		data = map[string]any{}
	}
	data["CSRFToken"] = csrfToken
	h.render(w, name, data)
}

func generateCSRFToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("failed to generate CSRF token: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// validateDoubleSubmitCSRF checks that the CSRF form value matches the CSRF
// cookie, implementing the double-submit cookie pattern for forms served
// before a session exists (login, setup).
func (h *Handler) validateDoubleSubmitCSRF(r *http.Request) bool {
	cookie, err := r.Cookie(csrfCookieName)
	if err != nil || cookie.Value == "" {
		return false
	}
	formToken := r.FormValue("csrf_token")
	if formToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(formToken)) == 1
}

// logAudit writes an audit log entry on a best-effort basis. Failures are
// logged but never propagated to the caller.
func (h *Handler) logAudit(ctx context.Context, adminUserID, action, promptID string, details any) {
	entry, err := buildAuditEntry(adminUserID, action, promptID, details)
	if err != nil {
		h.log.Error("audit log: marshal details",
			"error", err,
			"action", action,
			"prompt_id", promptID,
			"admin_user_id", adminUserID,
		)
		return
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), adminAuditWriteTimeout)
	defer cancel()

	if err := h.Repo.RecordAuditLog(writeCtx, entry); err != nil {
		h.log.Error("audit log write failed",
			"error", err,
			"action", action,
			"prompt_id", promptID,
			"admin_user_id", adminUserID,
		)
	}
}
