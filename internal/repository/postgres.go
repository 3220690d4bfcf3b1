// Package repository provides PostgreSQL-backed persistence for prompts,
// profiles, categories, bookmarks, and the prompt event feed. It also
// handles LISTEN/NOTIFY-based cache invalidation so the catalog service
// stays fresh without polling the database into submission.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultNotifyChannel = "prompt_events"
	maxEventBatchSize    = 1000
)

// Prompt is the repository-level representation of a prompt row. PromptText,
// Seed, and GuidanceScale are the sensitive fields gated by the entitlement
// engine; redaction happens at serialization time, never here.
type Prompt struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Type          string    `json:"type"`
	Premium       bool      `json:"is_premium"`
	Trending      bool      `json:"is_trending"`
	TrendingRank  *int      `json:"trending_rank,omitempty"`
	Category      string    `json:"category"`
	ImageResult   string    `json:"image_result"`
	ImageSource   string    `json:"image_source,omitempty"`
	PromptText    string    `json:"prompt_text"`
	Model         string    `json:"model"`
	Rarity        string    `json:"rarity"`
	AspectRatio   string    `json:"aspect_ratio"`
	Seed          int64     `json:"seed"`
	GuidanceScale float64   `json:"guidance_scale"`
	Description   string    `json:"description,omitempty"`
	UserID        string    `json:"user_id"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Profile represents a member account row.
type Profile struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	AvatarURL    string    `json:"avatar_url"`
	IsPro        bool      `json:"is_pro"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// PromptEvent represents a change event for a prompt, stored in the
// prompt_events table and used to drive SSE streaming and cache
// invalidation.
type PromptEvent struct {
	EventID   int64           `json:"event_id"`
	PromptID  string          `json:"prompt_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// AdminUser represents an administrator account for the portal.
type AdminUser struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AdminSession represents an authenticated admin portal session.
type AdminSession struct {
	IDHash      string    `json:"-"`
	AdminUserID string    `json:"admin_user_id"`
	CSRFToken   string    `json:"csrf_token"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// AuditLogEntry records a moderation action performed in the admin portal.
type AuditLogEntry struct {
	ID          int64           `json:"id"`
	AdminUserID string          `json:"admin_user_id"`
	Action      string          `json:"action"`
	PromptID    string          `json:"prompt_id,omitempty"`
	Details     json.RawMessage `json:"details,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// PostgresRepository implements prompt, profile, and event persistence
// backed by a pgxpool connection pool. It also supports LISTEN/NOTIFY for
// real-time cache invalidation.
type PostgresRepository struct {
	pool          *pgxpool.Pool
	notifyChannel string
}

// NewPostgresRepository creates a [PostgresRepository] using the default
// "prompt_events" notification channel.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return NewPostgresRepositoryWithChannel(pool, defaultNotifyChannel)
}

// NewPostgresRepositoryWithChannel creates a [PostgresRepository] using the
// specified LISTEN/NOTIFY channel name.
func NewPostgresRepositoryWithChannel(pool *pgxpool.Pool, notifyChannel string) *PostgresRepository {
	return &PostgresRepository{
		pool:          pool,
		notifyChannel: normalizeNotifyChannel(notifyChannel),
	}
}

const promptColumns = `id, title, type, is_premium, is_trending, trending_rank, category,
	image_result, image_source, prompt_text, model, rarity, aspect_ratio,
	seed, guidance_scale, description, user_id, created_at, updated_at`

func scanPrompt(row pgx.Row) (Prompt, error) {
	var p Prompt
	err := row.Scan(
		&p.ID,
		&p.Title,
		&p.Type,
		&p.Premium,
		&p.Trending,
		&p.TrendingRank,
		&p.Category,
		&p.ImageResult,
		&p.ImageSource,
		&p.PromptText,
		&p.Model,
		&p.Rarity,
		&p.AspectRatio,
		&p.Seed,
		&p.GuidanceScale,
		&p.Description,
		&p.UserID,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	return p, err
}

// CreatePrompt inserts a new prompt row and returns the created record with
// server-generated ID and timestamps.
func (r *PostgresRepository) CreatePrompt(ctx context.Context, prompt Prompt) (Prompt, error) {
	created, err := scanPrompt(r.pool.QueryRow(ctx, `
		INSERT INTO prompts (title, type, is_premium, is_trending, trending_rank, category,
			image_result, image_source, prompt_text, model, rarity, aspect_ratio,
			seed, guidance_scale, description, user_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING `+promptColumns,
		prompt.Title,
		prompt.Type,
		prompt.Premium,
		prompt.Trending,
		prompt.TrendingRank,
		prompt.Category,
		prompt.ImageResult,
		prompt.ImageSource,
		prompt.PromptText,
		prompt.Model,
		prompt.Rarity,
		prompt.AspectRatio,
		prompt.Seed,
		prompt.GuidanceScale,
		prompt.Description,
		prompt.UserID,
	))
	if err != nil {
		return Prompt{}, fmt.Errorf("create prompt: %w", err)
	}

	return created, nil
}

// GetPrompt retrieves a single prompt by ID. Returns pgx.ErrNoRows (wrapped)
// if not found.
func (r *PostgresRepository) GetPrompt(ctx context.Context, id string) (Prompt, error) {
	prompt, err := scanPrompt(r.pool.QueryRow(ctx, `
		SELECT `+promptColumns+`
		FROM prompts
		WHERE id = $1
	`, id))
	if err != nil {
		return Prompt{}, fmt.Errorf("get prompt: %w", err)
	}

	return prompt, nil
}

// ListPrompts returns all prompts ordered newest first, matching the
// gallery's default sort.
func (r *PostgresRepository) ListPrompts(ctx context.Context) ([]Prompt, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+promptColumns+`
		FROM prompts
		ORDER BY created_at DESC, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list prompts: %w", err)
	}
	defer rows.Close()

	return collectPrompts(rows)
}

// ListPromptsByUser returns one creator's prompts, newest first.
func (r *PostgresRepository) ListPromptsByUser(ctx context.Context, userID string) ([]Prompt, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+promptColumns+`
		FROM prompts
		WHERE user_id = $1
		ORDER BY created_at DESC, id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list prompts by user: %w", err)
	}
	defer rows.Close()

	return collectPrompts(rows)
}

func collectPrompts(rows pgx.Rows) ([]Prompt, error) {
	prompts := make([]Prompt, 0)
	for rows.Next() {
		prompt, err := scanPrompt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan prompt: %w", err)
		}
		prompts = append(prompts, prompt)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("prompt rows: %w", err)
	}

	return prompts, nil
}

// DeletePrompt removes a prompt by ID. Returns pgx.ErrNoRows (wrapped) if
// the prompt does not exist.
func (r *PostgresRepository) DeletePrompt(ctx context.Context, id string) error {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM prompts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete prompt: %w", err)
	}
	if err := execNoRows("delete prompt", commandTag); err != nil {
		return err
	}

	return nil
}

// SetPromptTrending updates the trending flag and rank of a prompt, used by
// the admin portal's curation view.
func (r *PostgresRepository) SetPromptTrending(ctx context.Context, id string, trending bool, rank *int) (Prompt, error) {
	updated, err := scanPrompt(r.pool.QueryRow(ctx, `
		UPDATE prompts
		SET is_trending = $2,
		    trending_rank = $3,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING `+promptColumns,
		id, trending, rank))
	if err != nil {
		return Prompt{}, fmt.Errorf("set prompt trending: %w", err)
	}

	return updated, nil
}

// SetPromptPremium updates the premium flag of a prompt.
func (r *PostgresRepository) SetPromptPremium(ctx context.Context, id string, premium bool) (Prompt, error) {
	updated, err := scanPrompt(r.pool.QueryRow(ctx, `
		UPDATE prompts
		SET is_premium = $2,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING `+promptColumns,
		id, premium))
	if err != nil {
		return Prompt{}, fmt.Errorf("set prompt premium: %w", err)
	}

	return updated, nil
}

// ListCategories returns all category names ordered alphabetically.
func (r *PostgresRepository) ListCategories(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT name FROM categories ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		names = append(names, name)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("category rows: %w", err)
	}

	return names, nil
}

// CreateCategory inserts a category, ignoring duplicates.
func (r *PostgresRepository) CreateCategory(ctx context.Context, name string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO categories (name) VALUES ($1)
		ON CONFLICT (name) DO NOTHING
	`, name)
	if err != nil {
		return fmt.Errorf("create category: %w", err)
	}
	return nil
}

// DeleteCategory removes a category by name.
func (r *PostgresRepository) DeleteCategory(ctx context.Context, name string) error {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM categories WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("delete category: %w", err)
	}
	if err := execNoRows("delete category", commandTag); err != nil {
		return err
	}
	return nil
}

// SavePrompt bookmarks a prompt for a member. Saving twice is a no-op.
func (r *PostgresRepository) SavePrompt(ctx context.Context, userID, promptID string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO saved_prompts (user_id, prompt_id) VALUES ($1, $2)
		ON CONFLICT (user_id, prompt_id) DO NOTHING
	`, userID, promptID)
	if err != nil {
		return fmt.Errorf("save prompt: %w", err)
	}
	return nil
}

// UnsavePrompt removes a bookmark. Removing a missing bookmark is a no-op.
func (r *PostgresRepository) UnsavePrompt(ctx context.Context, userID, promptID string) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM saved_prompts WHERE user_id = $1 AND prompt_id = $2
	`, userID, promptID)
	if err != nil {
		return fmt.Errorf("unsave prompt: %w", err)
	}
	return nil
}

// ListSavedPromptIDs returns the IDs of a member's bookmarked prompts,
// newest bookmark first.
func (r *PostgresRepository) ListSavedPromptIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT prompt_id FROM saved_prompts
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list saved prompts: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan saved prompt: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("saved prompt rows: %w", err)
	}

	return ids, nil
}

// ListEventsSince returns up to maxEventBatchSize prompt events with IDs
// greater than eventID, ordered by event ID.
func (r *PostgresRepository) ListEventsSince(ctx context.Context, eventID int64) ([]PromptEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, prompt_id, event_type, payload, created_at
		FROM prompt_events
		WHERE event_id > $1
		ORDER BY event_id
		LIMIT $2
	`, eventID, maxEventBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list events since: %w", err)
	}
	defer rows.Close()

	events := make([]PromptEvent, 0)
	for rows.Next() {
		var event PromptEvent
		if err := rows.Scan(
			&event.EventID,
			&event.PromptID,
			&event.EventType,
			&event.Payload,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("event rows: %w", err)
	}

	return events, nil
}

// PublishPromptEvent inserts a prompt event and sends a PostgreSQL NOTIFY on
// the configured channel within a single transaction.
func (r *PostgresRepository) PublishPromptEvent(ctx context.Context, event PromptEvent) (PromptEvent, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return PromptEvent{}, fmt.Errorf("begin publish event tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var created PromptEvent
	if err := tx.QueryRow(ctx, `
		INSERT INTO prompt_events (prompt_id, event_type, payload)
		VALUES ($1, $2, $3)
		RETURNING event_id, prompt_id, event_type, payload, created_at
	`,
		event.PromptID,
		event.EventType,
		ensureJSON(event.Payload, "{}"),
	).Scan(
		&created.EventID,
		&created.PromptID,
		&created.EventType,
		&created.Payload,
		&created.CreatedAt,
	); err != nil {
		return PromptEvent{}, fmt.Errorf("insert prompt event: %w", err)
	}

	notifyPayload, err := marshalNotifyPayload(created)
	if err != nil {
		return PromptEvent{}, fmt.Errorf("marshal notify payload: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, notifyPayload); err != nil {
		return PromptEvent{}, fmt.Errorf("notify prompt event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return PromptEvent{}, fmt.Errorf("commit publish event tx: %w", err)
	}

	return created, nil
}

// SubscribePromptInvalidation returns a channel that receives a signal
// whenever a prompt event notification arrives on the PostgreSQL LISTEN
// channel. The channel is closed if the underlying connection is lost.
func (r *PostgresRepository) SubscribePromptInvalidation(ctx context.Context) (<-chan struct{}, error) {
	invalidations := make(chan struct{}, 1)

	go r.runPromptInvalidationListener(ctx, invalidations)

	return invalidations, nil
}

func (r *PostgresRepository) runPromptInvalidationListener(ctx context.Context, invalidations chan<- struct{}) {
	defer close(invalidations)

	for {
		err := r.listenForPromptInvalidation(ctx, invalidations)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForPromptInvalidation(ctx context.Context, invalidations chan<- struct{}) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return fmt.Errorf("wait for prompt event notification: %w", err)
		}

		select {
		case invalidations <- struct{}{}:
		default:
		}
	}
}

func execNoRows(operation string, commandTag pgconn.CommandTag) error {
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", operation, pgx.ErrNoRows)
	}

	return nil
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}

	return defaultNotifyChannel
}

func ensureJSON(input json.RawMessage, fallback string) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(fallback)
	}

	return input
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}

func marshalNotifyPayload(event PromptEvent) (string, error) {
	serialized, err := json.Marshal(struct {
		PromptID  string `json:"prompt_id"`
		EventType string `json:"event_type"`
	}{
		PromptID:  event.PromptID,
		EventType: event.EventType,
	})
	if err != nil {
		return "", err
	}

	return string(serialized), nil
}
