package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// CountAdminUsers returns the number of admin accounts, used to decide
// whether the portal shows the first-run setup page.
func (r *PostgresRepository) CountAdminUsers(ctx context.Context) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM admin_users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count admin users: %w", err)
	}

	return count, nil
}

// CreateAdminUser inserts a new admin account.
func (r *PostgresRepository) CreateAdminUser(ctx context.Context, username, passwordHash string) (AdminUser, error) {
	var user AdminUser
	err := r.pool.QueryRow(ctx, `
		INSERT INTO admin_users (username, password_hash)
		VALUES ($1, $2)
		RETURNING id, username, password_hash, created_at, updated_at
	`, username, passwordHash).Scan(
		&user.ID,
		&user.Username,
		&user.PasswordHash,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return AdminUser{}, fmt.Errorf("create admin user: %w", err)
	}

	return user, nil
}

// GetAdminUserByUsername retrieves an admin account for login.
func (r *PostgresRepository) GetAdminUserByUsername(ctx context.Context, username string) (AdminUser, error) {
	var user AdminUser
	err := r.pool.QueryRow(ctx, `
		SELECT id, username, password_hash, created_at, updated_at
		FROM admin_users
		WHERE username = $1
	`, username).Scan(
		&user.ID,
		&user.Username,
		&user.PasswordHash,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return AdminUser{}, fmt.Errorf("get admin user: %w", err)
	}

	return user, nil
}

// GetAdminUserByID retrieves an admin account by its ID.
func (r *PostgresRepository) GetAdminUserByID(ctx context.Context, id string) (AdminUser, error) {
	var user AdminUser
	err := r.pool.QueryRow(ctx, `
		SELECT id, username, password_hash, created_at, updated_at
		FROM admin_users
		WHERE id = $1
	`, id).Scan(
		&user.ID,
		&user.Username,
		&user.PasswordHash,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return AdminUser{}, fmt.Errorf("get admin user by id: %w", err)
	}

	return user, nil
}

// CreateAdminSession stores a hashed portal session token.
func (r *PostgresRepository) CreateAdminSession(ctx context.Context, session AdminSession) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO admin_sessions (id_hash, admin_user_id, csrf_token, expires_at)
		VALUES ($1, $2, $3, $4)
	`, session.IDHash, session.AdminUserID, session.CSRFToken, session.ExpiresAt)
	if err != nil {
		return fmt.Errorf("create admin session: %w", err)
	}

	return nil
}

// GetAdminSession looks up an unexpired session by its hashed token.
func (r *PostgresRepository) GetAdminSession(ctx context.Context, idHash string) (AdminSession, error) {
	var session AdminSession
	err := r.pool.QueryRow(ctx, `
		SELECT id_hash, admin_user_id, csrf_token, created_at, expires_at
		FROM admin_sessions
		WHERE id_hash = $1 AND expires_at > NOW()
	`, idHash).Scan(
		&session.IDHash,
		&session.AdminUserID,
		&session.CSRFToken,
		&session.CreatedAt,
		&session.ExpiresAt,
	)
	if err != nil {
		return AdminSession{}, fmt.Errorf("get admin session: %w", err)
	}

	return session, nil
}

// DeleteAdminSession removes a session on logout.
func (r *PostgresRepository) DeleteAdminSession(ctx context.Context, idHash string) error {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM admin_sessions WHERE id_hash = $1`, idHash)
	if err != nil {
		return fmt.Errorf("delete admin session: %w", err)
	}
	if err := execNoRows("delete admin session", commandTag); err != nil {
		return err
	}

	return nil
}

// DeleteExpiredAdminSessions removes sessions that expired before now.
func (r *PostgresRepository) DeleteExpiredAdminSessions(ctx context.Context, now time.Time) (int64, error) {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM admin_sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired admin sessions: %w", err)
	}

	return commandTag.RowsAffected(), nil
}

// RecordAuditLog appends a moderation action to the audit log.
func (r *PostgresRepository) RecordAuditLog(ctx context.Context, entry AuditLogEntry) error {
	var promptID any
	if entry.PromptID != "" {
		promptID = entry.PromptID
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO audit_log (admin_user_id, action, prompt_id, details)
		VALUES ($1, $2, $3, $4)
	`, entry.AdminUserID, entry.Action, promptID, ensureJSON(entry.Details, "{}"))
	if err != nil {
		return fmt.Errorf("record audit log: %w", err)
	}

	return nil
}

// ListAuditLog returns the most recent audit entries, newest first.
func (r *PostgresRepository) ListAuditLog(ctx context.Context, limit int) ([]AuditLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, admin_user_id, action, COALESCE(prompt_id::text, ''), details, created_at
		FROM audit_log
		ORDER BY id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}
	defer rows.Close()

	entries := make([]AuditLogEntry, 0, limit)
	for rows.Next() {
		var entry AuditLogEntry
		var details json.RawMessage
		if err := rows.Scan(
			&entry.ID,
			&entry.AdminUserID,
			&entry.Action,
			&entry.PromptID,
			&details,
			&entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entry.Details = details
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit rows: %w", err)
	}

	return entries, nil
}
