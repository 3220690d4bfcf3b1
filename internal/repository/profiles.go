package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const profileColumns = `id, username, email, password_hash, avatar_url, is_pro, created_at, updated_at`

func scanProfile(row pgx.Row) (Profile, error) {
	var p Profile
	err := row.Scan(
		&p.ID,
		&p.Username,
		&p.Email,
		&p.PasswordHash,
		&p.AvatarURL,
		&p.IsPro,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	return p, err
}

// CreateProfile inserts a new member profile and returns the created record.
func (r *PostgresRepository) CreateProfile(ctx context.Context, profile Profile) (Profile, error) {
	created, err := scanProfile(r.pool.QueryRow(ctx, `
		INSERT INTO profiles (username, email, password_hash, avatar_url, is_pro)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+profileColumns,
		profile.Username,
		profile.Email,
		profile.PasswordHash,
		profile.AvatarURL,
		profile.IsPro,
	))
	if err != nil {
		return Profile{}, fmt.Errorf("create profile: %w", err)
	}

	return created, nil
}

// GetProfile retrieves a profile by ID.
func (r *PostgresRepository) GetProfile(ctx context.Context, id string) (Profile, error) {
	profile, err := scanProfile(r.pool.QueryRow(ctx, `
		SELECT `+profileColumns+`
		FROM profiles
		WHERE id = $1
	`, id))
	if err != nil {
		return Profile{}, fmt.Errorf("get profile: %w", err)
	}

	return profile, nil
}

// GetProfileByEmail retrieves a profile by email, used during login.
func (r *PostgresRepository) GetProfileByEmail(ctx context.Context, email string) (Profile, error) {
	profile, err := scanProfile(r.pool.QueryRow(ctx, `
		SELECT `+profileColumns+`
		FROM profiles
		WHERE lower(email) = lower($1)
	`, email))
	if err != nil {
		return Profile{}, fmt.Errorf("get profile by email: %w", err)
	}

	return profile, nil
}

// UpdateProfile updates the mutable fields of a profile.
func (r *PostgresRepository) UpdateProfile(ctx context.Context, id, username, avatarURL string) (Profile, error) {
	updated, err := scanProfile(r.pool.QueryRow(ctx, `
		UPDATE profiles
		SET username = $2,
		    avatar_url = $3,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING `+profileColumns,
		id, username, avatarURL))
	if err != nil {
		return Profile{}, fmt.Errorf("update profile: %w", err)
	}

	return updated, nil
}

// SetProfilePro flips a member's Pro entitlement.
func (r *PostgresRepository) SetProfilePro(ctx context.Context, id string, isPro bool) (Profile, error) {
	updated, err := scanProfile(r.pool.QueryRow(ctx, `
		UPDATE profiles
		SET is_pro = $2,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING `+profileColumns,
		id, isPro))
	if err != nil {
		return Profile{}, fmt.Errorf("set profile pro: %w", err)
	}

	return updated, nil
}
