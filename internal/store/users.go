package store

import (
	"context"
	"fmt"

	"github.com/vmmaster/vmmaster/internal/domain"
)

func scanUser(row interface{ Scan(...any) error }) (*domain.User, error) {
	u := &domain.User{}
	var groupID *int64
	err := row.Scan(&u.ID, &u.Username, &u.Password, &u.Token, &groupID,
		&u.AllowedMachines, &u.MaxStoredSessions, &u.IsActive,
		&u.DateJoined, &u.LastLogin)
	if err != nil {
		return nil, notFound(err)
	}
	if groupID != nil {
		u.GroupID = *groupID
	}
	return u, nil
}

const userColumns = `id, username, COALESCE(password, ''), COALESCE(token, ''),
	group_id, allowed_machines, max_stored_sessions, is_active, date_joined, last_login`

// GetUser loads a user by id.
func (s *Store) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// GetUserByUsername loads a user by name.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = $1`, username))
}

// GetUserByToken loads an active user by API token.
func (s *Store) GetUserByToken(ctx context.Context, token string) (*domain.User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE token = $1 AND is_active`, token))
}

// CreateUser inserts a user. A fresh token is generated when none is
// set.
func (s *Store) CreateUser(ctx context.Context, u *domain.User) error {
	if u.Token == "" {
		u.Token = domain.GenerateToken()
	}
	if u.AllowedMachines == 0 {
		u.AllowedMachines = 1
	}
	if u.MaxStoredSessions == 0 {
		u.MaxStoredSessions = 100
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO users (username, password, token, allowed_machines, max_stored_sessions, is_active)
		VALUES ($1, $2, $3, $4, $5, TRUE)
		RETURNING id, date_joined`,
		u.Username, u.Password, u.Token, u.AllowedMachines, u.MaxStoredSessions,
	).Scan(&u.ID, &u.DateJoined)
	if err != nil {
		return fmt.Errorf("create user %s: %w", u.Username, err)
	}
	return nil
}

// RegenerateToken replaces the user's API token and returns the new one.
func (s *Store) RegenerateToken(ctx context.Context, userID int64) (string, error) {
	token := domain.GenerateToken()
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET token = $2 WHERE id = $1`, userID, token)
	if err != nil {
		return "", fmt.Errorf("regenerate token for user %d: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return "", ErrNotFound
	}
	return token, nil
}

// SavePlatforms upserts the platforms discovered at startup.
func (s *Store) SavePlatforms(ctx context.Context, platforms []domain.Platform) error {
	for _, p := range platforms {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO platforms (name, node) VALUES ($1, $2)
			ON CONFLICT (name, node) DO NOTHING`, p.Name, p.Node)
		if err != nil {
			return fmt.Errorf("save platform %s: %w", p.Name, err)
		}
	}
	return nil
}
