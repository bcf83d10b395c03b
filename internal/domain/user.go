package domain

import (
	"time"

	"github.com/google/uuid"
)

// User is the minimal identity attached to sessions.
type User struct {
	ID                int64      `json:"id"`
	Username          string     `json:"username"`
	Password          string     `json:"-"`
	Token             string     `json:"-"`
	GroupID           int64      `json:"group_id,omitempty"`
	AllowedMachines   int        `json:"allowed_machines"`
	MaxStoredSessions int        `json:"max_stored_sessions"`
	IsActive          bool       `json:"is_active"`
	DateJoined        time.Time  `json:"date_joined"`
	LastLogin         *time.Time `json:"last_login,omitempty"`
}

// GenerateToken produces a fresh opaque API token.
func GenerateToken() string {
	return uuid.New().String()
}

// Info is the admin-surface view of a user. Credentials stay out.
func (u *User) Info() map[string]any {
	return map[string]any{
		"id":                  u.ID,
		"username":            u.Username,
		"allowed_machines":    u.AllowedMachines,
		"max_stored_sessions": u.MaxStoredSessions,
		"is_active":           u.IsActive,
		"date_joined":         u.DateJoined,
	}
}

// UserGroup groups users for administration.
type UserGroup struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}
