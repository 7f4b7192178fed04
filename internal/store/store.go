// Package store defines the catalog interface for the gateway and provides
// SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a uniqueness constraint is violated.
var ErrConflict = errors.New("conflict")

// Store is the persistence interface for the gateway catalog.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, username string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)

	// Projects
	UpsertProjectByPath(ctx context.Context, name, path string) (*Project, error)
	GetProject(ctx context.Context, id string) (*Project, error)
	ListProjects(ctx context.Context) ([]Project, error)

	// Sessions. GetSession returns the session joined with its project;
	// a missing row yields (nil, nil), not an error.
	UpsertSession(ctx context.Context, sess *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessionsByProject(ctx context.Context, projectID, userID string) ([]Session, error)
	DeleteSession(ctx context.Context, id string) error
	DeleteSessions(ctx context.Context, ids []string) error

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// User represents a gateway user.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // "admin" or "user"
	CreatedAt    time.Time `json:"created_at"`
}

// Project represents a working directory the agent has sessions in.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"` // absolute working directory
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Session mirrors one agent session log file. The metadata columns are
// derived by the reconciler and overwritten on every sync.
type Session struct {
	ID                  string    `json:"id"` // agent-native UUID, accepted verbatim
	ProjectID           string    `json:"project_id"`
	UserID              string    `json:"user_id"`
	MessageCount        int       `json:"message_count"`
	TotalTokens         int       `json:"total_tokens"`
	FirstMessagePreview string    `json:"first_message_preview"`
	LastMessageAt       time.Time `json:"last_message_at"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`

	// Joined from projects on read.
	ProjectPath string `json:"project_path,omitempty"`
	ProjectName string `json:"project_name,omitempty"`
}
