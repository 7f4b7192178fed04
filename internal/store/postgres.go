package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			path TEXT UNIQUE NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id),
			user_id TEXT NOT NULL DEFAULT '',
			message_count INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			first_message_preview TEXT NOT NULL DEFAULT '',
			last_message_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_project_id ON sessions(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, username, password_hash, role, created_at) VALUES ($1, $2, $3, $4, $5)",
		user.ID, user.Username, user.PasswordHash, user.Role, user.CreatedAt,
	)
	if err != nil && strings.Contains(err.Error(), "duplicate key") {
		return ErrConflict
	}
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, role, created_at FROM users WHERE username = $1",
		username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, role, created_at FROM users WHERE id = $1", id,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, username, role, created_at FROM users ORDER BY created_at",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.Role, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// --- Projects ---

func (s *PostgresStore) UpsertProjectByPath(ctx context.Context, name, path string) (*Project, error) {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, path, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT(path) DO UPDATE SET name=EXCLUDED.name, updated_at=EXCLUDED.updated_at`,
		uuid.New().String(), name, path, now, now,
	)
	if err != nil {
		return nil, err
	}

	var p Project
	err = s.db.QueryRowContext(ctx,
		"SELECT id, name, path, created_at, updated_at FROM projects WHERE path = $1", path,
	).Scan(&p.ID, &p.Name, &p.Path, &p.CreatedAt, &p.UpdatedAt)
	return &p, err
}

func (s *PostgresStore) GetProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, path, created_at, updated_at FROM projects WHERE id = $1", id,
	).Scan(&p.ID, &p.Name, &p.Path, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &p, err
}

func (s *PostgresStore) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, path, created_at, updated_at FROM projects ORDER BY updated_at DESC",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Path, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// --- Sessions ---

func (s *PostgresStore) UpsertSession(ctx context.Context, sess *Session) error {
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, project_id, user_id, message_count, total_tokens,
		                       first_message_preview, last_message_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT(id) DO UPDATE SET
		   project_id=EXCLUDED.project_id,
		   message_count=EXCLUDED.message_count,
		   total_tokens=EXCLUDED.total_tokens,
		   first_message_preview=EXCLUDED.first_message_preview,
		   last_message_at=EXCLUDED.last_message_at,
		   updated_at=EXCLUDED.updated_at`,
		sess.ID, sess.ProjectID, sess.UserID, sess.MessageCount, sess.TotalTokens,
		sess.FirstMessagePreview, sess.LastMessageAt, sess.CreatedAt, sess.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx,
		`SELECT s.id, s.project_id, s.user_id, s.message_count, s.total_tokens,
		        s.first_message_preview, s.last_message_at, s.created_at, s.updated_at,
		        COALESCE(p.path, '') AS project_path, COALESCE(p.name, '') AS project_name
		 FROM sessions s LEFT JOIN projects p ON s.project_id = p.id
		 WHERE s.id = $1`, id,
	).Scan(&sess.ID, &sess.ProjectID, &sess.UserID, &sess.MessageCount, &sess.TotalTokens,
		&sess.FirstMessagePreview, &sess.LastMessageAt, &sess.CreatedAt, &sess.UpdatedAt,
		&sess.ProjectPath, &sess.ProjectName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &sess, err
}

func (s *PostgresStore) ListSessionsByProject(ctx context.Context, projectID, userID string) ([]Session, error) {
	query := `SELECT s.id, s.project_id, s.user_id, s.message_count, s.total_tokens,
	                 s.first_message_preview, s.last_message_at, s.created_at, s.updated_at,
	                 COALESCE(p.path, '') AS project_path, COALESCE(p.name, '') AS project_name
	          FROM sessions s LEFT JOIN projects p ON s.project_id = p.id
	          WHERE s.project_id = $1`
	args := []any{projectID}
	if userID != "" {
		query += " AND (s.user_id = $2 OR s.user_id = '')"
		args = append(args, userID)
	}
	query += " ORDER BY s.last_message_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.ProjectID, &sess.UserID, &sess.MessageCount, &sess.TotalTokens,
			&sess.FirstMessagePreview, &sess.LastMessageAt, &sess.CreatedAt, &sess.UpdatedAt,
			&sess.ProjectPath, &sess.ProjectName); err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = $1", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteSessions(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM sessions WHERE id IN ("+strings.Join(placeholders, ",")+")", args...,
	)
	return err
}
