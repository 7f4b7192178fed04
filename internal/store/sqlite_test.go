package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestUser is a helper that inserts a user and returns it.
func createTestUser(t *testing.T, s *SQLiteStore, username, role string) *User {
	t.Helper()
	u := &User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: "hash-" + username,
		Role:         role,
		CreatedAt:    time.Now(),
	}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("createTestUser(%s): %v", username, err)
	}
	return u
}

// createTestProject is a helper that upserts a project and returns it.
func createTestProject(t *testing.T, s *SQLiteStore, path string) *Project {
	t.Helper()
	p, err := s.UpsertProjectByPath(context.Background(), "proj", path)
	if err != nil {
		t.Fatalf("createTestProject(%s): %v", path, err)
	}
	return p
}

func TestCreateAndGetUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := createTestUser(t, s, "alice", "user")

	got, err := s.GetUser(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got == nil || got.ID != u.ID || got.Role != "user" {
		t.Errorf("GetUser = %+v, want %+v", got, u)
	}

	byID, err := s.GetUserByID(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	if byID == nil || byID.Username != "alice" {
		t.Errorf("GetUserByID = %+v", byID)
	}

	missing, err := s.GetUser(ctx, "nobody")
	if err != nil {
		t.Fatalf("GetUser(missing): %v", err)
	}
	if missing != nil {
		t.Errorf("missing user = %+v, want nil", missing)
	}
}

func TestCreateUserDuplicateConflicts(t *testing.T) {
	s := newTestStore(t)
	createTestUser(t, s, "alice", "user")

	dup := &User{
		ID:        uuid.New().String(),
		Username:  "alice",
		Role:      "user",
		CreatedAt: time.Now(),
	}
	err := s.CreateUser(context.Background(), dup)
	if !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate create error = %v, want ErrConflict", err)
	}
}

func TestUpsertProjectByPathIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.UpsertProjectByPath(ctx, "proj", "/work/x")
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	second, err := s.UpsertProjectByPath(ctx, "renamed", "/work/x")
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("upsert by same path produced two ids: %s vs %s", first.ID, second.ID)
	}
	if second.Name != "renamed" {
		t.Errorf("name after upsert = %q, want renamed", second.Name)
	}

	projects, err := s.ListProjects(ctx)
	if err != nil {
		t.Fatalf("ListProjects: %v", err)
	}
	if len(projects) != 1 {
		t.Errorf("ListProjects = %d rows, want 1", len(projects))
	}
}

func TestSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := createTestProject(t, s, "/work/x")
	u := createTestUser(t, s, "alice", "user")

	sess := &Session{
		ID:                  uuid.New().String(),
		ProjectID:           p.ID,
		UserID:              u.ID,
		MessageCount:        4,
		TotalTokens:         1234,
		FirstMessagePreview: "Hello",
		LastMessageAt:       time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC),
	}
	if err := s.UpsertSession(ctx, sess); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}

	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got == nil {
		t.Fatal("session missing")
	}
	if got.MessageCount != 4 || got.TotalTokens != 1234 || got.FirstMessagePreview != "Hello" {
		t.Errorf("session = %+v", got)
	}
	if got.ProjectPath != "/work/x" {
		t.Errorf("joined project path = %q, want /work/x", got.ProjectPath)
	}

	// Upsert overwrites metadata in place.
	sess.MessageCount = 6
	sess.TotalTokens = 2000
	if err := s.UpsertSession(ctx, sess); err != nil {
		t.Fatalf("second UpsertSession: %v", err)
	}
	got, err = s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.MessageCount != 6 || got.TotalTokens != 2000 {
		t.Errorf("after overwrite: %+v", got)
	}
}

func TestGetSessionMissingIsNilNil(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetSession(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got != nil {
		t.Errorf("missing session = %+v, want nil", got)
	}
}

func TestListSessionsByProjectFiltersUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := createTestProject(t, s, "/work/x")
	alice := createTestUser(t, s, "alice", "user")
	bob := createTestUser(t, s, "bob", "user")

	for i, uid := range []string{alice.ID, bob.ID, ""} {
		err := s.UpsertSession(ctx, &Session{
			ID: uuid.New().String(), ProjectID: p.ID, UserID: uid,
			LastMessageAt: time.Now().Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("seed session: %v", err)
		}
	}

	all, err := s.ListSessionsByProject(ctx, p.ID, "")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("all sessions = %d, want 3", len(all))
	}

	// A user sees their own sessions plus unowned imports.
	mine, err := s.ListSessionsByProject(ctx, p.ID, alice.ID)
	if err != nil {
		t.Fatalf("list mine: %v", err)
	}
	if len(mine) != 2 {
		t.Errorf("alice sessions = %d, want 2 (own + unowned)", len(mine))
	}
}

func TestDeleteSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := createTestProject(t, s, "/work/x")

	ids := []string{uuid.New().String(), uuid.New().String(), uuid.New().String()}
	for _, id := range ids {
		err := s.UpsertSession(ctx, &Session{ID: id, ProjectID: p.ID, LastMessageAt: time.Now()})
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	if err := s.DeleteSessions(ctx, ids[:2]); err != nil {
		t.Fatalf("DeleteSessions: %v", err)
	}
	left, err := s.ListSessionsByProject(ctx, p.ID, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(left) != 1 || left[0].ID != ids[2] {
		t.Errorf("remaining = %+v, want only %s", left, ids[2])
	}

	if err := s.DeleteSession(ctx, ids[2]); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if err := s.DeleteSession(ctx, ids[2]); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete = %v, want ErrNotFound", err)
	}
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
