// Package importer scans the agent CLI's on-disk projects tree and keeps the
// catalog in step with it: qualifying project directories are upserted, their
// session files reconciled, and catalog rows without a backing file removed.
package importer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentgate-dev/agentgate/internal/claude"
	"github.com/agentgate-dev/agentgate/internal/store"
)

// importThreshold is the minimum .jsonl file count for a project directory to
// be imported; the comparison is strict, so a directory with exactly three
// files is skipped.
const importThreshold = 3

// Importer syncs the agent's projects tree into the catalog.
type Importer struct {
	store       store.Store
	projectsDir string
	logger      *slog.Logger
}

// Report summarizes one sync pass.
type Report struct {
	ProjectsImported int `json:"projects_imported"`
	ProjectsSkipped  int `json:"projects_skipped"`
	SessionsImported int `json:"sessions_imported"`
	SessionsDeleted  int `json:"sessions_deleted"`
}

func New(s store.Store, projectsDir string, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{
		store:       s,
		projectsDir: projectsDir,
		logger:      logger.With("component", "importer"),
	}
}

// SyncAll walks the projects tree and syncs every directory holding strictly
// more than three session files. Imported sessions are owned by userID.
// A missing projects tree is not an error; there is simply nothing to import.
func (im *Importer) SyncAll(ctx context.Context, userID string) (*Report, error) {
	report := &Report{}

	entries, err := os.ReadDir(im.projectsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return report, nil
		}
		return nil, fmt.Errorf("read projects dir: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(im.projectsDir, entry.Name())
		files, err := sessionFiles(dir)
		if err != nil {
			return nil, err
		}
		if len(files) <= importThreshold {
			report.ProjectsSkipped++
			continue
		}

		path := im.recoverProjectPath(entry.Name(), files)
		project, err := im.store.UpsertProjectByPath(ctx, filepath.Base(path), path)
		if err != nil {
			return nil, fmt.Errorf("upsert project %s: %w", path, err)
		}

		imported, deleted, err := im.syncSessions(ctx, project, userID, files)
		if err != nil {
			return nil, err
		}
		report.ProjectsImported++
		report.SessionsImported += imported
		report.SessionsDeleted += deleted
	}

	im.logger.Info("project sync complete",
		"imported", report.ProjectsImported,
		"skipped", report.ProjectsSkipped,
		"sessions", report.SessionsImported,
		"orphans_deleted", report.SessionsDeleted)
	return report, nil
}

// SyncProject reconciles one already-cataloged project against its encoded
// directory. Used after a turn completes and by the sync endpoint.
func (im *Importer) SyncProject(ctx context.Context, project *store.Project, userID string) error {
	dir := filepath.Join(im.projectsDir, claude.EncodeProjectPath(project.Path))
	files, err := sessionFiles(dir)
	if err != nil {
		return err
	}
	_, _, err = im.syncSessions(ctx, project, userID, files)
	return err
}

// syncSessions makes the catalog's session set for the project equal the
// on-disk file set, with metadata reconciled from the file contents.
func (im *Importer) syncSessions(ctx context.Context, project *store.Project, userID string, files []string) (imported, deleted int, err error) {
	onDisk := make(map[string]string, len(files)) // session id -> file path
	for _, f := range files {
		id := strings.TrimSuffix(filepath.Base(f), ".jsonl")
		onDisk[id] = f
	}

	existing, err := im.store.ListSessionsByProject(ctx, project.ID, "")
	if err != nil {
		return 0, 0, fmt.Errorf("list sessions: %w", err)
	}

	var orphans []string
	for _, sess := range existing {
		if _, ok := onDisk[sess.ID]; !ok {
			orphans = append(orphans, sess.ID)
		}
	}
	if len(orphans) > 0 {
		if err := im.store.DeleteSessions(ctx, orphans); err != nil {
			return 0, 0, fmt.Errorf("delete orphans: %w", err)
		}
		deleted = len(orphans)
	}

	for id, path := range onDisk {
		meta, err := claude.Reconcile(path)
		if err != nil {
			im.logger.Warn("skipping unreadable session file", "path", path, "error", err)
			continue
		}
		sess := &store.Session{
			ID:                  id,
			ProjectID:           project.ID,
			UserID:              userID,
			MessageCount:        meta.MessageCount,
			TotalTokens:         meta.TotalTokens,
			FirstMessagePreview: meta.FirstMessagePreview,
			LastMessageAt:       meta.LastMessageAt,
		}
		if err := im.store.UpsertSession(ctx, sess); err != nil {
			return imported, deleted, fmt.Errorf("upsert session %s: %w", id, err)
		}
		imported++
	}
	return imported, deleted, nil
}

// recoverProjectPath derives the project's real working directory from the
// cwd fields recorded inside its session files. A single distinct cwd wins
// outright; with several, the most recently used one wins when it accounts
// for at least a quarter of all observations, else the most frequent one.
// With no cwd records at all, the encoded directory name is decoded.
func (im *Importer) recoverProjectPath(encodedDir string, files []string) string {
	var samples []claude.CwdSample
	for _, f := range files {
		s, err := claude.ReadCwds(f)
		if err != nil {
			im.logger.Debug("cwd scan failed", "path", f, "error", err)
			continue
		}
		samples = append(samples, s...)
	}
	if len(samples) == 0 {
		return claude.DecodeProjectDir(encodedDir)
	}

	counts := make(map[string]int)
	var mostRecent string
	var mostRecentAt time.Time
	for _, s := range samples {
		counts[s.Cwd]++
		if !s.At.IsZero() && (mostRecentAt.IsZero() || s.At.After(mostRecentAt)) {
			mostRecentAt = s.At
			mostRecent = s.Cwd
		}
	}
	if len(counts) == 1 {
		return samples[0].Cwd
	}

	if mostRecent != "" && counts[mostRecent]*4 >= len(samples) {
		return mostRecent
	}

	best := ""
	bestCount := 0
	for cwd, n := range counts {
		if n > bestCount || (n == bestCount && cwd < best) {
			best = cwd
			bestCount = n
		}
	}
	return best
}

// sessionFiles lists the .jsonl files directly inside dir. A missing dir
// yields an empty list.
func sessionFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session dir %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	return files, nil
}
