package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"devos/internal/gitops"
	"devos/internal/telemetry"
)

// Synthetic commit identity for agent work.
const (
	gitAuthorName  = "devos-agent"
	gitAuthorEmail = "agents@devos.local"
)

// sensitiveFiles are scrubbed from a workspace whenever a session ends.
var sensitiveFiles = map[string]bool{
	".env":             true,
	".env.local":       true,
	".npmrc":           true,
	".netrc":           true,
	".git-credentials": true,
}

// WorkspaceManager lays out working copies at {base}/{workspaceId}/{projectId}.
type WorkspaceManager struct {
	base string
	git  *gitops.Client
}

// NewWorkspaceManager creates a manager rooted at base.
func NewWorkspaceManager(base string, git *gitops.Client) *WorkspaceManager {
	return &WorkspaceManager{base: base, git: git}
}

// Path returns the working copy location for a workspace+project.
func (w *WorkspaceManager) Path(workspaceID, projectID string) string {
	return filepath.Join(w.base, workspaceID, projectID)
}

// Prepare clones the repo on first use, pulls on reuse, and configures
// the synthetic author.
func (w *WorkspaceManager) Prepare(ctx context.Context, workspaceID, projectID, repoURL string) (string, error) {
	path := w.Path(workspaceID, projectID)

	if w.git.IsRepo(path) {
		if err := w.git.Pull(ctx, path); err != nil {
			return "", fmt.Errorf("failed to update workspace %s: %w", path, err)
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", fmt.Errorf("failed to create workspace directory: %w", err)
		}
		if err := w.git.Clone(ctx, repoURL, path); err != nil {
			return "", fmt.Errorf("failed to clone into workspace %s: %w", path, err)
		}
	}

	if err := w.git.ConfigureAuthor(ctx, path, gitAuthorName, gitAuthorEmail); err != nil {
		return "", fmt.Errorf("failed to configure git author: %w", err)
	}
	return path, nil
}

// CleanupSensitive removes credential-bearing files from the working
// copy. Removal failures are logged, not fatal.
func (w *WorkspaceManager) CleanupSensitive(path string) {
	filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil || info == nil {
			return nil
		}
		if info.IsDir() {
			if info.Name() == ".git" && p != path {
				return filepath.SkipDir
			}
			return nil
		}
		if sensitiveFiles[info.Name()] {
			if rmErr := os.Remove(p); rmErr != nil {
				telemetry.LogWarn("failed to remove sensitive file", "path", p, "error", rmErr)
			}
		}
		return nil
	})
}

// SweepDangling scrubs sensitive files from workspaces no session owns.
// Called on startup so a crashed orchestrator cannot strand credentials
// on disk. Returns the swept paths.
func (w *WorkspaceManager) SweepDangling(active map[string]bool) []string {
	var swept []string
	workspaces, err := os.ReadDir(w.base)
	if err != nil {
		return nil
	}
	for _, ws := range workspaces {
		if !ws.IsDir() {
			continue
		}
		projects, err := os.ReadDir(filepath.Join(w.base, ws.Name()))
		if err != nil {
			continue
		}
		for _, proj := range projects {
			if !proj.IsDir() {
				continue
			}
			key := ws.Name() + "/" + proj.Name()
			if active[key] {
				continue
			}
			path := filepath.Join(w.base, ws.Name(), proj.Name())
			w.CleanupSensitive(path)
			swept = append(swept, path)
		}
	}
	return swept
}
