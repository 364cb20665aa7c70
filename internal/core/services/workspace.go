package services

import (
	"fmt"
	"os"
	"path/filepath"
)

// WorkspaceManager hands out per-job result directories. Work functions write
// their outputs here and hand back the path as the job's result_ref.
type WorkspaceManager struct {
	baseDir string
}

func NewWorkspaceManager(baseDir string) *WorkspaceManager {
	if baseDir == "" {
		baseDir = filepath.Join(os.TempDir(), "forgeq", "workspace")
	}
	return &WorkspaceManager{baseDir: baseDir}
}

// PrepareWorkspace creates the directory for a job's outputs.
// Path: baseDir/jobs/{id}
func (s *WorkspaceManager) PrepareWorkspace(id string) (string, error) {
	path := filepath.Join(s.baseDir, "jobs", id)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("failed to create workspace: %w", err)
	}
	return path, nil
}

// GetPath returns the absolute path for a job's workspace.
func (s *WorkspaceManager) GetPath(id string) string {
	return filepath.Join(s.baseDir, "jobs", id)
}

// CleanupWorkspace removes the job workspace directory.
func (s *WorkspaceManager) CleanupWorkspace(id string) error {
	return os.RemoveAll(filepath.Join(s.baseDir, "jobs", id))
}
