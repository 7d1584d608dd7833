package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"workshopd/internal/logging"
)

// Manager owns the per-job scratch directories under a single root. Paths it
// hands out are borrowed; disposal always goes back through the manager.
type Manager struct {
	root   string
	logger logging.Logger
}

// NewManager creates the workspace root if needed.
func NewManager(root string, logger logging.Logger) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root must be set")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root %s: %w", abs, err)
	}
	return &Manager{root: abs, logger: logging.OrNop(logger)}, nil
}

// Root returns the workspace root directory.
func (m *Manager) Root() string {
	return m.root
}

// Allocate creates (or reuses) the scratch directory for jobID.
func (m *Manager) Allocate(jobID string) (string, error) {
	path := filepath.Join(m.root, jobID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("allocate workspace for %s: %w", jobID, err)
	}
	return path, nil
}

// FindContent locates the directory the steam tool wrote the item into.
//
// Candidates are tried in decreasing plausibility: the canonical steam
// layout first, then layouts observed from misconfigured installs. The
// workspace root itself is never accepted — it also holds steam metadata and
// archiving it would ship unrelated files.
func (m *Manager) FindContent(workspacePath string, appID uint64, itemID string) (string, bool) {
	app := strconv.FormatUint(appID, 10)
	candidates := []string{
		filepath.Join(workspacePath, "steamapps", "workshop", "content", app, itemID),
		filepath.Join(workspacePath, "workshop", "content", app, itemID),
		filepath.Join(workspacePath, "steamapps", "workshop", "content", itemID),
		filepath.Join(workspacePath, itemID),
	}
	for _, candidate := range candidates {
		if nonEmptyDir(candidate) {
			if candidate != candidates[0] {
				m.logger.Warn("content found under fallback layout %s", candidate)
			}
			return candidate, true
		}
	}
	return "", false
}

// Dispose removes a workspace tree. Without force, the path must be a direct
// child of the managed root; force is reserved for the startup sweep which
// removes whatever it finds. Disposing a missing tree is not an error.
func (m *Manager) Dispose(workspacePath string, force bool) error {
	if workspacePath == "" {
		return nil
	}
	if !force {
		parent := filepath.Dir(filepath.Clean(workspacePath))
		if parent != m.root {
			return fmt.Errorf("refusing to dispose %s: not under workspace root %s", workspacePath, m.root)
		}
	}
	if err := os.RemoveAll(workspacePath); err != nil {
		return fmt.Errorf("dispose workspace %s: %w", workspacePath, err)
	}
	m.logger.Debug("disposed workspace %s", workspacePath)
	return nil
}

// SweepAll removes every pre-existing workspace under the root. Run at
// startup: jobs do not survive a restart, so whatever is on disk is residue.
func (m *Manager) SweepAll() (int, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return 0, fmt.Errorf("scan workspace root: %w", err)
	}
	removed := 0
	for _, entry := range entries {
		path := filepath.Join(m.root, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			m.logger.Warn("startup sweep could not remove %s: %v", path, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		m.logger.Info("startup sweep removed %d stale workspace(s)", removed)
	}
	return removed, nil
}

func nonEmptyDir(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return false
	}
	return len(entries) > 0
}
