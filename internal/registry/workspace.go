package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Backend selects how a workspace registry is persisted.
type Backend string

const (
	BackendFile   Backend = "file"
	BackendSQLite Backend = "sqlite"
)

func ParseBackend(raw string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(raw))); b {
	case "", BackendFile:
		return BackendFile, nil
	case BackendSQLite:
		return BackendSQLite, nil
	default:
		return "", fmt.Errorf("%w: unknown registry backend %q", ErrRegistry, raw)
	}
}

// Workspace is the local directory that holds one (user, host, base dir) registry and its fetched results.
type Workspace struct {
	Dir     string
	Target  string
	BaseDir string
}

// WorkspaceKey derives a stable directory name for a remote base dir.
// The readable prefix may collide after sanitizing; the hash suffix does not.
func WorkspaceKey(user, host, baseDir string) string {
	sum := sha256.Sum256([]byte(user + "@" + host + ":" + baseDir))
	return sanitizePath(user+"@"+host) + "_" + sanitizePath(baseDir) + "_" + hex.EncodeToString(sum[:4])
}

// OpenWorkspace creates root/<key> with its results dir.
func OpenWorkspace(root, user, host, baseDir string) (*Workspace, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("%w: workspace root is required", ErrStore)
	}
	ws := &Workspace{
		Dir:     filepath.Join(root, WorkspaceKey(user, host, baseDir)),
		Target:  user + "@" + host,
		BaseDir: baseDir,
	}
	if err := os.MkdirAll(ws.ResultsDir(), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create workspace: %w", ErrStore, err)
	}
	return ws, nil
}

func (w *Workspace) ResultsDir() string {
	return filepath.Join(w.Dir, "results")
}

// ResultDir is where one experiment's fetched outputs land.
func (w *Workspace) ResultDir(expName string) string {
	return filepath.Join(w.ResultsDir(), expName)
}

func (w *Workspace) RegistryPath(backend Backend) string {
	if backend == BackendSQLite {
		return filepath.Join(w.Dir, "registry.db")
	}
	return filepath.Join(w.Dir, "registry.json")
}

// OpenRegistry opens the workspace registry on the chosen backend.
func (w *Workspace) OpenRegistry(backend Backend) (*Registry, error) {
	var store Store
	switch backend {
	case BackendSQLite:
		s, err := OpenSQLiteStore(w.RegistryPath(backend))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStore, err)
		}
		store = s
	default:
		store = NewFileStore(w.RegistryPath(BackendFile))
	}

	reg, err := Open(store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return reg, nil
}

func sanitizePath(value string) string {
	value = strings.Trim(strings.TrimSpace(value), "/")
	if value == "" {
		return "root"
	}
	var b strings.Builder
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '@':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
