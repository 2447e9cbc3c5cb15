package storage

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/opencode-codex/codex-proxy-go/internal/clock"
	"github.com/opencode-codex/codex-proxy-go/internal/config"
	"github.com/opencode-codex/codex-proxy-go/internal/errors"
	"github.com/opencode-codex/codex-proxy-go/internal/utils"
)

// FileSystem abstracts the file operations the store needs, so failure modes
// (0-byte writes, ENOSPC) can be simulated in tests.
type FileSystem interface {
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte, perm os.FileMode) error
	Rename(oldPath, newPath string) error
	Remove(path string) error
	MkdirAll(path string, perm os.FileMode) error
	Stat(path string) (os.FileInfo, error)
}

type osFS struct{}

func (osFS) ReadFile(path string) ([]byte, error) { return os.ReadFile(path) }
func (osFS) WriteFile(path string, data []byte, perm os.FileMode) error {
	return os.WriteFile(path, data, perm)
}
func (osFS) Rename(oldPath, newPath string) error      { return os.Rename(oldPath, newPath) }
func (osFS) Remove(path string) error                  { return os.Remove(path) }
func (osFS) MkdirAll(path string, perm os.FileMode) error { return os.MkdirAll(path, perm) }
func (osFS) Stat(path string) (os.FileInfo, error)     { return os.Stat(path) }

// OSFileSystem returns the real filesystem.
func OSFileSystem() FileSystem { return osFS{} }

// Store persists the account pool with atomic writes. All mutating calls
// serialize on an internal mutex so concurrent writers apply in FIFO order.
type Store struct {
	path string
	fs   FileSystem
	clk  clock.Clock
	log  *utils.Logger

	mu sync.Mutex
}

// NewStore creates a Store over the real filesystem and system clock.
func NewStore(path string) *Store {
	return NewStoreWith(path, osFS{}, clock.System())
}

// NewStoreWith creates a Store with injected filesystem and clock.
func NewStoreWith(path string, filesystem FileSystem, clk clock.Clock) *Store {
	return &Store{
		path: path,
		fs:   filesystem,
		clk:  clk,
		log:  utils.NewLogger("Storage"),
	}
}

// Path returns the pool file location.
func (s *Store) Path() string { return s.path }

// Load reads and normalizes the pool. A missing file yields an empty pool. A
// v1 file is migrated and the result saved back, so the upgrade happens once.
func (s *Store) Load() (*AccountStorage, error) {
	data, err := s.fs.ReadFile(s.path)
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return EmptyStorage(), nil
		}
		return nil, s.wrapFSError("failed to read account storage", err)
	}

	nowMs := s.clk.Now().UnixMilli()
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		s.log.Warn("storage file is corrupt, starting with an empty pool: %v", err)
		return EmptyStorage(), nil
	}

	rawVersion := 0
	if obj, ok := raw.(map[string]any); ok {
		if v, ok := asInt(obj["version"]); ok {
			rawVersion = v
		}
	}

	pool, warnings, ok := NormalizeAccountStorage(raw, nowMs)
	if !ok {
		s.log.Warn("storage file has an unrecognized shape, starting with an empty pool")
		return EmptyStorage(), nil
	}
	for _, w := range warnings {
		s.log.Warn("normalization: %s", w)
	}

	if rawVersion != config.StorageSchemaVersion || len(warnings) > 0 {
		if err := s.Save(pool); err != nil {
			s.log.Warn("failed to persist migrated storage: %v", err)
		} else if rawVersion != config.StorageSchemaVersion {
			s.log.Info("migrated account storage v%d -> v%d", rawVersion, config.StorageSchemaVersion)
		}
	}
	return pool, nil
}

// Save writes the pool atomically: marshal, write to a temp sibling, verify
// the temp is non-empty, then rename over the target. A 0-byte temp aborts
// the save and leaves the original untouched.
func (s *Store) Save(pool *AccountStorage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(pool)
}

func (s *Store) saveLocked(pool *AccountStorage) error {
	if len(pool.Accounts) > config.MaxAccounts {
		return errors.NewValidationError(
			fmt.Sprintf("account pool exceeds the limit of %d", config.MaxAccounts),
			"accounts", fmt.Sprintf("at most %d entries", config.MaxAccounts))
	}

	data, err := json.MarshalIndent(pool, "", "  ")
	if err != nil {
		return errors.NewStorageError("failed to serialize account storage", errors.StorageCodeUnknown, s.path, err)
	}

	dir := filepath.Dir(s.path)
	if err := s.fs.MkdirAll(dir, 0o700); err != nil {
		return s.wrapFSError("failed to create storage directory", err)
	}

	tmpPath := fmt.Sprintf("%s.%d.tmp", s.path, s.clk.Now().UnixMilli())
	if err := s.fs.WriteFile(tmpPath, data, 0o600); err != nil {
		s.fs.Remove(tmpPath)
		return s.wrapFSError("failed to write account storage", err)
	}

	info, err := s.fs.Stat(tmpPath)
	if err != nil {
		s.fs.Remove(tmpPath)
		return s.wrapFSError("failed to verify written storage", err)
	}
	if info.Size() == 0 && len(data) > 0 {
		s.fs.Remove(tmpPath)
		return errors.NewStorageError("written storage file is empty", errors.StorageCodeEmpty, s.path, nil)
	}

	if err := s.fs.Rename(tmpPath, s.path); err != nil {
		s.fs.Remove(tmpPath)
		return s.wrapFSError("failed to replace account storage", err)
	}

	s.ensureGitIgnore()
	return nil
}

// Clear removes the pool file. A missing file is not an error.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fs.Remove(s.path); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
		return s.wrapFSError("failed to clear account storage", err)
	}
	return nil
}

// Export writes the current pool to dest. Refuses to overwrite an existing
// file unless force is set. The exported file is owner-readable only.
func (s *Store) Export(dest string, force bool) error {
	pool, err := s.Load()
	if err != nil {
		return err
	}
	if len(pool.Accounts) == 0 {
		return errors.NewValidationError("nothing to export; the pool is empty", "accounts", "at least one account")
	}
	dest = ExpandHome(dest)
	if !force {
		if _, err := s.fs.Stat(dest); err == nil {
			return errors.NewValidationError(
				"destination already exists; pass force to overwrite", "destination", "a path that does not exist")
		}
	}
	data, err := json.MarshalIndent(pool, "", "  ")
	if err != nil {
		return errors.NewStorageError("failed to serialize exported pool", errors.StorageCodeUnknown, dest, err)
	}
	if err := s.fs.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
		return s.wrapFSError("failed to create export directory", err)
	}
	if err := s.fs.WriteFile(dest, data, 0o600); err != nil {
		return s.wrapFSError("failed to write exported pool", err)
	}
	return nil
}

// ImportResult summarizes a pool import.
type ImportResult struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
	Total    int `json:"total"`
}

// Import merges accounts from src into the pool. Incoming entries run through
// the same normalization as the pool itself, so duplicates collapse
// newest-wins and the pool cap applies. The current active selection is kept.
func (s *Store) Import(src string) (*ImportResult, error) {
	data, err := s.fs.ReadFile(ExpandHome(src))
	if err != nil {
		return nil, s.wrapFSError("failed to read import file", err)
	}

	nowMs := s.clk.Now().UnixMilli()
	incoming, _, ok := ParseAndNormalize(data, nowMs)
	if !ok {
		return nil, errors.NewValidationError(
			"import file is not a recognized account pool", "file", "a v1 or v3 account pool")
	}

	current, err := s.Load()
	if err != nil {
		return nil, err
	}

	merged := &AccountStorage{
		Version:             config.StorageSchemaVersion,
		Accounts:            append(append([]*Account{}, current.Accounts...), incoming.Accounts...),
		ActiveIndex:         current.ActiveIndex,
		ActiveIndexByFamily: current.ActiveIndexByFamily,
	}
	mergedRaw, err := json.Marshal(merged)
	if err != nil {
		return nil, errors.NewStorageError("failed to merge pools", errors.StorageCodeUnknown, s.path, err)
	}
	pool, warnings, ok := ParseAndNormalize(mergedRaw, nowMs)
	if !ok {
		return nil, errors.NewStorageError("failed to merge pools", errors.StorageCodeUnknown, s.path, nil)
	}
	for _, w := range warnings {
		if w == fmt.Sprintf(warnPoolTruncated, config.MaxAccounts) {
			return nil, errors.NewValidationError(
				fmt.Sprintf("import would exceed the limit of %d accounts", config.MaxAccounts),
				"accounts", fmt.Sprintf("at most %d entries after merging", config.MaxAccounts))
		}
		s.log.Warn("import: %s", w)
	}

	if err := s.Save(pool); err != nil {
		return nil, err
	}

	imported := len(pool.Accounts) - len(current.Accounts)
	if imported < 0 {
		imported = 0
	}
	return &ImportResult{
		Imported: imported,
		Skipped:  len(incoming.Accounts) - imported,
		Total:    len(pool.Accounts),
	}, nil
}

// ensureGitIgnore appends the storage directory to the project .gitignore
// when the pool is project-local and the project is a git repository.
func (s *Store) ensureGitIgnore() {
	dir := filepath.Dir(s.path)
	if filepath.Base(dir) != config.ProjectStorageDir {
		return
	}
	root := filepath.Dir(dir)
	if _, err := s.fs.Stat(filepath.Join(root, ".git")); err != nil {
		return
	}

	entry := config.ProjectStorageDir + "/"
	gitignorePath := filepath.Join(root, ".gitignore")
	existing, err := s.fs.ReadFile(gitignorePath)
	if err != nil && !stderrors.Is(err, fs.ErrNotExist) {
		return
	}
	for _, line := range strings.Split(string(existing), "\n") {
		if strings.TrimSpace(line) == entry || strings.TrimSpace(line) == config.ProjectStorageDir {
			return
		}
	}

	content := string(existing)
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	content += entry + "\n"
	if err := s.fs.WriteFile(gitignorePath, []byte(content), 0o644); err != nil {
		s.log.Warn("failed to update .gitignore: %v", err)
	}
}

func (s *Store) wrapFSError(message string, err error) error {
	return errors.NewStorageError(message, storageCodeFor(err), s.path, err)
}

func storageCodeFor(err error) string {
	switch {
	case stderrors.Is(err, fs.ErrPermission), stderrors.Is(err, syscall.EACCES):
		return errors.StorageCodeAccess
	case stderrors.Is(err, syscall.EPERM):
		return errors.StorageCodePerm
	case stderrors.Is(err, syscall.EBUSY):
		return errors.StorageCodeBusy
	case stderrors.Is(err, syscall.ENOSPC):
		return errors.StorageCodeNoSpace
	default:
		return errors.StorageCodeUnknown
	}
}
