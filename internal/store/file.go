package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/atmx/papertrade/internal/model"
)

// ErrInvalidKey is returned for user ids that cannot be mapped to a file.
var ErrInvalidKey = errors.New("store: invalid key")

// FileStore implements Store with one JSON file per key inside a
// directory. Writes are atomic (tmp file + fsync + rename), so a crash
// never leaves a half-written snapshot behind.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed and returns a store rooted
// there.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) LoadSession(_ context.Context, userID string) (*model.SessionSnapshot, error) {
	var snap model.SessionSnapshot
	if err := s.read(SessionKey(userID), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *FileStore) SaveSession(_ context.Context, userID string, snap *model.SessionSnapshot) error {
	return s.write(SessionKey(userID), snap)
}

func (s *FileStore) DeleteSession(_ context.Context, userID string) error {
	return s.remove(SessionKey(userID))
}

func (s *FileStore) LoadLockout(_ context.Context, userID string) (*model.LockoutState, error) {
	var l model.LockoutState
	if err := s.read(LockoutKey(userID), &l); err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *FileStore) SaveLockout(_ context.Context, userID string, l model.LockoutState) error {
	return s.write(LockoutKey(userID), l)
}

func (s *FileStore) DeleteLockout(_ context.Context, userID string) error {
	return s.remove(LockoutKey(userID))
}

func (s *FileStore) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.Contains(key, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(s.dir, key+".json"), nil
}

func (s *FileStore) read(key string, out any) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	b, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func (s *FileStore) write(key string, v any) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return writeFileAtomic(p, b, 0o600)
}

func (s *FileStore) remove(key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// writeFileAtomic writes data to path atomically. It also fsyncs the
// parent directory so the rename itself is durable.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
