package snapshotserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// SnapshotKey is the state store key holding the served snapshot.
const SnapshotKey = "remoteSnapshot"

var errMissingPath = errors.New("snapshot file path is required")

// Store keeps the single snapshot document served by the handler.
type Store interface {
	Load(ctx context.Context) ([]byte, bool, error)
	Save(ctx context.Context, document []byte) error
}

// FileStore persists the snapshot as one JSON file. Writes go to a sibling
// temporary file that is renamed over the target.
type FileStore struct {
	fs   afero.Fs
	path string
	mu   sync.Mutex
}

// NewFileStore stores the snapshot at path on fs. A nil fs uses the OS
// filesystem.
func NewFileStore(fs afero.Fs, path string) (*FileStore, error) {
	if path == "" {
		return nil, errMissingPath
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &FileStore{fs: fs, path: filepath.Clean(path)}, nil
}

func (s *FileStore) Load(context.Context) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := afero.ReadFile(s.fs, s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("snapshotserver.file.load: %w", err)
	}
	return data, true, nil
}

func (s *FileStore) Save(_ context.Context, document []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fs.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("snapshotserver.file.mkdir: %w", err)
	}
	temporary := s.path + "." + uuid.NewString() + ".tmp"
	if err := afero.WriteFile(s.fs, temporary, document, 0o644); err != nil {
		return fmt.Errorf("snapshotserver.file.write: %w", err)
	}
	if err := s.fs.Rename(temporary, s.path); err != nil {
		_ = s.fs.Remove(temporary)
		return fmt.Errorf("snapshotserver.file.rename: %w", err)
	}
	return nil
}

// KeyValue is the subset of the state store used by KVStore.
type KeyValue interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any) error
}

// KVStore persists the snapshot in the SQLite key/value store.
type KVStore struct {
	kv KeyValue
}

func NewKVStore(kv KeyValue) *KVStore {
	return &KVStore{kv: kv}
}

func (s *KVStore) Load(ctx context.Context) ([]byte, bool, error) {
	var document json.RawMessage
	found, err := s.kv.Get(ctx, SnapshotKey, &document)
	if err != nil || !found {
		return nil, false, err
	}
	return document, true, nil
}

func (s *KVStore) Save(ctx context.Context, document []byte) error {
	return s.kv.Set(ctx, SnapshotKey, json.RawMessage(document))
}
