package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/kiosk/internal/catalog"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const (
	// DatabaseFileName holds the pretty-printed snapshot.
	DatabaseFileName = "database.json"
	// LockFileName is the zero-byte sentinel present while a push runs.
	LockFileName = "database.lock"

	databaseTempFileName = "database.json.tmp"
)

// LocalConfig describes the dependencies of a LocalProvider.
type LocalConfig struct {
	Clock  func() time.Time
	Logger *zap.Logger
	// OnRevoked is called after the provider disconnected itself because the
	// directory permission could not be re-verified.
	OnRevoked func(err error)
}

// LocalProvider stores the snapshot and assets in an operator-granted
// directory. Permission is re-verified before every read and write.
type LocalProvider struct {
	mu        sync.RWMutex
	directory Directory
	access    Access

	clock     func() time.Time
	logger    *zap.Logger
	onRevoked func(err error)
}

// NewLocalProvider constructs a disconnected LocalProvider.
func NewLocalProvider(cfg LocalConfig) *LocalProvider {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalProvider{clock: clock, logger: logger, onRevoked: cfg.OnRevoked}
}

func (p *LocalProvider) Kind() Kind {
	return KindLocal
}

func (p *LocalProvider) Connected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.directory != nil
}

// Writable reports whether the connection was granted read-write access.
func (p *LocalProvider) Writable() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.directory != nil && p.access == AccessReadWrite
}

// Root returns the OS path of the connected folder when it has one.
func (p *LocalProvider) Root() (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rooted, ok := p.directory.(interface{ Root() string })
	if !ok || rooted.Root() == "" {
		return "", false
	}
	return rooted.Root(), true
}

// Connect asks the picker for a directory and requests read-write access for
// elevated roles and read access for everybody else. A dismissed picker
// leaves the provider disconnected and returns nil.
func (p *LocalProvider) Connect(ctx context.Context, picker DirectoryPicker, role string) error {
	if picker == nil {
		return newProviderError(KindLocal, "connect", "unsupported_environment", ErrUnsupportedEnvironment)
	}
	directory, err := picker.PickDirectory(ctx)
	if errors.Is(err, ErrPickerCancelled) {
		p.logger.Debug("directory selection cancelled")
		return nil
	}
	if err != nil {
		return newProviderError(KindLocal, "connect", "pick_failed", err)
	}

	access := AccessRead
	if catalog.IsElevatedRole(role) {
		access = AccessReadWrite
	}
	state, err := directory.RequestPermission(ctx, access)
	if err != nil {
		return newProviderError(KindLocal, "connect", "permission_request_failed", fmt.Errorf("%w: %v", ErrPermissionDenied, err))
	}
	if state != PermissionGranted {
		return newProviderError(KindLocal, "connect", "permission_denied", ErrPermissionDenied)
	}

	p.mu.Lock()
	p.directory = directory
	p.access = access
	p.mu.Unlock()
	p.logger.Info("local directory connected",
		zap.String("directory", directory.Name()),
		zap.String("access", access.String()))
	return nil
}

func (p *LocalProvider) Disconnect() {
	p.mu.Lock()
	p.directory = nil
	p.access = 0
	p.mu.Unlock()
}

// verify re-checks the directory permission and returns the filesystem view
// for the requested access. A failed check disconnects the provider.
func (p *LocalProvider) verify(ctx context.Context, operation string, access Access) (afero.Fs, error) {
	p.mu.RLock()
	directory, granted := p.directory, p.access
	p.mu.RUnlock()
	if directory == nil {
		return nil, newProviderError(KindLocal, operation, "not_connected", ErrNotConnected)
	}
	if access > granted {
		return nil, newProviderError(KindLocal, operation, "read_only", ErrReadOnlyConnection)
	}

	state, err := directory.QueryPermission(ctx, access)
	if err == nil && state != PermissionGranted {
		state, err = directory.RequestPermission(ctx, access)
	}
	if err != nil || state != PermissionGranted {
		cause := ErrPermissionDenied
		if err != nil {
			cause = fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		p.revoke(directory, cause)
		return nil, newProviderError(KindLocal, operation, "permission_denied", cause)
	}
	return directory.FileSystem(access), nil
}

func (p *LocalProvider) revoke(directory Directory, cause error) {
	p.mu.Lock()
	if p.directory != directory {
		p.mu.Unlock()
		return
	}
	p.directory = nil
	p.access = 0
	p.mu.Unlock()

	p.logger.Warn("directory permission lost, disconnecting", zap.String("directory", directory.Name()))
	if p.onRevoked != nil {
		p.onRevoked(cause)
	}
}

// Push writes database.json guarded by database.lock. An existing lock
// aborts the push; the lock is removed whether or not the write succeeds.
// A lock left behind by a crashed writer must be removed by an operator.
func (p *LocalProvider) Push(ctx context.Context, snapshot catalog.BackupData) (err error) {
	fsys, err := p.verify(ctx, "push", AccessReadWrite)
	if err != nil {
		return err
	}

	if exists, statErr := afero.Exists(fsys, LockFileName); statErr != nil {
		return newProviderError(KindLocal, "push", "lock_check_failed", statErr)
	} else if exists {
		return newProviderError(KindLocal, "push", "lock_contention", ErrLockContention)
	}
	lock, err := fsys.OpenFile(LockFileName, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return newProviderError(KindLocal, "push", "lock_contention", ErrLockContention)
		}
		return newProviderError(KindLocal, "push", "lock_create_failed", err)
	}
	_ = lock.Close()
	defer func() {
		if removeErr := fsys.Remove(LockFileName); removeErr != nil && !errors.Is(removeErr, fs.ErrNotExist) {
			p.logger.Error("failed to remove lock file", zap.Error(removeErr))
			if err == nil {
				err = newProviderError(KindLocal, "push", "lock_remove_failed", removeErr)
			}
		}
	}()

	encoded, err := catalog.EncodeSnapshot(snapshot)
	if err != nil {
		return newProviderError(KindLocal, "push", "encode_failed", err)
	}
	if err := afero.WriteFile(fsys, databaseTempFileName, encoded, 0o644); err != nil {
		return newProviderError(KindLocal, "push", "write_failed", err)
	}
	if err := fsys.Rename(databaseTempFileName, DatabaseFileName); err != nil {
		_ = fsys.Remove(databaseTempFileName)
		return newProviderError(KindLocal, "push", "rename_failed", err)
	}
	return nil
}

// Pull reads and decodes database.json.
func (p *LocalProvider) Pull(ctx context.Context) (catalog.BackupData, error) {
	fsys, err := p.verify(ctx, "pull", AccessRead)
	if err != nil {
		return catalog.BackupData{}, err
	}
	data, err := afero.ReadFile(fsys, DatabaseFileName)
	if errors.Is(err, fs.ErrNotExist) {
		return catalog.BackupData{}, newProviderError(KindLocal, "pull", "not_found", ErrSnapshotNotFound)
	}
	if err != nil {
		return catalog.BackupData{}, newProviderError(KindLocal, "pull", "read_failed", err)
	}
	snapshot, err := catalog.DecodeSnapshot(data)
	if err != nil {
		return catalog.BackupData{}, newProviderError(KindLocal, "pull", "malformed", err)
	}
	return snapshot, nil
}

// SaveAsset writes the upload under the slugified segments, creating them
// on demand, and returns the relative reference.
func (p *LocalProvider) SaveAsset(ctx context.Context, upload Upload, segments ...string) (string, error) {
	fsys, err := p.verify(ctx, "save_asset", AccessReadWrite)
	if err != nil {
		return "", err
	}
	directory := path.Join(SlugSegments(segments)...)
	if directory != "" {
		if err := fsys.MkdirAll(directory, 0o755); err != nil {
			return "", newProviderError(KindLocal, "save_asset", "mkdir_failed", fmt.Errorf("%w: %v", ErrAssetIO, err))
		}
	}
	ref := path.Join(directory, AssetFileName(p.clock(), upload.Name))
	if err := afero.WriteFile(fsys, ref, upload.Data, 0o644); err != nil {
		return "", newProviderError(KindLocal, "save_asset", "write_failed", fmt.Errorf("%w: %v", ErrAssetIO, err))
	}
	return ref, nil
}

// DeleteAsset removes one relative reference. Missing files and
// non-relative references are ignored.
func (p *LocalProvider) DeleteAsset(ctx context.Context, ref string) error {
	if ClassifyReference(ref) != ReferenceRelative {
		return nil
	}
	segments, err := splitReference(ref)
	if err != nil {
		return newProviderError(KindLocal, "delete_asset", "invalid_reference", err)
	}
	fsys, err := p.verify(ctx, "delete_asset", AccessReadWrite)
	if err != nil {
		return err
	}
	if err := fsys.Remove(path.Join(segments...)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return newProviderError(KindLocal, "delete_asset", "remove_failed", fmt.Errorf("%w: %v", ErrAssetIO, err))
	}
	return nil
}

// DeleteAssetDirectory recursively removes the slugified subtree.
func (p *LocalProvider) DeleteAssetDirectory(ctx context.Context, segments ...string) error {
	directory := path.Join(SlugSegments(segments)...)
	if directory == "" {
		return newProviderError(KindLocal, "delete_directory", "empty_path", ErrAssetIO)
	}
	fsys, err := p.verify(ctx, "delete_directory", AccessReadWrite)
	if err != nil {
		return err
	}
	if err := fsys.RemoveAll(directory); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return newProviderError(KindLocal, "delete_directory", "remove_failed", fmt.Errorf("%w: %v", ErrAssetIO, err))
	}
	return nil
}

// OpenAsset walks the reference segment by segment without creating
// anything and reads the terminal file.
func (p *LocalProvider) OpenAsset(ctx context.Context, ref string) (Asset, error) {
	fsys, segments, err := p.walk(ctx, "open_asset", ref)
	if err != nil {
		return Asset{}, err
	}
	name := path.Join(segments...)
	info, err := fsys.Stat(name)
	if err != nil {
		return Asset{}, newProviderError(KindLocal, "open_asset", "not_found", fmt.Errorf("%w: %v", ErrAssetIO, err))
	}
	data, err := afero.ReadFile(fsys, name)
	if err != nil {
		return Asset{}, newProviderError(KindLocal, "open_asset", "read_failed", fmt.Errorf("%w: %v", ErrAssetIO, err))
	}
	return Asset{Ref: ref, Name: segments[len(segments)-1], Data: data, ModTime: info.ModTime()}, nil
}

// StatAsset returns the modification time of the referenced file.
func (p *LocalProvider) StatAsset(ctx context.Context, ref string) (time.Time, error) {
	fsys, segments, err := p.walk(ctx, "stat_asset", ref)
	if err != nil {
		return time.Time{}, err
	}
	info, err := fsys.Stat(path.Join(segments...))
	if err != nil {
		return time.Time{}, newProviderError(KindLocal, "stat_asset", "not_found", fmt.Errorf("%w: %v", ErrAssetIO, err))
	}
	return info.ModTime(), nil
}

func (p *LocalProvider) walk(ctx context.Context, operation, ref string) (afero.Fs, []string, error) {
	if ClassifyReference(ref) != ReferenceRelative {
		return nil, nil, newProviderError(KindLocal, operation, "not_relative", ErrNotLocal)
	}
	segments, err := splitReference(ref)
	if err != nil {
		return nil, nil, newProviderError(KindLocal, operation, "invalid_reference", err)
	}
	fsys, err := p.verify(ctx, operation, AccessRead)
	if err != nil {
		return nil, nil, err
	}
	for index := 1; index < len(segments); index++ {
		parent := path.Join(segments[:index]...)
		isDir, err := afero.IsDir(fsys, parent)
		if err != nil || !isDir {
			return nil, nil, newProviderError(KindLocal, operation, "not_found", fmt.Errorf("%w: missing directory %s", ErrAssetIO, parent))
		}
	}
	return fsys, segments, nil
}
