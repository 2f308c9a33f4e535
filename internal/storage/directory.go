package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

// Access is the level of access requested on a directory.
type Access int

const (
	AccessRead Access = iota + 1
	AccessReadWrite
)

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessReadWrite:
		return "readwrite"
	default:
		return "none"
	}
}

// PermissionState is the answer to a permission query or request.
type PermissionState string

const (
	PermissionGranted PermissionState = "granted"
	PermissionPrompt  PermissionState = "prompt"
	PermissionDenied  PermissionState = "denied"
)

// Directory is a revocable capability over a folder. Only the local
// provider holds one; nothing outside this package sees it.
type Directory interface {
	Name() string
	QueryPermission(ctx context.Context, access Access) (PermissionState, error)
	RequestPermission(ctx context.Context, access Access) (PermissionState, error)
	FileSystem(access Access) afero.Fs
}

// DirectoryPicker asks the operator for a directory. Implementations return
// ErrPickerCancelled when the operator dismisses the prompt.
type DirectoryPicker interface {
	PickDirectory(ctx context.Context) (Directory, error)
}

// PickerFunc adapts a function to DirectoryPicker.
type PickerFunc func(ctx context.Context) (Directory, error)

func (f PickerFunc) PickDirectory(ctx context.Context) (Directory, error) {
	return f(ctx)
}

// GrantedDirectory is a Directory whose grant is held in memory and can be
// revoked. Requests above the ceiling are denied.
type GrantedDirectory struct {
	mu      sync.Mutex
	name    string
	root    string
	fs      afero.Fs
	ceiling Access
	granted Access
	revoked bool
}

// NewFolderDirectory exposes an OS folder. writable sets the ceiling to
// read-write; otherwise only reads can be granted.
func NewFolderDirectory(root string, writable bool) (*GrantedDirectory, error) {
	absolute, err := filepath.Abs(strings.TrimSpace(root))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	info, err := os.Stat(absolute)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrUnreachable, absolute)
	}
	directory := NewMemoryDirectory(filepath.Base(absolute), afero.NewBasePathFs(afero.NewOsFs(), absolute), writable)
	directory.root = absolute
	return directory, nil
}

// NewMemoryDirectory exposes an arbitrary afero filesystem, typically an
// afero.MemMapFs.
func NewMemoryDirectory(name string, fs afero.Fs, writable bool) *GrantedDirectory {
	ceiling := AccessRead
	if writable {
		ceiling = AccessReadWrite
	}
	return &GrantedDirectory{name: name, fs: fs, ceiling: ceiling}
}

func (d *GrantedDirectory) Name() string {
	return d.name
}

// Root returns the OS path of the folder, or "" for in-memory directories.
func (d *GrantedDirectory) Root() string {
	return d.root
}

func (d *GrantedDirectory) QueryPermission(_ context.Context, access Access) (PermissionState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.revoked:
		return PermissionDenied, nil
	case d.granted >= access:
		return PermissionGranted, nil
	default:
		return PermissionPrompt, nil
	}
}

func (d *GrantedDirectory) RequestPermission(ctx context.Context, access Access) (PermissionState, error) {
	if err := ctx.Err(); err != nil {
		return PermissionDenied, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.revoked || access > d.ceiling {
		return PermissionDenied, nil
	}
	if access > d.granted {
		d.granted = access
	}
	return PermissionGranted, nil
}

func (d *GrantedDirectory) FileSystem(access Access) afero.Fs {
	if access >= AccessReadWrite {
		return d.fs
	}
	return afero.NewReadOnlyFs(d.fs)
}

// Revoke withdraws every grant; subsequent requests are denied.
func (d *GrantedDirectory) Revoke() {
	d.mu.Lock()
	d.revoked = true
	d.granted = 0
	d.mu.Unlock()
}

// FolderPicker picks a fixed OS folder. An empty path behaves like a
// dismissed picker.
type FolderPicker struct {
	Path     string
	Writable bool
}

func (p FolderPicker) PickDirectory(context.Context) (Directory, error) {
	if strings.TrimSpace(p.Path) == "" {
		return nil, ErrPickerCancelled
	}
	return NewFolderDirectory(p.Path, p.Writable)
}
