package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected indicates that no provider is connected.
	ErrNotConnected = errors.New("storage: not connected")
	// ErrUnsupportedEnvironment indicates that the process cannot obtain a
	// directory capability at all.
	ErrUnsupportedEnvironment = errors.New("storage: unsupported environment")
	// ErrPickerCancelled is returned by a DirectoryPicker when the operator
	// dismisses the picker. Providers treat it as a silent no-op.
	ErrPickerCancelled = errors.New("storage: directory selection cancelled")
	// ErrPermissionDenied indicates that the directory capability was refused or revoked.
	ErrPermissionDenied = errors.New("storage: permission denied")
	// ErrReadOnlyConnection indicates a write against a read-only connection.
	ErrReadOnlyConnection = errors.New("storage: connection is read-only")
	// ErrUnreachable indicates that the backend could not be reached.
	ErrUnreachable = errors.New("storage: backend unreachable")
	// ErrLockContention indicates that database.lock exists.
	ErrLockContention = errors.New("storage: operation in progress")
	// ErrOperationInProgress indicates a push issued while another is outstanding.
	ErrOperationInProgress = errors.New("storage: push already in flight")
	// ErrPushRejected indicates that the backend answered a push with a non-2xx status.
	ErrPushRejected = errors.New("storage: push rejected")
	// ErrSnapshotNotFound indicates that nothing was pushed to the backend yet.
	ErrSnapshotNotFound = errors.New("storage: snapshot not found")
	// ErrAssetIO indicates that saving or deleting a binary asset failed.
	ErrAssetIO = errors.New("storage: asset io failed")
	// ErrNotLocal indicates an asset read against a provider without a directory.
	ErrNotLocal = errors.New("storage: provider has no local directory")
	// ErrInvalidConfiguration indicates a missing endpoint or unknown provider kind.
	ErrInvalidConfiguration = errors.New("storage: invalid configuration")
)

// ProviderError carries a stable "storage.<kind>.<operation>.<reason>" code
// alongside the cause.
type ProviderError struct {
	code string
	err  error
}

func (e *ProviderError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ProviderError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *ProviderError) Code() string {
	return e.code
}

func newProviderError(kind Kind, operation, reason string, cause error) error {
	return &ProviderError{code: fmt.Sprintf("storage.%s.%s.%s", kind, operation, reason), err: cause}
}

// IsConnectionError reports whether err belongs to the connection class:
// unreachable backend, unsupported environment or refused permission.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrUnsupportedEnvironment) ||
		errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrUnreachable)
}
