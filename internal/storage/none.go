package storage

import (
	"context"

	"github.com/MarcoPoloResearchLab/kiosk/internal/catalog"
)

// NoneProvider is the disconnected placeholder; every operation fails closed.
type NoneProvider struct{}

func (NoneProvider) Kind() Kind {
	return KindNone
}

func (NoneProvider) Connected() bool {
	return false
}

func (NoneProvider) Push(context.Context, catalog.BackupData) error {
	return newProviderError(KindNone, "push", "not_connected", ErrNotConnected)
}

func (NoneProvider) Pull(context.Context) (catalog.BackupData, error) {
	return catalog.BackupData{}, newProviderError(KindNone, "pull", "not_connected", ErrNotConnected)
}

func (NoneProvider) SaveAsset(context.Context, Upload, ...string) (string, error) {
	return "", newProviderError(KindNone, "save_asset", "not_connected", ErrNotConnected)
}

func (NoneProvider) DeleteAsset(context.Context, string) error {
	return newProviderError(KindNone, "delete_asset", "not_connected", ErrNotConnected)
}

func (NoneProvider) DeleteAssetDirectory(context.Context, ...string) error {
	return newProviderError(KindNone, "delete_directory", "not_connected", ErrNotConnected)
}

func (NoneProvider) Disconnect() {}
