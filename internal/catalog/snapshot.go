package catalog

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// requiredSnapshotFields must be present for a pulled snapshot to be accepted.
var requiredSnapshotFields = []string{KeyBrands, KeyProducts, KeySettings}

// DecodeSnapshot parses a pulled snapshot. Brands, products and settings
// must be present and well formed; other collections fall back to empty
// values when missing or invalid.
func DecodeSnapshot(data []byte) (BackupData, error) {
	snapshot, _, err := decodeSnapshot(data, true)
	return snapshot, err
}

// RestoreSnapshot parses a backup file leniently. Every missing or invalid
// field falls back to its shipped default and is reported in fallbacks;
// only a document that is not a JSON object is rejected.
func RestoreSnapshot(data []byte) (BackupData, []string, error) {
	return decodeSnapshot(data, false)
}

func decodeSnapshot(data []byte, strict bool) (BackupData, []string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return BackupData{}, nil, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
	}
	if fields == nil {
		return BackupData{}, nil, fmt.Errorf("%w: empty document", ErrMalformedSnapshot)
	}

	if strict {
		for _, key := range requiredSnapshotFields {
			if raw, ok := fields[key]; !ok || isJSONNull(raw) {
				return BackupData{}, nil, fmt.Errorf("%w: missing %s", ErrMalformedSnapshot, key)
			}
		}
	}

	snapshot := BackupData{}
	var fallbacks []string
	decodeField := func(key string, target any) error {
		raw, ok := fields[key]
		if !ok || isJSONNull(raw) {
			fallbacks = append(fallbacks, key)
			return nil
		}
		if err := json.Unmarshal(raw, target); err != nil {
			if strict && isRequiredField(key) {
				return fmt.Errorf("%w: %s: %v", ErrMalformedSnapshot, key, err)
			}
			resetTarget(target)
			fallbacks = append(fallbacks, key)
		}
		return nil
	}

	targets := []struct {
		key    string
		target any
	}{
		{KeyBrands, &snapshot.Brands},
		{KeyProducts, &snapshot.Products},
		{KeyCatalogues, &snapshot.Catalogues},
		{KeyPamphlets, &snapshot.Pamphlets},
		{KeyScreensaverAds, &snapshot.ScreensaverAds},
		{KeyAdminUsers, &snapshot.AdminUsers},
		{KeyTvContent, &snapshot.TvContent},
		{KeyCategories, &snapshot.Categories},
		{KeyClients, &snapshot.Clients},
		{KeyOrders, &snapshot.Orders},
		{KeyKioskUsers, &snapshot.KioskUsers},
		{KeyViewCounts, &snapshot.ViewCounts},
	}
	for _, entry := range targets {
		if err := decodeField(entry.key, entry.target); err != nil {
			return BackupData{}, nil, err
		}
	}

	settings, err := MergeSettings(fields[KeySettings])
	if err != nil {
		if strict {
			return BackupData{}, nil, fmt.Errorf("%w: settings: %v", ErrMalformedSnapshot, err)
		}
		fallbacks = append(fallbacks, KeySettings)
	} else if _, ok := fields[KeySettings]; !ok {
		fallbacks = append(fallbacks, KeySettings)
	}
	snapshot.Settings = settings

	snapshot.Normalize()
	return snapshot, fallbacks, nil
}

func isRequiredField(key string) bool {
	for _, required := range requiredSnapshotFields {
		if required == key {
			return true
		}
	}
	return false
}

// resetTarget discards a partially decoded value.
func resetTarget(target any) {
	value := reflect.ValueOf(target)
	if value.Kind() != reflect.Pointer || value.IsNil() {
		return
	}
	value.Elem().Set(reflect.Zero(value.Elem().Type()))
}

func isJSONNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// EncodeSnapshot renders a snapshot as indented JSON, the on-disk format of
// database.json.
func EncodeSnapshot(snapshot BackupData) ([]byte, error) {
	snapshot.Normalize()
	return json.MarshalIndent(snapshot, "", "  ")
}
