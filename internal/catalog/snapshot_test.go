package catalog

import (
	"errors"
	"slices"
	"testing"
)

func TestDecodeSnapshotRequiresCoreFields(t *testing.T) {
	testCases := []struct {
		name    string
		payload string
	}{
		{name: "not json", payload: `<html>`},
		{name: "missing products", payload: `{"brands":[],"settings":{}}`},
		{name: "null settings", payload: `{"brands":[],"products":[],"settings":null}`},
		{name: "brands wrong shape", payload: `{"brands":{"a":1},"products":[],"settings":{}}`},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := DecodeSnapshot([]byte(testCase.payload)); !errors.Is(err, ErrMalformedSnapshot) {
				t.Fatalf("expected malformed snapshot, got %v", err)
			}
		})
	}
}

func TestDecodeSnapshotDefaultsOptionalCollections(t *testing.T) {
	payload := `{
		"brands":[{"id":"b1","name":"Acme"}],
		"products":[{"id":"p1","brandId":"b1","name":"Drill"}],
		"settings":{"companyName":"Shop","lastUpdated":100},
		"orders":"broken"
	}`
	snapshot, err := DecodeSnapshot([]byte(payload))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snapshot.Settings.LastUpdated != 100 || snapshot.Settings.CompanyName != "Shop" {
		t.Fatalf("unexpected settings: %#v", snapshot.Settings)
	}
	if snapshot.Orders == nil || len(snapshot.Orders) != 0 {
		t.Fatalf("expected invalid orders to fall back to empty")
	}
	if snapshot.ViewCounts.Brands == nil {
		t.Fatalf("expected view counts initialised")
	}
}

func TestRestoreSnapshotFallsBackPerField(t *testing.T) {
	payload := `{
		"brands":[{"id":"b1","name":"Acme"}],
		"products":"corrupt",
		"settings":{"theme":{"darkMode":true}}
	}`
	snapshot, fallbacks, err := RestoreSnapshot([]byte(payload))
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if len(snapshot.Brands) != 1 {
		t.Fatalf("expected brands restored")
	}
	if len(snapshot.Products) != 0 {
		t.Fatalf("expected corrupt products replaced by empty list")
	}
	if !snapshot.Settings.Theme.DarkMode || snapshot.Settings.CompanyName != DefaultSettings().CompanyName {
		t.Fatalf("expected settings merged onto defaults")
	}
	for _, key := range []string{KeyProducts, KeyCatalogues, KeyOrders} {
		if !slices.Contains(fallbacks, key) {
			t.Fatalf("expected %s reported as fallback, got %v", key, fallbacks)
		}
	}
	if slices.Contains(fallbacks, KeyBrands) || slices.Contains(fallbacks, KeySettings) {
		t.Fatalf("unexpected fallback report: %v", fallbacks)
	}
}

func TestRestoreSnapshotRejectsNonObject(t *testing.T) {
	if _, _, err := RestoreSnapshot([]byte(`[1,2,3]`)); !errors.Is(err, ErrMalformedSnapshot) {
		t.Fatalf("expected malformed snapshot, got %v", err)
	}
}

func TestMergeSettingsReplacesNavigationWhole(t *testing.T) {
	merged, err := MergeSettings([]byte(`{"navigation":[{"label":"X"}]}`))
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if len(merged.Navigation) != 1 {
		t.Fatalf("expected stored navigation only, got %+v", merged.Navigation)
	}
	if got := merged.Navigation[0]; got != (NavigationLink{Label: "X"}) {
		t.Fatalf("expected absent link fields empty, got %+v", got)
	}

	merged, err = MergeSettings([]byte(`{"companyName":"Acme"}`))
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if len(merged.Navigation) != len(DefaultSettings().Navigation) {
		t.Fatalf("expected default navigation when absent, got %+v", merged.Navigation)
	}
}

func TestMergeSettingsKeepsDefaultsForAbsentFields(t *testing.T) {
	merged, err := MergeSettings([]byte(`{"kiosk":{"showPricing":true}}`))
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	defaults := DefaultSettings()
	if !merged.Kiosk.ShowPricing {
		t.Fatalf("expected stored field to win")
	}
	if merged.Kiosk.ScreensaverDelaySeconds != defaults.Kiosk.ScreensaverDelaySeconds {
		t.Fatalf("expected sibling field backfilled")
	}
	if !merged.SyncEnabled {
		t.Fatalf("expected sync enabled by default")
	}
}

func TestEncodeSnapshotWritesEmptyCollections(t *testing.T) {
	encoded, err := EncodeSnapshot(BackupData{Settings: DefaultSettings()})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeSnapshot(encoded)
	if err != nil {
		t.Fatalf("decode encoded snapshot: %v", err)
	}
	if decoded.Brands == nil || decoded.Products == nil {
		t.Fatalf("expected arrays in encoded output")
	}
}

func TestBrandNameDegradesForOrphans(t *testing.T) {
	data := BackupData{Brands: []Brand{
		{Record: Record{ID: "b1"}, Name: "Acme"},
		{Record: Record{ID: "b2", IsDeleted: true}, Name: "Gone"},
	}}
	if name := data.BrandName("b1"); name != "Acme" {
		t.Fatalf("expected Acme, got %q", name)
	}
	if name := data.BrandName("b2"); name != UnknownBrandName {
		t.Fatalf("expected deleted brand to degrade, got %q", name)
	}
	if name := data.BrandName("missing"); name != UnknownBrandName {
		t.Fatalf("expected orphan to degrade, got %q", name)
	}
	orphan := BackupData{Products: []Product{{Record: Record{ID: "p1"}, BrandID: "missing", Name: "Drill"}}}
	if len(orphan.VisibleProducts("")) != 1 {
		t.Fatalf("expected orphaned product to stay visible")
	}
}
