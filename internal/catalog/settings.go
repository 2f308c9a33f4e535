package catalog

import (
	"encoding/json"
	"fmt"
)

// ThemeSettings holds the kiosk colour palette.
type ThemeSettings struct {
	PrimaryColor    string `json:"primaryColor"`
	SecondaryColor  string `json:"secondaryColor"`
	BackgroundColor string `json:"backgroundColor"`
	TextColor       string `json:"textColor"`
	DarkMode        bool   `json:"darkMode"`
}

// TypographySettings holds font choices.
type TypographySettings struct {
	HeadingFont  string `json:"headingFont"`
	BodyFont     string `json:"bodyFont"`
	BaseFontSize int    `json:"baseFontSize"`
}

// BarStyle styles the header and footer bars.
type BarStyle struct {
	BackgroundColor string `json:"backgroundColor"`
	TextColor       string `json:"textColor"`
	Height          int    `json:"height"`
	ShowLogo        bool   `json:"showLogo"`
	Text            string `json:"text"`
}

// KioskSettings controls idle behaviour on the kiosk.
type KioskSettings struct {
	ScreensaverEnabled      bool `json:"screensaverEnabled"`
	ScreensaverDelaySeconds int  `json:"screensaverDelaySeconds"`
	AdRotationSeconds       int  `json:"adRotationSeconds"`
	ShowPricing             bool `json:"showPricing"`
	IdleResetSeconds        int  `json:"idleResetSeconds"`
}

// NavigationLink is an entry of the global navigation bar.
type NavigationLink struct {
	Label   string `json:"label"`
	Target  string `json:"target"`
	Visible bool   `json:"visible"`
}

// Settings is the single nested configuration object of a catalogue.
// LastUpdated (epoch millis) is bumped on every write and is the only
// signal used to decide whether a remote snapshot is newer.
type Settings struct {
	CompanyName  string             `json:"companyName"`
	LogoURL      string             `json:"logoUrl"`
	Theme        ThemeSettings      `json:"theme"`
	Typography   TypographySettings `json:"typography"`
	Header       BarStyle           `json:"header"`
	Footer       BarStyle           `json:"footer"`
	Kiosk        KioskSettings      `json:"kiosk"`
	Navigation   []NavigationLink   `json:"navigation"`
	SyncEnabled  bool               `json:"syncEnabled"`
	SharedURL    string             `json:"sharedUrl"`
	CustomAPIURL string             `json:"customApiUrl"`
	CustomAPIKey string             `json:"customApiKey"`
	LastUpdated  int64              `json:"lastUpdated"`
}

// AssetRefs lists the asset references owned by the settings object.
func (s Settings) AssetRefs() []string {
	return []string{s.LogoURL}
}

// DefaultSettings returns the shipped settings schema.
func DefaultSettings() Settings {
	return Settings{
		CompanyName: "Kiosk",
		Theme: ThemeSettings{
			PrimaryColor:    "#1d4ed8",
			SecondaryColor:  "#f59e0b",
			BackgroundColor: "#f8fafc",
			TextColor:       "#0f172a",
		},
		Typography: TypographySettings{
			HeadingFont:  "Inter",
			BodyFont:     "Inter",
			BaseFontSize: 16,
		},
		Header: BarStyle{
			BackgroundColor: "#ffffff",
			TextColor:       "#0f172a",
			Height:          72,
			ShowLogo:        true,
		},
		Footer: BarStyle{
			BackgroundColor: "#0f172a",
			TextColor:       "#ffffff",
			Height:          48,
		},
		Kiosk: KioskSettings{
			ScreensaverEnabled:      true,
			ScreensaverDelaySeconds: 60,
			AdRotationSeconds:       8,
			IdleResetSeconds:        120,
		},
		Navigation: []NavigationLink{
			{Label: "Brands", Target: "/", Visible: true},
			{Label: "Catalogues", Target: "/catalogues", Visible: true},
			{Label: "Pamphlets", Target: "/pamphlets", Visible: true},
		},
		SyncEnabled: true,
	}
}

// MergeSettings deep-merges a stored, possibly partial, settings document
// onto the shipped defaults. Fields present in raw win; absent fields keep
// their default, so fields introduced by an upgrade are backfilled.
func MergeSettings(raw []byte) (Settings, error) {
	if len(raw) == 0 {
		return DefaultSettings(), nil
	}
	merged, err := OverlaySettings(DefaultSettings(), raw)
	if err != nil {
		return DefaultSettings(), fmt.Errorf("merge settings: %w", err)
	}
	return merged, nil
}

// OverlaySettings applies a partial settings document to base. Objects are
// merged field by field; a navigation list present in raw replaces the base
// list whole.
func OverlaySettings(base Settings, raw []byte) (Settings, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return base, err
	}
	if _, ok := fields["navigation"]; ok {
		base.Navigation = nil
	}
	if err := json.Unmarshal(raw, &base); err != nil {
		return base, err
	}
	return base, nil
}
