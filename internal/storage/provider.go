package storage

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/kiosk/internal/catalog"
)

// Provider persists snapshots and binary assets on one backend.
type Provider interface {
	Kind() Kind
	Connected() bool
	Push(ctx context.Context, snapshot catalog.BackupData) error
	Pull(ctx context.Context) (catalog.BackupData, error)
	SaveAsset(ctx context.Context, upload Upload, segments ...string) (string, error)
	DeleteAsset(ctx context.Context, ref string) error
	DeleteAssetDirectory(ctx context.Context, segments ...string) error
	Disconnect()
}

// AssetReader is implemented by providers that can read relative asset
// references back, which only the local directory provider does.
type AssetReader interface {
	OpenAsset(ctx context.Context, ref string) (Asset, error)
	StatAsset(ctx context.Context, ref string) (time.Time, error)
}

// Upload is a binary file handed to SaveAsset.
type Upload struct {
	Name        string
	ContentType string
	Data        []byte
}

// Asset is a binary file read back from storage.
type Asset struct {
	Ref     string
	Name    string
	Data    []byte
	ModTime time.Time
}

// ReferenceKind classifies a stored asset reference.
type ReferenceKind int

const (
	ReferenceEmpty ReferenceKind = iota
	ReferenceRemote
	ReferenceInline
	ReferenceRelative
)

// ClassifyReference tells absolute URLs, inline data URIs and relative
// storage paths apart.
func ClassifyReference(ref string) ReferenceKind {
	trimmed := strings.TrimSpace(ref)
	lower := strings.ToLower(trimmed)
	switch {
	case trimmed == "":
		return ReferenceEmpty
	case strings.HasPrefix(lower, "data:"):
		return ReferenceInline
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"),
		strings.HasPrefix(lower, "blob:"), strings.HasPrefix(trimmed, "//"):
		return ReferenceRemote
	default:
		return ReferenceRelative
	}
}

var (
	slugPattern     = regexp.MustCompile(`[^\p{L}\p{N}]+`)
	fileNamePattern = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
)

// Slugify lowercases a directory segment and collapses everything that is
// not a letter or digit, in any script, into single dashes.
func Slugify(segment string) string {
	slug := strings.Trim(slugPattern.ReplaceAllString(strings.ToLower(segment), "-"), "-")
	if slug == "" {
		return "item"
	}
	return slug
}

// SanitizeFileName keeps letters, digits, dots, dashes and underscores.
func SanitizeFileName(name string) string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	clean := strings.Trim(fileNamePattern.ReplaceAllString(base, "_"), "._")
	if clean == "" {
		return "file"
	}
	return clean
}

// AssetFileName returns the "<unixmillis>-<sanitized name>" file name.
func AssetFileName(now time.Time, name string) string {
	return fmt.Sprintf("%d-%s", now.UnixMilli(), SanitizeFileName(name))
}

// SlugSegments slugifies every directory segment.
func SlugSegments(segments []string) []string {
	slugs := make([]string, 0, len(segments))
	for _, segment := range segments {
		if strings.TrimSpace(segment) == "" {
			continue
		}
		slugs = append(slugs, Slugify(segment))
	}
	return slugs
}

// splitReference validates a relative reference and returns its segments.
func splitReference(ref string) ([]string, error) {
	trimmed := strings.Trim(strings.TrimSpace(ref), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty reference", ErrAssetIO)
	}
	segments := strings.Split(trimmed, "/")
	for _, segment := range segments {
		if segment == "" || segment == "." || segment == ".." {
			return nil, fmt.Errorf("%w: invalid reference %q", ErrAssetIO, ref)
		}
	}
	return segments, nil
}
