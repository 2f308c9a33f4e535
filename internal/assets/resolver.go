package assets

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/kiosk/internal/storage"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

const (
	// DefaultPrefix is the URL path under which transient blobs are served.
	DefaultPrefix = "/blobs"
	// DefaultCacheSize bounds the number of cached transient URLs.
	DefaultCacheSize = 512

	opResolve = "assets.resolve"
)

// ErrBlobNotFound reports an unknown or revoked transient URL token.
var ErrBlobNotFound = errors.New("assets: blob not found")

// Source is the read side of the active storage provider.
type Source interface {
	Kind() storage.Kind
	Connected() bool
	OpenAsset(ctx context.Context, ref string) (storage.Asset, error)
	StatAsset(ctx context.Context, ref string) (time.Time, error)
}

// Blob is an in-memory copy of an asset behind a transient URL.
type Blob struct {
	Token       string
	Ref         string
	ContentType string
	Data        []byte
	ModTime     time.Time
}

// Config describes the dependencies of a Resolver.
type Config struct {
	Source    Source
	Prefix    string
	CacheSize int
	Logger    *zap.Logger
}

type cached struct {
	token   string
	url     string
	modTime time.Time
}

// Resolver turns stored asset references into URLs the kiosk UI can
// display. Relative references are served from memory under short-lived
// tokens minted while the local provider is active.
type Resolver struct {
	source Source
	prefix string
	logger *zap.Logger

	mu    sync.Mutex
	cache *lru.Cache[string, cached]
	blobs map[string]Blob
}

// NewResolver constructs a Resolver with an empty cache.
func NewResolver(cfg Config) (*Resolver, error) {
	if cfg.Source == nil {
		return nil, errors.New("assets: source is required")
	}
	prefix := strings.TrimRight(strings.TrimSpace(cfg.Prefix), "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	resolver := &Resolver{
		source: cfg.Source,
		prefix: prefix,
		logger: logger,
		blobs:  make(map[string]Blob),
	}
	cache, err := lru.NewWithEvict[string, cached](size, func(_ string, entry cached) {
		delete(resolver.blobs, entry.token)
	})
	if err != nil {
		return nil, fmt.Errorf("assets: cache: %w", err)
	}
	resolver.cache = cache
	return resolver, nil
}

// Resolve returns a displayable URL for ref. Absolute URLs and data URIs
// pass through. Relative references yield "" unless the local provider is
// connected.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	switch storage.ClassifyReference(ref) {
	case storage.ReferenceEmpty:
		return "", nil
	case storage.ReferenceRemote, storage.ReferenceInline:
		return strings.TrimSpace(ref), nil
	}
	if !r.localActive() {
		return "", nil
	}
	if url, ok := r.probe(ctx, ref); ok {
		return url, nil
	}
	// A failed probe may have revoked the provider.
	if !r.localActive() {
		return "", nil
	}

	asset, err := r.source.OpenAsset(ctx, ref)
	if err != nil {
		r.logger.Debug("asset unavailable",
			zap.String("operation", opResolve),
			zap.String("ref", ref),
			zap.Error(err))
		return "", err
	}
	token := uuid.NewString()
	blob := Blob{
		Token:       token,
		Ref:         ref,
		ContentType: mimetype.Detect(asset.Data).String(),
		Data:        asset.Data,
		ModTime:     asset.ModTime,
	}
	url := r.prefix + "/" + token

	r.mu.Lock()
	// A concurrent Resolve may have minted a URL for the same file version.
	if existing, ok := r.cache.Peek(ref); ok && existing.modTime.Equal(asset.ModTime) {
		if _, live := r.blobs[existing.token]; live {
			r.mu.Unlock()
			return existing.url, nil
		}
	}
	r.cache.Remove(ref)
	r.blobs[token] = blob
	r.cache.Add(ref, cached{token: token, url: url, modTime: asset.ModTime})
	r.mu.Unlock()
	return url, nil
}

func (r *Resolver) localActive() bool {
	return r.source.Kind() == storage.KindLocal && r.source.Connected()
}

// probe reports a cached URL that still points at a live blob of an
// unchanged file.
func (r *Resolver) probe(ctx context.Context, ref string) (string, bool) {
	r.mu.Lock()
	entry, ok := r.cache.Get(ref)
	_, live := r.blobs[entry.token]
	r.mu.Unlock()
	if !ok || !live {
		return "", false
	}
	modTime, err := r.source.StatAsset(ctx, ref)
	if err != nil || !modTime.Equal(entry.modTime) {
		r.Invalidate(ref)
		return "", false
	}
	return entry.url, true
}

// Prefix returns the URL path under which blobs are served.
func (r *Resolver) Prefix() string {
	return r.prefix
}

// Invalidate forgets the transient URL of ref.
func (r *Resolver) Invalidate(ref string) {
	r.mu.Lock()
	r.cache.Remove(ref)
	r.mu.Unlock()
}

// Clear revokes every transient URL. It runs whenever the active provider
// disconnects.
func (r *Resolver) Clear() {
	r.mu.Lock()
	r.cache.Purge()
	clear(r.blobs)
	r.mu.Unlock()
}

// Len returns the number of live transient URLs.
func (r *Resolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.blobs)
}

// Blob returns the blob behind a token.
func (r *Resolver) Blob(token string) (Blob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	blob, ok := r.blobs[token]
	if !ok {
		return Blob{}, ErrBlobNotFound
	}
	return blob, nil
}

// ServeHTTP serves <prefix>/<token>.
func (r *Resolver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	token := strings.TrimPrefix(strings.TrimPrefix(req.URL.Path, r.prefix), "/")
	blob, err := r.Blob(token)
	if err != nil {
		http.NotFound(w, req)
		return
	}
	w.Header().Set("Content-Type", blob.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(blob.Data)))
	w.Header().Set("Cache-Control", "private, no-cache")
	if !blob.ModTime.IsZero() {
		w.Header().Set("Last-Modified", blob.ModTime.UTC().Format(http.TimeFormat))
	}
	w.WriteHeader(http.StatusOK)
	if req.Method != http.MethodHead {
		_, _ = w.Write(blob.Data)
	}
}
