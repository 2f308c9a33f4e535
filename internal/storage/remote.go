package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/kiosk/internal/catalog"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// APIKeyHeader carries the shared secret of the custom API backend.
	APIKeyHeader = "x-api-key"

	defaultHTTPTimeout   = 30 * time.Second
	maxSnapshotBodyBytes = 64 << 20
)

// RemoteConfig describes an HTTP snapshot backend.
type RemoteConfig struct {
	Endpoint string
	// APIKey is sent as x-api-key when set. Only the custom API kind uses it.
	APIKey     string
	HTTPClient *http.Client
	// Objects stores uploaded assets. Without it assets are inlined as data URIs.
	Objects ObjectStore
	Clock   func() time.Time
	Logger  *zap.Logger
}

// RemoteProvider implements the shared URL and custom API backends. Both
// exchange the full snapshot with GET and POST on one endpoint.
type RemoteProvider struct {
	kind     Kind
	endpoint string
	apiKey   string
	client   *http.Client
	objects  ObjectStore
	clock    func() time.Time
	logger   *zap.Logger

	mu        sync.RWMutex
	connected bool
	pushing   atomic.Bool
	pulls     singleflight.Group
}

// NewSharedURLProvider constructs the unauthenticated shared URL backend. A
// static file URL serves pulls and rejects pushes, which is how read-only
// satellite kiosks are deployed.
func NewSharedURLProvider(cfg RemoteConfig) (*RemoteProvider, error) {
	cfg.APIKey = ""
	return newRemoteProvider(KindSharedURL, cfg)
}

// NewCustomAPIProvider constructs the authenticated custom API backend.
func NewCustomAPIProvider(cfg RemoteConfig) (*RemoteProvider, error) {
	return newRemoteProvider(KindCustomAPI, cfg)
}

func newRemoteProvider(kind Kind, cfg RemoteConfig) (*RemoteProvider, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	parsed, err := url.Parse(endpoint)
	if endpoint == "" || err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, newProviderError(kind, "new", "invalid_endpoint", fmt.Errorf("%w: endpoint %q", ErrInvalidConfiguration, endpoint))
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RemoteProvider{
		kind:     kind,
		endpoint: endpoint,
		apiKey:   strings.TrimSpace(cfg.APIKey),
		client:   client,
		objects:  cfg.Objects,
		clock:    clock,
		logger:   logger,
	}, nil
}

func (p *RemoteProvider) Kind() Kind {
	return p.kind
}

// Endpoint returns the configured snapshot URL.
func (p *RemoteProvider) Endpoint() string {
	return p.endpoint
}

func (p *RemoteProvider) Connected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

// Connect marks the provider active. Reachability is discovered by the
// first pull; a read-only endpoint is only discovered by a rejected push.
func (p *RemoteProvider) Connect(context.Context) error {
	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()
	p.logger.Info("remote storage connected", zap.String("kind", p.kind.String()), zap.String("endpoint", p.endpoint))
	return nil
}

func (p *RemoteProvider) Disconnect() {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
}

// Pull fetches the snapshot with caching disabled. Concurrent pulls share
// one request.
func (p *RemoteProvider) Pull(ctx context.Context) (catalog.BackupData, error) {
	if !p.Connected() {
		return catalog.BackupData{}, newProviderError(p.kind, "pull", "not_connected", ErrNotConnected)
	}
	result, err, _ := p.pulls.Do("pull", func() (any, error) {
		return p.fetch(ctx)
	})
	if err != nil {
		return catalog.BackupData{}, err
	}
	return result.(catalog.BackupData), nil
}

func (p *RemoteProvider) fetch(ctx context.Context) (catalog.BackupData, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint, http.NoBody)
	if err != nil {
		return catalog.BackupData{}, newProviderError(p.kind, "pull", "request_failed", err)
	}
	request.Header.Set("Accept", "application/json")
	request.Header.Set("Cache-Control", "no-cache, no-store")
	request.Header.Set("Pragma", "no-cache")
	p.authorize(request)

	response, err := p.client.Do(request)
	if err != nil {
		return catalog.BackupData{}, newProviderError(p.kind, "pull", "unreachable", fmt.Errorf("%w: %v", ErrUnreachable, err))
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusNotFound {
		return catalog.BackupData{}, newProviderError(p.kind, "pull", "not_found", ErrSnapshotNotFound)
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return catalog.BackupData{}, newProviderError(p.kind, "pull", "unexpected_status",
			fmt.Errorf("%w: status %d", ErrUnreachable, response.StatusCode))
	}
	body, err := io.ReadAll(io.LimitReader(response.Body, maxSnapshotBodyBytes))
	if err != nil {
		return catalog.BackupData{}, newProviderError(p.kind, "pull", "read_failed", fmt.Errorf("%w: %v", ErrUnreachable, err))
	}
	snapshot, err := catalog.DecodeSnapshot(body)
	if err != nil {
		return catalog.BackupData{}, newProviderError(p.kind, "pull", "malformed", err)
	}
	return snapshot, nil
}

// Push posts the full snapshot. A push issued while another one is
// outstanding fails instead of queueing.
func (p *RemoteProvider) Push(ctx context.Context, snapshot catalog.BackupData) error {
	if !p.Connected() {
		return newProviderError(p.kind, "push", "not_connected", ErrNotConnected)
	}
	if !p.pushing.CompareAndSwap(false, true) {
		return newProviderError(p.kind, "push", "in_flight", ErrOperationInProgress)
	}
	defer p.pushing.Store(false)

	snapshot.Normalize()
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return newProviderError(p.kind, "push", "encode_failed", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return newProviderError(p.kind, "push", "request_failed", err)
	}
	request.Header.Set("Content-Type", "application/json")
	p.authorize(request)

	response, err := p.client.Do(request)
	if err != nil {
		return newProviderError(p.kind, "push", "unreachable", fmt.Errorf("%w: %v", ErrUnreachable, err))
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, 1<<16))

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return newProviderError(p.kind, "push", "rejected", fmt.Errorf("%w: status %d", ErrPushRejected, response.StatusCode))
	}
	return nil
}

func (p *RemoteProvider) authorize(request *http.Request) {
	if p.kind == KindCustomAPI && p.apiKey != "" {
		request.Header.Set(APIKeyHeader, p.apiKey)
	}
}

// SaveAsset uploads to the object store when one is configured and returns
// its absolute URL; otherwise the asset is inlined as a data URI.
func (p *RemoteProvider) SaveAsset(ctx context.Context, upload Upload, segments ...string) (string, error) {
	if !p.Connected() {
		return "", newProviderError(p.kind, "save_asset", "not_connected", ErrNotConnected)
	}
	contentType := strings.TrimSpace(upload.ContentType)
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = mimetype.Detect(upload.Data).String()
	}
	if p.objects == nil {
		return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(upload.Data), nil
	}
	key := strings.Join(append(SlugSegments(segments), AssetFileName(p.clock(), upload.Name)), "/")
	ref, err := p.objects.Put(ctx, key, upload.Data, contentType)
	if err != nil {
		return "", newProviderError(p.kind, "save_asset", "upload_failed", fmt.Errorf("%w: %v", ErrAssetIO, err))
	}
	return ref, nil
}

// DeleteAsset removes object store assets. Inline and foreign references
// have nothing to delete.
func (p *RemoteProvider) DeleteAsset(ctx context.Context, ref string) error {
	if p.objects == nil || !p.objects.Owns(ref) {
		return nil
	}
	if err := p.objects.Delete(ctx, ref); err != nil {
		return newProviderError(p.kind, "delete_asset", "delete_failed", fmt.Errorf("%w: %v", ErrAssetIO, err))
	}
	return nil
}

// DeleteAssetDirectory removes every object stored under the slugified prefix.
func (p *RemoteProvider) DeleteAssetDirectory(ctx context.Context, segments ...string) error {
	if p.objects == nil {
		return nil
	}
	prefix := strings.Join(SlugSegments(segments), "/")
	if prefix == "" {
		return newProviderError(p.kind, "delete_directory", "empty_path", ErrAssetIO)
	}
	if err := p.objects.DeletePrefix(ctx, prefix+"/"); err != nil {
		return newProviderError(p.kind, "delete_directory", "delete_failed", fmt.Errorf("%w: %v", ErrAssetIO, err))
	}
	return nil
}
