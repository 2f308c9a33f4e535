package storage

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/kiosk/internal/catalog"
	"go.uber.org/zap"
)

// Disconnect reasons reported to listeners.
const (
	DisconnectRequested  = "requested"
	DisconnectReplaced   = "replaced"
	DisconnectPermission = "permission_revoked"
)

// ConnectRequest selects and configures the active provider.
type ConnectRequest struct {
	Kind Kind
	// Role of the operator; elevated roles get read-write directory access.
	Role     string
	Picker   DirectoryPicker
	Endpoint string
	APIKey   string
}

// DisconnectEvent tells listeners that a provider stopped being active.
type DisconnectEvent struct {
	Kind   Kind
	Reason string
	Err    error
}

// RouterConfig describes the shared dependencies handed to every provider.
type RouterConfig struct {
	HTTPClient *http.Client
	Objects    ObjectStore
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Router owns the single active provider and forwards the provider contract
// to it. Everything above storage talks to the Router only.
type Router struct {
	cfg    RouterConfig
	logger *zap.Logger

	mu     sync.RWMutex
	active Provider

	listenersMu sync.RWMutex
	listeners   []func(DisconnectEvent)
}

// NewRouter constructs a Router with no provider connected.
func NewRouter(cfg RouterConfig) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Logger = logger
	return &Router{cfg: cfg, logger: logger, active: NoneProvider{}}
}

// OnDisconnect registers a listener run whenever the active provider goes away.
func (r *Router) OnDisconnect(listener func(DisconnectEvent)) {
	if listener == nil {
		return
	}
	r.listenersMu.Lock()
	r.listeners = append(r.listeners, listener)
	r.listenersMu.Unlock()
}

// Active returns the active provider.
func (r *Router) Active() Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

func (r *Router) Kind() Kind {
	return r.Active().Kind()
}

func (r *Router) Connected() bool {
	return r.Active().Connected()
}

// LocalRoot returns the OS folder of a connected local provider.
func (r *Router) LocalRoot() (string, bool) {
	local, ok := r.Active().(*LocalProvider)
	if !ok {
		return "", false
	}
	return local.Root()
}

// Connect activates the requested provider. It reports false without error
// when the operator dismissed the directory picker; the previous provider
// then stays active.
func (r *Router) Connect(ctx context.Context, request ConnectRequest) (bool, error) {
	switch request.Kind {
	case KindNone:
		r.Disconnect()
		return false, nil
	case KindLocal:
		var local *LocalProvider
		local = NewLocalProvider(LocalConfig{
			Clock:     r.cfg.Clock,
			Logger:    r.logger,
			OnRevoked: func(err error) { r.handleRevoked(local, err) },
		})
		if err := local.Connect(ctx, request.Picker, request.Role); err != nil {
			return false, err
		}
		if !local.Connected() {
			return false, nil
		}
		r.swap(local, DisconnectReplaced)
		return true, nil
	case KindSharedURL, KindCustomAPI:
		remoteCfg := RemoteConfig{
			Endpoint:   request.Endpoint,
			APIKey:     request.APIKey,
			HTTPClient: r.cfg.HTTPClient,
			Objects:    r.cfg.Objects,
			Clock:      r.cfg.Clock,
			Logger:     r.logger,
		}
		var remote *RemoteProvider
		var err error
		if request.Kind == KindSharedURL {
			remote, err = NewSharedURLProvider(remoteCfg)
		} else {
			remote, err = NewCustomAPIProvider(remoteCfg)
		}
		if err != nil {
			return false, err
		}
		if err := remote.Connect(ctx); err != nil {
			return false, err
		}
		r.swap(remote, DisconnectReplaced)
		return true, nil
	default:
		return false, newProviderError(request.Kind, "connect", "unknown_kind", request.Kind.Validate())
	}
}

// Disconnect deactivates the current provider.
func (r *Router) Disconnect() {
	r.swap(NoneProvider{}, DisconnectRequested)
}

func (r *Router) swap(next Provider, reason string) {
	r.mu.Lock()
	previous := r.active
	r.active = next
	r.mu.Unlock()

	if previous == nil || !previous.Connected() {
		return
	}
	previous.Disconnect()
	r.logger.Info("storage provider disconnected",
		zap.String("kind", previous.Kind().String()),
		zap.String("reason", reason))
	r.notify(DisconnectEvent{Kind: previous.Kind(), Reason: reason})
}

func (r *Router) handleRevoked(provider Provider, err error) {
	r.mu.Lock()
	if r.active != provider {
		r.mu.Unlock()
		return
	}
	r.active = NoneProvider{}
	r.mu.Unlock()
	r.notify(DisconnectEvent{Kind: provider.Kind(), Reason: DisconnectPermission, Err: err})
}

func (r *Router) notify(event DisconnectEvent) {
	r.listenersMu.RLock()
	listeners := slices.Clone(r.listeners)
	r.listenersMu.RUnlock()
	for _, listener := range listeners {
		listener(event)
	}
}

func (r *Router) Push(ctx context.Context, snapshot catalog.BackupData) error {
	return r.Active().Push(ctx, snapshot)
}

func (r *Router) Pull(ctx context.Context) (catalog.BackupData, error) {
	return r.Active().Pull(ctx)
}

func (r *Router) SaveAsset(ctx context.Context, upload Upload, segments ...string) (string, error) {
	return r.Active().SaveAsset(ctx, upload, segments...)
}

func (r *Router) DeleteAsset(ctx context.Context, ref string) error {
	return r.Active().DeleteAsset(ctx, ref)
}

func (r *Router) DeleteAssetDirectory(ctx context.Context, segments ...string) error {
	return r.Active().DeleteAssetDirectory(ctx, segments...)
}

func (r *Router) OpenAsset(ctx context.Context, ref string) (Asset, error) {
	active := r.Active()
	reader, ok := active.(AssetReader)
	if !ok {
		return Asset{}, newProviderError(active.Kind(), "open_asset", "not_local", ErrNotLocal)
	}
	return reader.OpenAsset(ctx, ref)
}

func (r *Router) StatAsset(ctx context.Context, ref string) (time.Time, error) {
	active := r.Active()
	reader, ok := active.(AssetReader)
	if !ok {
		return time.Time{}, newProviderError(active.Kind(), "stat_asset", "not_local", ErrNotLocal)
	}
	return reader.StatAsset(ctx, ref)
}
