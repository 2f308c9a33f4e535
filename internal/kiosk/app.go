package kiosk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/kiosk/internal/assets"
	"github.com/MarcoPoloResearchLab/kiosk/internal/auth"
	"github.com/MarcoPoloResearchLab/kiosk/internal/catalog"
	"github.com/MarcoPoloResearchLab/kiosk/internal/metrics"
	"github.com/MarcoPoloResearchLab/kiosk/internal/statestore"
	"github.com/MarcoPoloResearchLab/kiosk/internal/storage"
	"github.com/MarcoPoloResearchLab/kiosk/internal/syncengine"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opAppNew      = "kiosk.new"
	opAppStart    = "kiosk.start"
	opConnect     = "kiosk.connect_storage"
	opRestore     = "kiosk.restore"
	opCompleteSet = "kiosk.complete_setup"
)

// Event types published to UI listeners.
const (
	EventSyncStatus          = "sync-status"
	EventDataChanged         = "data-changed"
	EventStorageConnected    = "storage-connected"
	EventStorageDisconnected = "storage-disconnected"
)

var errMissingDatabase = errors.New("database is required")

// Event is a notification for the kiosk UI and the admin panel.
type Event struct {
	Type      string                   `json:"type"`
	Status    *syncengine.StatusReport `json:"status,omitempty"`
	Operation string                   `json:"operation,omitempty"`
	Remote    bool                     `json:"remote,omitempty"`
	Provider  storage.Kind             `json:"provider,omitempty"`
	Reason    string                   `json:"reason,omitempty"`
	Timestamp int64                    `json:"timestamp"`
}

// LocalVolume is the persisted selection of a local storage folder.
type LocalVolume struct {
	Path     string `json:"path"`
	Writable bool   `json:"writable"`
}

// RemoteEndpoint is the persisted address of a cloud provider. It is device
// state and never part of the catalogue snapshot.
type RemoteEndpoint struct {
	Kind     storage.Kind `json:"kind"`
	Endpoint string       `json:"endpoint"`
	APIKey   string       `json:"apiKey,omitempty"`
}

// Admin identifies the operator signed in on this device.
type Admin struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// Session is device-local state kept outside the catalogue.
type Session struct {
	SetupComplete bool         `json:"setupComplete"`
	Provider      storage.Kind `json:"provider"`
	Connected     bool         `json:"connected"`
	LocalVolume   *LocalVolume `json:"localVolume,omitempty"`
	Admin         *Admin       `json:"admin,omitempty"`
}

// ConnectRequest selects a storage backend from the admin panel.
type ConnectRequest struct {
	Kind     storage.Kind `json:"kind"`
	Path     string       `json:"path"`
	Endpoint string       `json:"endpoint"`
	APIKey   string       `json:"apiKey"`
}

// Config describes the dependencies of an App.
type Config struct {
	Database     *gorm.DB
	Clock        func() time.Time
	Logger       *zap.Logger
	HTTPClient   *http.Client
	Objects      storage.ObjectStore
	Debounce     time.Duration
	PollInterval time.Duration
	WatchSettle  time.Duration
	BlobPrefix   string
	CacheSize    int
	// DefaultAdmin may sign in while the catalogue has no admin users.
	DefaultAdmin catalog.AdminUser
}

// App is the composition root of a kiosk device: it owns the persistent
// store, the catalogue, the storage router, the asset resolver and the sync
// engine, and wires their notifications together.
type App struct {
	Store   *statestore.Store
	Catalog *catalog.Manager
	Storage *storage.Router
	Assets  *assets.Resolver
	Sync    *syncengine.Engine
	Metrics *metrics.Sync

	clock        func() time.Time
	logger       *zap.Logger
	watchSettle  time.Duration
	defaultAdmin catalog.AdminUser

	mu          sync.Mutex
	session     Session
	runCancel   context.CancelFunc
	watchCancel context.CancelFunc

	listenersMu sync.RWMutex
	listeners   []func(Event)
}

// New builds every component without touching storage. Call Start to load
// persisted state and reconnect the last provider.
func New(cfg Config) (*App, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("%s.missing_database: %w", opAppNew, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	store, err := statestore.New(statestore.Config{Database: cfg.Database, Clock: clock, Logger: logger.Named("statestore")})
	if err != nil {
		return nil, err
	}
	router := storage.NewRouter(storage.RouterConfig{
		HTTPClient: cfg.HTTPClient,
		Objects:    cfg.Objects,
		Clock:      clock,
		Logger:     logger.Named("storage"),
	})
	manager, err := catalog.NewManager(catalog.ManagerConfig{
		Store:      store,
		IDProvider: catalog.NewUUIDProvider(),
		Clock:      clock,
		Logger:     logger.Named("catalog"),
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	resolver, err := assets.NewResolver(assets.Config{
		Source:    router,
		Prefix:    cfg.BlobPrefix,
		CacheSize: cfg.CacheSize,
		Logger:    logger.Named("assets"),
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	recorder := metrics.NewSync()
	engine, err := syncengine.New(syncengine.Config{
		Remote:       router,
		State:        manager,
		Debounce:     cfg.Debounce,
		PollInterval: cfg.PollInterval,
		Clock:        clock,
		Logger:       logger.Named("sync"),
		Recorder:     recorder,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	app := &App{
		Store:        store,
		Catalog:      manager,
		Storage:      router,
		Assets:       resolver,
		Sync:         engine,
		Metrics:      recorder,
		clock:        clock,
		logger:       logger,
		watchSettle:  cfg.WatchSettle,
		defaultAdmin: cfg.DefaultAdmin,
		session:      Session{Provider: storage.KindNone},
	}
	app.wire()
	return app, nil
}

func (a *App) wire() {
	a.Catalog.SetNotifier(a.Sync)
	a.Catalog.SetAssetRemover(assetRemover{router: a.Storage, resolver: a.Assets})
	a.Catalog.Observe(func(change catalog.Change) {
		a.publish(Event{Type: EventDataChanged, Operation: change.Operation, Remote: change.Remote})
	})
	a.Sync.OnStatus(a.Metrics.ObserveStatus)
	a.Sync.OnStatus(func(report syncengine.StatusReport) {
		a.publish(Event{Type: EventSyncStatus, Status: &report, Provider: report.Provider})
	})
	a.Storage.OnDisconnect(func(event storage.DisconnectEvent) {
		a.Assets.Clear()
		a.Sync.Reset()
		a.stopWatch()
		fields := []zap.Field{zap.String("kind", event.Kind.String()), zap.String("reason", event.Reason)}
		if event.Err != nil {
			fields = append(fields, zap.Error(event.Err))
		}
		a.logger.Warn("storage disconnected", fields...)
		a.publish(Event{Type: EventStorageDisconnected, Provider: event.Kind, Reason: event.Reason})
	})
}

// OnEvent registers a listener for UI notifications.
func (a *App) OnEvent(listener func(Event)) {
	if listener == nil {
		return
	}
	a.listenersMu.Lock()
	a.listeners = append(a.listeners, listener)
	a.listenersMu.Unlock()
}

func (a *App) publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = a.clock().UnixMilli()
	}
	a.listenersMu.RLock()
	listeners := slices.Clone(a.listeners)
	a.listenersMu.RUnlock()
	for _, listener := range listeners {
		listener(event)
	}
}

// Start loads persisted state, restores the device session, reconnects the
// last provider and starts the background poll. A provider that cannot be
// reconnected is logged and left disconnected.
func (a *App) Start(ctx context.Context) error {
	if err := a.Catalog.Load(ctx); err != nil {
		return err
	}
	setupComplete, err := statestore.LoadOrDefault(ctx, a.Store, catalog.KeySetupComplete, false)
	if err != nil {
		return fmt.Errorf("%s.load_session: %w", opAppStart, err)
	}
	providerName, err := statestore.LoadOrDefault(ctx, a.Store, catalog.KeyStorageProvider, string(storage.KindNone))
	if err != nil {
		return fmt.Errorf("%s.load_session: %w", opAppStart, err)
	}
	volume, err := statestore.LoadOrDefault[*LocalVolume](ctx, a.Store, catalog.KeyLocalVolume, nil)
	if err != nil {
		return fmt.Errorf("%s.load_session: %w", opAppStart, err)
	}
	endpoint, err := statestore.LoadOrDefault[*RemoteEndpoint](ctx, a.Store, catalog.KeyStorageEndpoint, nil)
	if err != nil {
		return fmt.Errorf("%s.load_session: %w", opAppStart, err)
	}

	a.mu.Lock()
	a.session.SetupComplete = setupComplete
	a.session.LocalVolume = volume
	a.mu.Unlock()

	kind, err := storage.ParseKind(providerName)
	if err != nil {
		a.logger.Warn("stored storage provider unknown", zap.String("operation", opAppStart), zap.String("provider", providerName))
		kind = storage.KindNone
	}
	if err := a.reconnect(ctx, kind, volume, endpoint); err != nil {
		a.logger.Warn("storage reconnect failed",
			zap.String("operation", opAppStart),
			zap.String("provider", kind.String()),
			zap.Error(err))
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.mu.Lock()
	a.runCancel = cancel
	a.mu.Unlock()
	go a.Sync.Run(runCtx)
	return nil
}

// reconnect restores the last provider. Cloud endpoints come from device
// state, falling back to the addresses kept in settings.
func (a *App) reconnect(ctx context.Context, kind storage.Kind, volume *LocalVolume, endpoint *RemoteEndpoint) error {
	settings := a.Catalog.Settings()
	if endpoint != nil && endpoint.Kind == kind && kind.IsCloud() {
		_, err := a.connect(ctx, ConnectRequest{Kind: kind, Endpoint: endpoint.Endpoint, APIKey: endpoint.APIKey}, "")
		return err
	}
	switch kind {
	case storage.KindNone:
		return nil
	case storage.KindLocal:
		if volume == nil || strings.TrimSpace(volume.Path) == "" {
			return nil
		}
		role := catalog.RoleViewer
		if volume.Writable {
			role = catalog.RoleAdmin
		}
		_, err := a.connect(ctx, ConnectRequest{Kind: kind, Path: volume.Path}, role)
		return err
	case storage.KindSharedURL:
		_, err := a.connect(ctx, ConnectRequest{Kind: kind, Endpoint: settings.SharedURL}, "")
		return err
	case storage.KindCustomAPI:
		_, err := a.connect(ctx, ConnectRequest{Kind: kind, Endpoint: settings.CustomAPIURL, APIKey: settings.CustomAPIKey}, "")
		return err
	default:
		return kind.Validate()
	}
}

// Close stops background work and drains pending writes.
func (a *App) Close() {
	a.mu.Lock()
	cancel := a.runCancel
	a.runCancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	a.stopWatch()
	a.Sync.Reset()
	a.Store.Close()
}

// Session returns the device session.
func (a *App) Session() Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	session := a.session
	session.Provider = a.Storage.Kind()
	session.Connected = a.Storage.Connected()
	if session.LocalVolume != nil {
		volume := *session.LocalVolume
		session.LocalVolume = &volume
	}
	if session.Admin != nil {
		admin := *session.Admin
		session.Admin = &admin
	}
	return session
}

// ActiveAdmins lists admin accounts that may sign in. The configured default
// admin stands in while none exist.
func (a *App) ActiveAdmins() []catalog.AdminUser {
	admins := a.Catalog.AdminUsers.List()
	if len(admins) == 0 && strings.TrimSpace(a.defaultAdmin.PIN) != "" {
		return []catalog.AdminUser{a.defaultAdmin}
	}
	return admins
}

// Login checks an admin PIN and records the operator on the device. An
// elevated operator upgrades a read-only local connection to read-write.
func (a *App) Login(ctx context.Context, name, pin string) (catalog.AdminUser, error) {
	admin, err := auth.AuthenticatePIN(ctx, a, name, pin)
	if err != nil {
		return catalog.AdminUser{}, err
	}
	a.mu.Lock()
	a.session.Admin = &Admin{ID: admin.ID, Name: admin.Name, Role: admin.Role}
	volume := a.session.LocalVolume
	a.mu.Unlock()

	if catalog.IsElevatedRole(admin.Role) && a.Storage.Kind() == storage.KindLocal && volume != nil && !volume.Writable {
		if _, err := a.connect(ctx, ConnectRequest{Kind: storage.KindLocal, Path: volume.Path}, admin.Role); err != nil {
			a.logger.Warn("local storage upgrade failed", zap.String("operation", opConnect), zap.Error(err))
		}
	}
	return admin, nil
}

// Logout forgets the operator signed in on the device.
func (a *App) Logout() {
	a.mu.Lock()
	a.session.Admin = nil
	a.mu.Unlock()
}

// ConnectStorage activates a provider on behalf of an operator with the
// given role, persists the selection on the device and adopts the remote
// catalogue when it is newer. Connecting never stamps local state. It
// reports false when the operator dismissed the folder selection.
func (a *App) ConnectStorage(ctx context.Context, request ConnectRequest, role string) (bool, error) {
	if err := request.Kind.Validate(); err != nil {
		return false, err
	}
	if request.Kind == storage.KindNone {
		a.DisconnectStorage(ctx)
		return false, nil
	}
	connected, err := a.connect(ctx, request, role)
	if err != nil || !connected {
		return connected, err
	}
	if _, err := a.Sync.Refresh(ctx); err != nil {
		a.logger.Info("initial pull after connect failed", zap.String("operation", opConnect), zap.Error(err))
	}
	return true, nil
}

func (a *App) connect(ctx context.Context, request ConnectRequest, role string) (bool, error) {
	connectRequest := storage.ConnectRequest{
		Kind:     request.Kind,
		Role:     role,
		Endpoint: strings.TrimSpace(request.Endpoint),
		APIKey:   strings.TrimSpace(request.APIKey),
	}
	if request.Kind == storage.KindLocal {
		connectRequest.Picker = storage.FolderPicker{Path: request.Path, Writable: true}
	}
	connected, err := a.Storage.Connect(ctx, connectRequest)
	if err != nil {
		a.logger.Warn("storage connect failed",
			zap.String("operation", opConnect),
			zap.String("provider", request.Kind.String()),
			zap.Error(err))
		return false, err
	}
	if !connected {
		return false, nil
	}

	a.Store.Enqueue(catalog.KeyStorageProvider, string(request.Kind))
	if request.Kind.IsCloud() {
		a.Store.Enqueue(catalog.KeyStorageEndpoint, &RemoteEndpoint{
			Kind:     request.Kind,
			Endpoint: connectRequest.Endpoint,
			APIKey:   connectRequest.APIKey,
		})
	}
	var volume *LocalVolume
	if request.Kind == storage.KindLocal {
		volume = &LocalVolume{Path: strings.TrimSpace(request.Path), Writable: catalog.IsElevatedRole(role)}
		a.Store.Enqueue(catalog.KeyLocalVolume, volume)
	}
	if volume != nil {
		a.mu.Lock()
		a.session.LocalVolume = volume
		a.mu.Unlock()
	}

	if root, ok := a.Storage.LocalRoot(); ok {
		a.startWatch(root)
	}
	a.publish(Event{Type: EventStorageConnected, Provider: request.Kind})
	return true, nil
}

// DisconnectStorage deactivates the current provider and forgets the
// selection.
func (a *App) DisconnectStorage(context.Context) {
	a.Storage.Disconnect()
	a.Store.Enqueue(catalog.KeyStorageProvider, string(storage.KindNone))
}

// CompleteSetup records that the first-run wizard finished.
func (a *App) CompleteSetup(ctx context.Context) error {
	if err := a.Store.Set(ctx, catalog.KeySetupComplete, true); err != nil {
		return fmt.Errorf("%s: %w", opCompleteSet, err)
	}
	a.mu.Lock()
	a.session.SetupComplete = true
	a.mu.Unlock()
	return nil
}

// SaveAsset stores an uploaded file with the active provider.
func (a *App) SaveAsset(ctx context.Context, upload storage.Upload, segments ...string) (string, error) {
	return a.Storage.SaveAsset(ctx, upload, segments...)
}

// Backup encodes the current snapshot for download.
func (a *App) Backup() ([]byte, error) {
	return catalog.EncodeSnapshot(a.Catalog.Snapshot())
}

// Restore replaces local state with an uploaded backup. Unreadable fields
// fall back to their defaults and are reported. The restored snapshot is
// stamped as the newest local state and scheduled for sync.
func (a *App) Restore(ctx context.Context, data []byte) ([]string, error) {
	snapshot, fallbacks, err := catalog.RestoreSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", opRestore, err)
	}
	stamp := a.clock().UnixMilli()
	if current := a.Catalog.LastUpdated(); stamp <= current {
		stamp = current + 1
	}
	snapshot.Settings.LastUpdated = stamp
	if err := a.Catalog.ReplaceSnapshot(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("%s: %w", opRestore, err)
	}
	a.Assets.Clear()
	a.Sync.MarkDirty()
	if len(fallbacks) > 0 {
		a.logger.Warn("backup restored with defaults", zap.String("operation", opRestore), zap.Strings("fields", fallbacks))
	}
	return fallbacks, nil
}

func (a *App) startWatch(root string) {
	a.stopWatch()
	ctx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.watchCancel = cancel
	a.mu.Unlock()
	go func() {
		err := storage.WatchDatabase(ctx, root, a.watchSettle, a.logger.Named("watch"), func() {
			if _, err := a.Sync.AutoPull(ctx); err != nil {
				a.logger.Debug("pull after folder change failed", zap.Error(err))
			}
		})
		if err != nil {
			a.logger.Warn("folder watch stopped", zap.String("root", root), zap.Error(err))
		}
	}()
}

func (a *App) stopWatch() {
	a.mu.Lock()
	cancel := a.watchCancel
	a.watchCancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// assetRemover invalidates transient URLs before deleting the asset.
type assetRemover struct {
	router   *storage.Router
	resolver *assets.Resolver
}

func (r assetRemover) DeleteAsset(ctx context.Context, ref string) error {
	r.resolver.Invalidate(ref)
	return r.router.DeleteAsset(ctx, ref)
}

func (r assetRemover) DeleteAssetDirectory(ctx context.Context, segments ...string) error {
	return r.router.DeleteAssetDirectory(ctx, segments...)
}
