package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const (
	opManagerNew      = "catalog.manager.new"
	opManagerLoad     = "catalog.load"
	opUpdateSettings  = "catalog.update_settings"
	opImport          = "catalog.import"
	opEmptyTrash      = "catalog.empty_trash"
	opReplaceSnapshot = "catalog.replace_snapshot"
)

var (
	errMissingStore      = errors.New("state store is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// Store is the durable key/value backing of the manager.
type Store interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Enqueue(key string, value any)
}

// ChangeNotifier is told once per committed local mutation.
type ChangeNotifier interface {
	MarkDirty()
}

// AssetRemover deletes assets that are no longer referenced.
type AssetRemover interface {
	DeleteAsset(ctx context.Context, ref string) error
	DeleteAssetDirectory(ctx context.Context, segments ...string) error
}

// Change describes a committed state transition for observers.
type Change struct {
	Operation string
	Remote    bool
}

// ManagerConfig describes the dependencies of a Manager.
type ManagerConfig struct {
	Store      Store
	IDProvider IDProvider
	Clock      func() time.Time
	Notifier   ChangeNotifier
	Assets     AssetRemover
	Logger     *zap.Logger
}

// Manager owns the in-memory catalogue state and is the single choke point
// through which every mutation is timestamped, persisted and announced.
type Manager struct {
	mu        sync.RWMutex
	state     BackupData
	store     Store
	ids       IDProvider
	clock     func() time.Time
	validate  *validator.Validate
	logger    *zap.Logger
	hooksMu   sync.RWMutex
	notifier  ChangeNotifier
	assets    AssetRemover
	observers []func(Change)

	Brands         *Collection[Brand, *Brand]
	Products       *Collection[Product, *Product]
	Catalogues     *Collection[Catalogue, *Catalogue]
	Pamphlets      *Collection[Pamphlet, *Pamphlet]
	ScreensaverAds *Collection[ScreensaverAd, *ScreensaverAd]
	AdminUsers     *Collection[AdminUser, *AdminUser]
	TvContent      *Collection[TvContent, *TvContent]
	Categories     *Collection[Category, *Category]
	Clients        *Collection[Client, *Client]
	Orders         *Collection[Order, *Order]
	KioskUsers     *Collection[KioskUser, *KioskUser]
}

// NewManager constructs a Manager holding an empty catalogue. Call Load to
// rehydrate persisted state.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, newOperationError(opManagerNew, "missing_store", errMissingStore)
	}
	if cfg.IDProvider == nil {
		return nil, newOperationError(opManagerNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	manager := &Manager{
		store:    cfg.Store,
		ids:      cfg.IDProvider,
		clock:    clock,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
		notifier: cfg.Notifier,
		assets:   cfg.Assets,
	}
	manager.state = BackupData{Settings: DefaultSettings()}
	manager.state.Normalize()
	manager.registerCollections()
	return manager, nil
}

func (m *Manager) registerCollections() {
	m.Brands = &Collection[Brand, *Brand]{
		manager: m, name: KeyBrands, prefix: "brand",
		items:          func(d *BackupData) *[]Brand { return &d.Brands },
		assetDirs:      func(_ BackupData, b Brand) [][]string { return [][]string{BrandAssetDir(b)} },
		restoreCascade: restoreBrandProducts,
		purgeCascade:   purgeBrandDependents,
	}
	m.Products = &Collection[Product, *Product]{
		manager: m, name: KeyProducts, prefix: "product",
		items: func(d *BackupData) *[]Product { return &d.Products },
		assetDirs: func(d BackupData, p Product) [][]string {
			return [][]string{ProductAssetDir(d.brandNameAny(p.BrandID), p)}
		},
	}
	m.Catalogues = &Collection[Catalogue, *Catalogue]{
		manager: m, name: KeyCatalogues, prefix: "catalogue",
		items: func(d *BackupData) *[]Catalogue { return &d.Catalogues },
	}
	m.Pamphlets = &Collection[Pamphlet, *Pamphlet]{
		manager: m, name: KeyPamphlets, prefix: "pamphlet",
		items: func(d *BackupData) *[]Pamphlet { return &d.Pamphlets },
	}
	m.ScreensaverAds = &Collection[ScreensaverAd, *ScreensaverAd]{
		manager: m, name: KeyScreensaverAds, prefix: "ad",
		items: func(d *BackupData) *[]ScreensaverAd { return &d.ScreensaverAds },
	}
	m.AdminUsers = &Collection[AdminUser, *AdminUser]{
		manager: m, name: KeyAdminUsers, prefix: "admin",
		items: func(d *BackupData) *[]AdminUser { return &d.AdminUsers },
	}
	m.TvContent = &Collection[TvContent, *TvContent]{
		manager: m, name: KeyTvContent, prefix: "tv",
		items: func(d *BackupData) *[]TvContent { return &d.TvContent },
	}
	m.Categories = &Collection[Category, *Category]{
		manager: m, name: KeyCategories, prefix: "category",
		items: func(d *BackupData) *[]Category { return &d.Categories },
	}
	m.Clients = &Collection[Client, *Client]{
		manager: m, name: KeyClients, prefix: "client",
		items: func(d *BackupData) *[]Client { return &d.Clients },
	}
	m.Orders = &Collection[Order, *Order]{
		manager: m, name: KeyOrders, prefix: "order",
		items: func(d *BackupData) *[]Order { return &d.Orders },
	}
	m.KioskUsers = &Collection[KioskUser, *KioskUser]{
		manager: m, name: KeyKioskUsers, prefix: "kiosk-user",
		items: func(d *BackupData) *[]KioskUser { return &d.KioskUsers },
	}
}

// SetNotifier installs the sync trigger invoked after each local mutation.
func (m *Manager) SetNotifier(notifier ChangeNotifier) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.notifier = notifier
}

// SetAssetRemover installs the asset cleanup target.
func (m *Manager) SetAssetRemover(assets AssetRemover) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.assets = assets
}

// Observe registers a callback run after every committed or replaced state.
func (m *Manager) Observe(observer func(Change)) {
	if observer == nil {
		return
	}
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.observers = append(m.observers, observer)
}

// Load rehydrates every snapshot key from the store. Missing keys keep their
// defaults; stored settings are merged onto the shipped defaults.
func (m *Manager) Load(ctx context.Context) error {
	loaded := BackupData{}
	targets := map[string]any{
		KeyBrands:         &loaded.Brands,
		KeyProducts:       &loaded.Products,
		KeyCatalogues:     &loaded.Catalogues,
		KeyPamphlets:      &loaded.Pamphlets,
		KeyScreensaverAds: &loaded.ScreensaverAds,
		KeyAdminUsers:     &loaded.AdminUsers,
		KeyTvContent:      &loaded.TvContent,
		KeyCategories:     &loaded.Categories,
		KeyClients:        &loaded.Clients,
		KeyOrders:         &loaded.Orders,
		KeyKioskUsers:     &loaded.KioskUsers,
		KeyViewCounts:     &loaded.ViewCounts,
	}
	for key, target := range targets {
		if _, err := m.store.Get(ctx, key, target); err != nil {
			m.logError(opManagerLoad, "store_get_failed", err, zap.String("key", key))
			return newOperationError(opManagerLoad, "store_get_failed", err)
		}
	}

	var rawSettings json.RawMessage
	if _, err := m.store.Get(ctx, KeySettings, &rawSettings); err != nil {
		m.logError(opManagerLoad, "store_get_failed", err, zap.String("key", KeySettings))
		return newOperationError(opManagerLoad, "store_get_failed", err)
	}
	settings, err := MergeSettings(rawSettings)
	if err != nil {
		m.logger.Warn("stored settings unreadable, using defaults", zap.Error(err))
	}
	loaded.Settings = settings
	loaded.Normalize()

	m.mu.Lock()
	m.state = loaded
	m.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the current state.
func (m *Manager) Snapshot() BackupData {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneSnapshot(m.state)
}

// LastUpdated returns settings.lastUpdated of the local state.
func (m *Manager) LastUpdated() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Settings.LastUpdated
}

// Settings returns the current settings object.
func (m *Manager) Settings() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	settings := m.state.Settings
	settings.Navigation = slices.Clone(settings.Navigation)
	return settings
}

// UpdateSettings replaces the settings object. The stored lastUpdated is
// always regenerated.
func (m *Manager) UpdateSettings(ctx context.Context, settings Settings) error {
	return m.commit(ctx, opUpdateSettings, func(state *BackupData) (mutation, error) {
		previous := state.Settings
		settings.Navigation = slices.Clone(settings.Navigation)
		state.Settings = settings
		return mutation{
			keys:    []string{KeySettings},
			cleanup: cleanup{refs: removedRefs(previous.AssetRefs(), settings.AssetRefs())},
		}, nil
	})
}

// RecordView increments a brand or product view counter. Counters are
// persisted locally and ride along with the next pushed snapshot; they do
// not bump lastUpdated or trigger a sync on their own.
func (m *Manager) RecordView(kind, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrEntityNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch kind {
	case "brand", KeyBrands:
		m.state.ViewCounts.Brands[id]++
	case "product", KeyProducts:
		m.state.ViewCounts.Products[id]++
	default:
		return ErrInvalidEntity
	}
	m.store.Enqueue(KeyViewCounts, cloneViewCounts(m.state.ViewCounts))
	return nil
}

// ImportBatch carries rows produced by a bulk import. Rows without an id are
// created; rows whose id exists replace the stored record.
type ImportBatch struct {
	Brands     []Brand
	Products   []Product
	Catalogues []Catalogue
	Pamphlets  []Pamphlet
	Categories []Category
	Clients    []Client
}

// ImportResult counts the rows that were created and replaced.
type ImportResult struct {
	Created  int
	Replaced int
}

// Import upserts every row of the batch as one logical operation: one
// timestamp bump and one sync trigger regardless of row count. Rows are
// validated before any of them is applied.
func (m *Manager) Import(ctx context.Context, batch ImportBatch) (ImportResult, error) {
	var err error
	if batch.Brands, err = prepareAll(m.Brands, batch.Brands); err != nil {
		return ImportResult{}, err
	}
	if batch.Products, err = prepareAll(m.Products, batch.Products); err != nil {
		return ImportResult{}, err
	}
	if batch.Catalogues, err = prepareAll(m.Catalogues, batch.Catalogues); err != nil {
		return ImportResult{}, err
	}
	if batch.Pamphlets, err = prepareAll(m.Pamphlets, batch.Pamphlets); err != nil {
		return ImportResult{}, err
	}
	if batch.Categories, err = prepareAll(m.Categories, batch.Categories); err != nil {
		return ImportResult{}, err
	}
	if batch.Clients, err = prepareAll(m.Clients, batch.Clients); err != nil {
		return ImportResult{}, err
	}

	var result ImportResult
	err = m.commit(ctx, opImport, func(state *BackupData) (mutation, error) {
		var combined mutation
		collect := func(key string, outcome upsertOutcome) {
			if outcome.created+outcome.replaced == 0 {
				return
			}
			combined.keys = append(combined.keys, key)
			combined.cleanup.refs = append(combined.cleanup.refs, outcome.removed...)
			result.Created += outcome.created
			result.Replaced += outcome.replaced
		}
		collect(KeyBrands, upsertAll(m.Brands, state, batch.Brands))
		collect(KeyProducts, upsertAll(m.Products, state, batch.Products))
		collect(KeyCatalogues, upsertAll(m.Catalogues, state, batch.Catalogues))
		collect(KeyPamphlets, upsertAll(m.Pamphlets, state, batch.Pamphlets))
		collect(KeyCategories, upsertAll(m.Categories, state, batch.Categories))
		collect(KeyClients, upsertAll(m.Clients, state, batch.Clients))
		return combined, nil
	})
	if err != nil {
		return ImportResult{}, err
	}
	return result, nil
}

// TrashSummary lists every soft-deleted record by collection.
type TrashSummary struct {
	Brands         []Brand         `json:"brands"`
	Products       []Product       `json:"products"`
	Catalogues     []Catalogue     `json:"catalogues"`
	Pamphlets      []Pamphlet      `json:"pamphlets"`
	ScreensaverAds []ScreensaverAd `json:"screensaverAds"`
	TvContent      []TvContent     `json:"tvContent"`
	KioskUsers     []KioskUser     `json:"kioskUsers"`
	Clients        []Client        `json:"clients"`
}

// Trash returns the soft-deleted records of every trashable collection.
func (m *Manager) Trash() TrashSummary {
	return TrashSummary{
		Brands:         m.Brands.Trash(),
		Products:       m.Products.Trash(),
		Catalogues:     m.Catalogues.Trash(),
		Pamphlets:      m.Pamphlets.Trash(),
		ScreensaverAds: m.ScreensaverAds.Trash(),
		TvContent:      m.TvContent.Trash(),
		KioskUsers:     m.KioskUsers.Trash(),
		Clients:        m.Clients.Trash(),
	}
}

// EmptyTrash permanently deletes every soft-deleted record as one operation.
func (m *Manager) EmptyTrash(ctx context.Context) (int, error) {
	purged := 0
	err := m.commit(ctx, opEmptyTrash, func(state *BackupData) (mutation, error) {
		var combined mutation
		collect := func(count int, result mutation) {
			purged += count
			combined.keys = append(combined.keys, result.keys...)
			combined.cleanup.refs = append(combined.cleanup.refs, result.cleanup.refs...)
			combined.cleanup.dirs = append(combined.cleanup.dirs, result.cleanup.dirs...)
		}
		collect(purgeDeleted(m.Brands, state))
		collect(purgeDeleted(m.Products, state))
		collect(purgeDeleted(m.Catalogues, state))
		collect(purgeDeleted(m.Pamphlets, state))
		collect(purgeDeleted(m.ScreensaverAds, state))
		collect(purgeDeleted(m.TvContent, state))
		collect(purgeDeleted(m.KioskUsers, state))
		collect(purgeDeleted(m.Clients, state))
		return combined, nil
	})
	return purged, err
}

// ReplaceSnapshot swaps the whole local state for an inbound snapshot. It
// persists every key but never triggers a sync: the data came from storage.
func (m *Manager) ReplaceSnapshot(_ context.Context, snapshot BackupData) error {
	snapshot = cloneSnapshot(snapshot)
	snapshot.Normalize()

	m.mu.Lock()
	m.replaceLocked(snapshot)
	m.mu.Unlock()

	m.announceReplaced(snapshot)
	return nil
}

// ReplaceSnapshotIfNewer swaps in the inbound snapshot only when its
// settings.lastUpdated is strictly greater than the local value. The check
// and the swap happen under one lock, so a local edit committed meanwhile is
// never overwritten by older data.
func (m *Manager) ReplaceSnapshotIfNewer(_ context.Context, snapshot BackupData) bool {
	snapshot = cloneSnapshot(snapshot)
	snapshot.Normalize()

	m.mu.Lock()
	if snapshot.Settings.LastUpdated <= m.state.Settings.LastUpdated {
		m.mu.Unlock()
		return false
	}
	m.replaceLocked(snapshot)
	m.mu.Unlock()

	m.announceReplaced(snapshot)
	return true
}

func (m *Manager) replaceLocked(snapshot BackupData) {
	m.state = snapshot
	for _, key := range SnapshotKeys {
		m.store.Enqueue(key, m.fieldValueLocked(key))
	}
}

func (m *Manager) announceReplaced(snapshot BackupData) {
	m.logger.Debug("snapshot replaced",
		zap.String("operation", opReplaceSnapshot),
		zap.Int64("last_updated", snapshot.Settings.LastUpdated))
	m.emit(Change{Operation: opReplaceSnapshot, Remote: true})
}

type cleanup struct {
	refs []string
	dirs [][]string
}

type mutation struct {
	keys    []string
	cleanup cleanup
}

// commit applies a mutation under the state lock, bumps lastUpdated, queues
// persistence of the touched keys, runs best-effort asset cleanup and marks
// the state dirty exactly once.
func (m *Manager) commit(ctx context.Context, operation string, apply func(state *BackupData) (mutation, error)) error {
	m.mu.Lock()
	result, err := apply(&m.state)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.state.Settings.LastUpdated = m.nextTimestampLocked()

	persisted := make(map[string]struct{}, len(result.keys)+1)
	for _, key := range append(result.keys, KeySettings) {
		if _, done := persisted[key]; done {
			continue
		}
		persisted[key] = struct{}{}
		m.store.Enqueue(key, m.fieldValueLocked(key))
	}
	m.mu.Unlock()

	m.cleanupAssets(ctx, operation, result.cleanup)

	m.hooksMu.RLock()
	notifier := m.notifier
	m.hooksMu.RUnlock()
	if notifier != nil {
		notifier.MarkDirty()
	}
	m.emit(Change{Operation: operation})
	return nil
}

func (m *Manager) nextTimestampLocked() int64 {
	now := m.clock().UnixMilli()
	if now <= m.state.Settings.LastUpdated {
		now = m.state.Settings.LastUpdated + 1
	}
	return now
}

func (m *Manager) cleanupAssets(ctx context.Context, operation string, work cleanup) {
	m.hooksMu.RLock()
	assets := m.assets
	m.hooksMu.RUnlock()
	if assets == nil {
		return
	}
	for _, ref := range work.refs {
		if strings.TrimSpace(ref) == "" {
			continue
		}
		if err := assets.DeleteAsset(ctx, ref); err != nil {
			m.logger.Warn("asset cleanup failed",
				zap.String("operation", operation),
				zap.String("ref", ref),
				zap.Error(err))
		}
	}
	for _, segments := range work.dirs {
		if len(segments) == 0 {
			continue
		}
		if err := assets.DeleteAssetDirectory(ctx, segments...); err != nil {
			m.logger.Warn("asset directory cleanup failed",
				zap.String("operation", operation),
				zap.Strings("segments", segments),
				zap.Error(err))
		}
	}
}

func (m *Manager) emit(change Change) {
	m.hooksMu.RLock()
	observers := slices.Clone(m.observers)
	m.hooksMu.RUnlock()
	for _, observer := range observers {
		observer(change)
	}
}

// fieldValueLocked returns a copy of a snapshot field safe to hand to the
// asynchronous store writer.
func (m *Manager) fieldValueLocked(key string) any {
	switch key {
	case KeyBrands:
		return slices.Clone(m.state.Brands)
	case KeyProducts:
		return slices.Clone(m.state.Products)
	case KeyCatalogues:
		return slices.Clone(m.state.Catalogues)
	case KeyPamphlets:
		return slices.Clone(m.state.Pamphlets)
	case KeySettings:
		settings := m.state.Settings
		settings.Navigation = slices.Clone(settings.Navigation)
		return settings
	case KeyScreensaverAds:
		return slices.Clone(m.state.ScreensaverAds)
	case KeyAdminUsers:
		return slices.Clone(m.state.AdminUsers)
	case KeyTvContent:
		return slices.Clone(m.state.TvContent)
	case KeyCategories:
		return slices.Clone(m.state.Categories)
	case KeyClients:
		return slices.Clone(m.state.Clients)
	case KeyOrders:
		return slices.Clone(m.state.Orders)
	case KeyKioskUsers:
		return slices.Clone(m.state.KioskUsers)
	case KeyViewCounts:
		return cloneViewCounts(m.state.ViewCounts)
	default:
		return nil
	}
}

func (m *Manager) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	m.logger.Error("catalog error", attrs...)
}

func cloneSnapshot(source BackupData) BackupData {
	clone := BackupData{
		Brands:         slices.Clone(source.Brands),
		Products:       slices.Clone(source.Products),
		Catalogues:     slices.Clone(source.Catalogues),
		Pamphlets:      slices.Clone(source.Pamphlets),
		Settings:       source.Settings,
		ScreensaverAds: slices.Clone(source.ScreensaverAds),
		AdminUsers:     slices.Clone(source.AdminUsers),
		TvContent:      slices.Clone(source.TvContent),
		Categories:     slices.Clone(source.Categories),
		Clients:        slices.Clone(source.Clients),
		Orders:         slices.Clone(source.Orders),
		KioskUsers:     slices.Clone(source.KioskUsers),
		ViewCounts:     cloneViewCounts(source.ViewCounts),
	}
	clone.Settings.Navigation = slices.Clone(source.Settings.Navigation)
	return clone
}

func cloneViewCounts(source ViewCounts) ViewCounts {
	return ViewCounts{
		Brands:   maps.Clone(source.Brands),
		Products: maps.Clone(source.Products),
	}
}

// removedRefs lists the references present in previous but not in next.
func removedRefs(previous, next []string) []string {
	kept := make(map[string]struct{}, len(next))
	for _, ref := range next {
		kept[ref] = struct{}{}
	}
	var removed []string
	for _, ref := range previous {
		if ref == "" {
			continue
		}
		if _, ok := kept[ref]; !ok {
			removed = append(removed, ref)
		}
	}
	return removed
}
