package kiosk

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/kiosk/internal/catalog"
	"github.com/MarcoPoloResearchLab/kiosk/internal/database"
	"github.com/MarcoPoloResearchLab/kiosk/internal/storage"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var defaultAdmin = catalog.AdminUser{
	Record: catalog.Record{ID: "admin-default"},
	Name:   "Admin",
	PIN:    "1234",
	Role:   catalog.RoleAdmin,
}

func newTestApp(t *testing.T, databasePath string, options ...func(*Config)) *App {
	t.Helper()
	db, err := database.OpenSQLite(databasePath, zap.NewNop())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	cfg := Config{
		Database:     db,
		Debounce:     20 * time.Millisecond,
		PollInterval: 50 * time.Millisecond,
		WatchSettle:  20 * time.Millisecond,
		DefaultAdmin: defaultAdmin,
	}
	for _, option := range options {
		option(&cfg)
	}
	app, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(app.Close)
	require.NoError(t, app.Start(context.Background()))
	return app
}

func databaseContains(folder, needle string) func() bool {
	return func() bool {
		data, err := os.ReadFile(filepath.Join(folder, storage.DatabaseFileName))
		return err == nil && strings.Contains(string(data), needle)
	}
}

func TestNewRequiresDatabase(t *testing.T) {
	_, err := New(Config{})
	require.ErrorIs(t, err, errMissingDatabase)
}

func TestDevicesShareCatalogueThroughLocalFolder(t *testing.T) {
	ctx := context.Background()
	shared := t.TempDir()

	admin := newTestApp(t, filepath.Join(t.TempDir(), "admin.db"))
	connected, err := admin.ConnectStorage(ctx, ConnectRequest{Kind: storage.KindLocal, Path: shared}, catalog.RoleAdmin)
	require.NoError(t, err)
	require.True(t, connected)

	_, err = admin.Catalog.Brands.Add(ctx, catalog.Brand{Name: "Acme"})
	require.NoError(t, err)
	require.Eventually(t, databaseContains(shared, "Acme"), 2*time.Second, 10*time.Millisecond)

	viewer := newTestApp(t, filepath.Join(t.TempDir(), "viewer.db"))
	connected, err = viewer.ConnectStorage(ctx, ConnectRequest{Kind: storage.KindLocal, Path: shared}, catalog.RoleViewer)
	require.NoError(t, err)
	require.True(t, connected)

	brands := viewer.Catalog.Brands.List()
	require.Len(t, brands, 1)
	require.Equal(t, "Acme", brands[0].Name)

	session := viewer.Session()
	require.Equal(t, storage.KindLocal, session.Provider)
	require.True(t, session.Connected)
	require.NotNil(t, session.LocalVolume)
	require.False(t, session.LocalVolume.Writable)

	_, err = admin.Catalog.Brands.Add(ctx, catalog.Brand{Name: "Globex"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(viewer.Catalog.Brands.List()) == 2
	}, 3*time.Second, 10*time.Millisecond)
}

func TestStartReconnectsPersistedLocalFolder(t *testing.T) {
	ctx := context.Background()
	shared := t.TempDir()
	databasePath := filepath.Join(t.TempDir(), "device.db")

	first := newTestApp(t, databasePath)
	connected, err := first.ConnectStorage(ctx, ConnectRequest{Kind: storage.KindLocal, Path: shared}, catalog.RoleSuperAdmin)
	require.NoError(t, err)
	require.True(t, connected)
	require.NoError(t, first.CompleteSetup(ctx))
	first.Close()

	second := newTestApp(t, databasePath)
	session := second.Session()
	require.True(t, session.SetupComplete)
	require.Equal(t, storage.KindLocal, session.Provider)
	require.True(t, session.Connected)
	require.True(t, session.LocalVolume.Writable)
}

func TestStartIgnoresVanishedFolder(t *testing.T) {
	ctx := context.Background()
	shared := filepath.Join(t.TempDir(), "usb")
	require.NoError(t, os.Mkdir(shared, 0o755))
	databasePath := filepath.Join(t.TempDir(), "device.db")

	first := newTestApp(t, databasePath)
	_, err := first.ConnectStorage(ctx, ConnectRequest{Kind: storage.KindLocal, Path: shared}, catalog.RoleAdmin)
	require.NoError(t, err)
	first.Close()
	require.NoError(t, os.Remove(shared))

	second := newTestApp(t, databasePath)
	require.False(t, second.Session().Connected)
}

func TestLoginUpgradesReadOnlyFolder(t *testing.T) {
	ctx := context.Background()
	shared := t.TempDir()
	app := newTestApp(t, filepath.Join(t.TempDir(), "kiosk.db"))

	_, err := app.ConnectStorage(ctx, ConnectRequest{Kind: storage.KindLocal, Path: shared}, catalog.RoleViewer)
	require.NoError(t, err)
	local := app.Storage.Active().(*storage.LocalProvider)
	require.False(t, local.Writable())

	_, err = app.Login(ctx, "admin", "0000")
	require.Error(t, err)

	admin, err := app.Login(ctx, "admin", "1234")
	require.NoError(t, err)
	require.Equal(t, defaultAdmin.ID, admin.ID)

	upgraded := app.Storage.Active().(*storage.LocalProvider)
	require.True(t, upgraded.Writable())
	require.Equal(t, "Admin", app.Session().Admin.Name)

	app.Logout()
	require.Nil(t, app.Session().Admin)
}

func TestDefaultAdminStandsInOnlyWhileNoAdminsExist(t *testing.T) {
	ctx := context.Background()
	app := newTestApp(t, filepath.Join(t.TempDir(), "kiosk.db"))
	require.Equal(t, []catalog.AdminUser{defaultAdmin}, app.ActiveAdmins())

	_, err := app.Catalog.AdminUsers.Add(ctx, catalog.AdminUser{Name: "Owner", PIN: "9999", Role: catalog.RoleSuperAdmin})
	require.NoError(t, err)

	_, err = app.Login(ctx, "Admin", "1234")
	require.Error(t, err)
	_, err = app.Login(ctx, "owner", "9999")
	require.NoError(t, err)
}

func TestRestoreStampsSnapshotAsNewest(t *testing.T) {
	ctx := context.Background()
	app := newTestApp(t, filepath.Join(t.TempDir(), "kiosk.db"))
	_, err := app.Catalog.Brands.Add(ctx, catalog.Brand{Name: "Before"})
	require.NoError(t, err)
	before := app.Catalog.LastUpdated()

	backup := map[string]any{
		"brands":   []map[string]any{{"id": "b1", "name": "Restored"}},
		"products": []any{},
		"settings": map[string]any{"companyName": "Restored Co", "lastUpdated": 5},
		"orders":   "not-a-list",
	}
	data, err := json.Marshal(backup)
	require.NoError(t, err)

	fallbacks, err := app.Restore(ctx, data)
	require.NoError(t, err)
	require.Contains(t, fallbacks, catalog.KeyOrders)

	require.Greater(t, app.Catalog.LastUpdated(), before)
	brands := app.Catalog.Brands.List()
	require.Len(t, brands, 1)
	require.Equal(t, "Restored", brands[0].Name)
	require.Equal(t, "Restored Co", app.Catalog.Settings().CompanyName)

	encoded, err := app.Backup()
	require.NoError(t, err)
	require.Contains(t, string(encoded), "Restored Co")
}

func TestRestoreRejectsMalformedBackup(t *testing.T) {
	app := newTestApp(t, filepath.Join(t.TempDir(), "kiosk.db"))
	_, err := app.Restore(context.Background(), []byte(`[1, 2, 3]`))
	require.ErrorIs(t, err, catalog.ErrMalformedSnapshot)
}

func TestEventsReportChangesAndDisconnects(t *testing.T) {
	ctx := context.Background()
	app := newTestApp(t, filepath.Join(t.TempDir(), "kiosk.db"))

	var mu sync.Mutex
	var events []Event
	app.OnEvent(func(event Event) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	})
	seen := func(eventType string) bool {
		mu.Lock()
		defer mu.Unlock()
		for _, event := range events {
			if event.Type == eventType {
				return true
			}
		}
		return false
	}

	_, err := app.ConnectStorage(ctx, ConnectRequest{Kind: storage.KindLocal, Path: t.TempDir()}, catalog.RoleAdmin)
	require.NoError(t, err)
	_, err = app.Catalog.Brands.Add(ctx, catalog.Brand{Name: "Acme"})
	require.NoError(t, err)
	app.DisconnectStorage(ctx)

	require.True(t, seen(EventStorageConnected))
	require.True(t, seen(EventDataChanged))
	require.True(t, seen(EventStorageDisconnected))
	require.Eventually(t, func() bool { return seen(EventSyncStatus) }, time.Second, 5*time.Millisecond)
	require.Equal(t, storage.KindNone, app.Session().Provider)
}

type snapshotRemote struct {
	mu       sync.Mutex
	document []byte
	posts    int
}

func newSnapshotRemote(t *testing.T, snapshot catalog.BackupData) (*snapshotRemote, string) {
	t.Helper()
	document, err := catalog.EncodeSnapshot(snapshot)
	require.NoError(t, err)
	remote := &snapshotRemote{document: document}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		remote.mu.Lock()
		defer remote.mu.Unlock()
		switch r.Method {
		case http.MethodGet:
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(remote.document)
		case http.MethodPost:
			body, _ := io.ReadAll(r.Body)
			remote.document = body
			remote.posts++
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(server.Close)
	return remote, server.URL + "/kiosk-data"
}

func (r *snapshotRemote) snapshot(t *testing.T) (catalog.BackupData, int) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot, err := catalog.DecodeSnapshot(r.document)
	require.NoError(t, err)
	return snapshot, r.posts
}

func TestConnectAdoptsOlderRemoteCatalogueOnFreshDevice(t *testing.T) {
	ctx := context.Background()
	shared := catalog.BackupData{
		Brands:   []catalog.Brand{{Record: catalog.Record{ID: "brand-1"}, Name: "Acme"}},
		Settings: catalog.DefaultSettings(),
	}
	shared.Settings.LastUpdated = time.Now().Add(-time.Hour).UnixMilli()
	remote, endpoint := newSnapshotRemote(t, shared)
	databasePath := filepath.Join(t.TempDir(), "device.db")

	app := newTestApp(t, databasePath)
	connected, err := app.ConnectStorage(ctx, ConnectRequest{Kind: storage.KindCustomAPI, Endpoint: endpoint, APIKey: "k"}, catalog.RoleAdmin)
	require.NoError(t, err)
	require.True(t, connected)

	brands := app.Catalog.Brands.List()
	require.Len(t, brands, 1)
	require.Equal(t, "Acme", brands[0].Name)
	require.Equal(t, shared.Settings.LastUpdated, app.Catalog.LastUpdated())
	require.False(t, app.Sync.Status().Dirty)

	time.Sleep(150 * time.Millisecond)
	_, posts := remote.snapshot(t)
	require.Zero(t, posts)

	_, err = app.Catalog.Clients.Add(ctx, catalog.Client{Name: "Walk-in"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, posts := remote.snapshot(t)
		return posts > 0
	}, 2*time.Second, 10*time.Millisecond)
	pushed, _ := remote.snapshot(t)
	require.Len(t, pushed.Brands, 1)
	require.Len(t, pushed.Clients, 1)

	require.NoError(t, app.Store.Flush(ctx))
	app.Close()
	restarted := newTestApp(t, databasePath)
	session := restarted.Session()
	require.Equal(t, storage.KindCustomAPI, session.Provider)
	require.True(t, session.Connected)
}

func TestEditsBeforeSwitchingFolderReachNewFolder(t *testing.T) {
	ctx := context.Background()
	first := t.TempDir()
	second := t.TempDir()
	app := newTestApp(t, filepath.Join(t.TempDir(), "kiosk.db"), func(cfg *Config) {
		cfg.Debounce = 5 * time.Second
	})

	_, err := app.ConnectStorage(ctx, ConnectRequest{Kind: storage.KindLocal, Path: first}, catalog.RoleAdmin)
	require.NoError(t, err)
	_, err = app.Catalog.Brands.Add(ctx, catalog.Brand{Name: "Unpushed"})
	require.NoError(t, err)
	connected, err := app.ConnectStorage(ctx, ConnectRequest{Kind: storage.KindLocal, Path: second}, catalog.RoleAdmin)
	require.NoError(t, err)
	require.True(t, connected)

	require.Eventually(t, databaseContains(second, "Unpushed"), 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return !app.Sync.Status().Dirty
	}, time.Second, 10*time.Millisecond)
}
