package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/kiosk/internal/auth"
	"github.com/MarcoPoloResearchLab/kiosk/internal/catalog"
	"github.com/MarcoPoloResearchLab/kiosk/internal/database"
	"github.com/MarcoPoloResearchLab/kiosk/internal/kiosk"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type testServer struct {
	app     *kiosk.App
	tokens  *auth.TokenIssuer
	handler http.Handler
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "kiosk.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access database handle: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	app, err := kiosk.New(kiosk.Config{
		Database:     db,
		Debounce:     10 * time.Millisecond,
		PollInterval: time.Hour,
		DefaultAdmin: catalog.AdminUser{
			Record: catalog.Record{ID: "admin-default"},
			Name:   "Admin",
			PIN:    "1234",
			Role:   catalog.RoleAdmin,
		},
	})
	if err != nil {
		t.Fatalf("failed to construct app: %v", err)
	}
	t.Cleanup(app.Close)
	if err := app.Start(context.Background()); err != nil {
		t.Fatalf("failed to start app: %v", err)
	}

	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "kiosk-auth",
		Audience:      "kiosk-admin",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to construct token issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		App:          app,
		TokenManager: tokens,
		Heartbeat:    time.Hour,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return testServer{app: app, tokens: tokens, handler: handler}
}

func (s testServer) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != "" {
		reader = strings.NewReader(body)
	}
	request := httptest.NewRequest(method, path, reader)
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func (s testServer) tokenFor(t *testing.T, role string) string {
	t.Helper()
	token, _, err := s.tokens.IssueSessionToken(context.Background(), catalog.AdminUser{
		Record: catalog.Record{ID: "admin-" + role},
		Name:   "Operator",
		Role:   role,
	})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err != errMissingApp {
		t.Fatalf("expected missing app error, got %v", err)
	}
	server := newTestServer(t)
	if _, err := NewHTTPHandler(Dependencies{App: server.app}); err != errMissingTokenManager {
		t.Fatalf("expected missing token manager error, got %v", err)
	}
}

func TestCatalogHidesDeletedRecordsAndCredentials(t *testing.T) {
	server := newTestServer(t)
	ctx := context.Background()

	visible, err := server.app.Catalog.Brands.Add(ctx, catalog.Brand{Name: "Acme"})
	if err != nil {
		t.Fatalf("failed to add brand: %v", err)
	}
	hidden, err := server.app.Catalog.Brands.Add(ctx, catalog.Brand{Name: "Globex"})
	if err != nil {
		t.Fatalf("failed to add brand: %v", err)
	}
	if _, err := server.app.Catalog.Products.Add(ctx, catalog.Product{BrandID: hidden.ID, Name: "Hidden widget"}); err != nil {
		t.Fatalf("failed to add product: %v", err)
	}
	if err := server.app.Catalog.Brands.SoftDelete(ctx, hidden.ID); err != nil {
		t.Fatalf("failed to delete brand: %v", err)
	}
	settings := server.app.Catalog.Settings()
	settings.CustomAPIKey = "secret-key"
	if err := server.app.Catalog.UpdateSettings(ctx, settings); err != nil {
		t.Fatalf("failed to update settings: %v", err)
	}

	recorder := server.do(t, http.MethodGet, "/catalog", "", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	if strings.Contains(recorder.Body.String(), "secret-key") || strings.Contains(recorder.Body.String(), "adminUsers") {
		t.Fatalf("catalog leaked credentials: %s", recorder.Body.String())
	}
	var view catalogView
	decodeBody(t, recorder, &view)
	if len(view.Brands) != 1 || view.Brands[0].ID != visible.ID {
		t.Fatalf("unexpected brands %#v", view.Brands)
	}
	if len(view.Products) != 0 {
		t.Fatalf("expected products of hidden brands to be hidden, got %#v", view.Products)
	}

	recorder = server.do(t, http.MethodGet, "/catalog/brands/"+hidden.ID+"/products", "", "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected hidden brand to be not found, got %d", recorder.Code)
	}
}

func TestBrandProductsListsActiveProducts(t *testing.T) {
	server := newTestServer(t)
	ctx := context.Background()
	brand, err := server.app.Catalog.Brands.Add(ctx, catalog.Brand{Name: "Acme"})
	if err != nil {
		t.Fatalf("failed to add brand: %v", err)
	}
	if _, err := server.app.Catalog.Products.Add(ctx, catalog.Product{BrandID: brand.ID, Name: "Anvil"}); err != nil {
		t.Fatalf("failed to add product: %v", err)
	}

	recorder := server.do(t, http.MethodGet, "/catalog/brands/"+brand.ID+"/products", "", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	var payload struct {
		Brand    catalog.Brand     `json:"brand"`
		Products []catalog.Product `json:"products"`
	}
	decodeBody(t, recorder, &payload)
	if payload.Brand.Name != "Acme" || len(payload.Products) != 1 || payload.Products[0].Name != "Anvil" {
		t.Fatalf("unexpected payload %#v", payload)
	}
}

func TestRecordViewCountsBrandViews(t *testing.T) {
	server := newTestServer(t)

	recorder := server.do(t, http.MethodPost, "/catalog/views/widget/w-1", "", "")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request for unknown kind, got %d", recorder.Code)
	}
	if recorder.Body.String() != `{"error":"invalid_entity"}` {
		t.Fatalf("unexpected response body: %s", recorder.Body.String())
	}

	recorder = server.do(t, http.MethodPost, "/catalog/views/brand/b-1", "", "")
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	if count := server.app.Catalog.Snapshot().ViewCounts.Brands["b-1"]; count != 1 {
		t.Fatalf("expected one recorded view, got %d", count)
	}
}

func TestResolveAssetPassesRemoteReferencesThrough(t *testing.T) {
	server := newTestServer(t)

	recorder := server.do(t, http.MethodGet, "/assets/resolve?ref=https://cdn.example.com/logo.png", "", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	var payload struct {
		URL string `json:"url"`
	}
	decodeBody(t, recorder, &payload)
	if payload.URL != "https://cdn.example.com/logo.png" {
		t.Fatalf("unexpected url %q", payload.URL)
	}

	recorder = server.do(t, http.MethodGet, "/assets/resolve?ref=brands/acme/logo.png", "", "")
	decodeBody(t, recorder, &payload)
	if recorder.Code != http.StatusOK || payload.URL != "" {
		t.Fatalf("expected empty url without local storage, got %d %q", recorder.Code, payload.URL)
	}

	recorder = server.do(t, http.MethodGet, "/blobs/unknown-token", "", "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected unknown blob to be not found, got %d", recorder.Code)
	}
}

func TestSyncStatusAndVisibilityWithoutProvider(t *testing.T) {
	server := newTestServer(t)

	recorder := server.do(t, http.MethodGet, "/sync/status", "", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), `"status":"idle"`) {
		t.Fatalf("expected idle status, got %s", recorder.Body.String())
	}

	recorder = server.do(t, http.MethodPost, "/kiosk/visible", "", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), `"outcome":"skipped"`) {
		t.Fatalf("expected skipped pull, got %s", recorder.Body.String())
	}
}

func TestMetricsEndpointExposesSyncCollectors(t *testing.T) {
	server := newTestServer(t)

	recorder := server.do(t, http.MethodGet, "/metrics", "", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "go_goroutines") {
		t.Fatalf("expected runtime collectors in exposition")
	}
}

func TestSessionReportsSetupState(t *testing.T) {
	server := newTestServer(t)

	recorder := server.do(t, http.MethodGet, "/session", "", "")
	var session kiosk.Session
	decodeBody(t, recorder, &session)
	if session.SetupComplete || session.Connected || session.Provider != "none" {
		t.Fatalf("unexpected session %#v", session)
	}
}
