package assets

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/kiosk/internal/catalog"
	"github.com/MarcoPoloResearchLab/kiosk/internal/storage"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

type fixture struct {
	router    *storage.Router
	directory *storage.GrantedDirectory
	fs        afero.Fs
	resolver  *Resolver
}

func newFixture(t *testing.T, cacheSize int) *fixture {
	t.Helper()
	fs := afero.NewMemMapFs()
	directory := storage.NewMemoryDirectory("share", fs, true)
	router := storage.NewRouter(storage.RouterConfig{})
	connected, err := router.Connect(context.Background(), storage.ConnectRequest{
		Kind:   storage.KindLocal,
		Role:   catalog.RoleAdmin,
		Picker: storage.PickerFunc(func(context.Context) (storage.Directory, error) { return directory, nil }),
	})
	require.NoError(t, err)
	require.True(t, connected)

	resolver, err := NewResolver(Config{Source: router, CacheSize: cacheSize})
	require.NoError(t, err)
	router.OnDisconnect(func(storage.DisconnectEvent) { resolver.Clear() })
	return &fixture{router: router, directory: directory, fs: fs, resolver: resolver}
}

func (f *fixture) save(t *testing.T, name string, data []byte) string {
	t.Helper()
	ref, err := f.router.SaveAsset(context.Background(), storage.Upload{Name: name, Data: data}, "Acme", "logo")
	require.NoError(t, err)
	return ref
}

func TestResolvePassesThroughAbsoluteAndInline(t *testing.T) {
	f := newFixture(t, 8)
	ctx := context.Background()

	url, err := f.resolver.Resolve(ctx, "https://cdn.example.com/logo.png")
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example.com/logo.png", url)

	inline := "data:image/png;base64,iVBORw0KGgo="
	url, err = f.resolver.Resolve(ctx, inline)
	require.NoError(t, err)
	require.Equal(t, inline, url)

	url, err = f.resolver.Resolve(ctx, "  ")
	require.NoError(t, err)
	require.Empty(t, url)
}

func TestResolveRelativeMintsServableURL(t *testing.T) {
	f := newFixture(t, 8)
	ref := f.save(t, "logo.png", pngHeader)

	url, err := f.resolver.Resolve(context.Background(), ref)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(url, DefaultPrefix+"/"), url)

	again, err := f.resolver.Resolve(context.Background(), ref)
	require.NoError(t, err)
	require.Equal(t, url, again, "unchanged file must reuse the cached URL")

	recorder := httptest.NewRecorder()
	f.resolver.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, url, nil))
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Equal(t, "image/png", recorder.Header().Get("Content-Type"))
	require.Equal(t, pngHeader, recorder.Body.Bytes())
}

func TestConcurrentResolveReturnsServableURLs(t *testing.T) {
	f := newFixture(t, 8)
	ref := f.save(t, "logo.png", pngHeader)

	const callers = 16
	urls := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			urls[i], errs[i] = f.resolver.Resolve(context.Background(), ref)
		}()
	}
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		_, err := f.resolver.Blob(strings.TrimPrefix(urls[i], DefaultPrefix+"/"))
		require.NoError(t, err, "url %s was revoked", urls[i])
	}
	require.Equal(t, 1, f.resolver.Len())
}

func TestResolveRegeneratesStaleURL(t *testing.T) {
	f := newFixture(t, 8)
	ref := f.save(t, "logo.png", pngHeader)
	ctx := context.Background()

	first, err := f.resolver.Resolve(ctx, ref)
	require.NoError(t, err)

	later := time.Now().Add(time.Hour)
	require.NoError(t, f.fs.Chtimes(ref, later, later))

	second, err := f.resolver.Resolve(ctx, ref)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	token := strings.TrimPrefix(first, DefaultPrefix+"/")
	_, err = f.resolver.Blob(token)
	require.ErrorIs(t, err, ErrBlobNotFound)
}

func TestResolveMissingFileReturnsError(t *testing.T) {
	f := newFixture(t, 8)
	url, err := f.resolver.Resolve(context.Background(), "acme/logo/missing.png")
	require.ErrorIs(t, err, storage.ErrAssetIO)
	require.Empty(t, url)
}

func TestResolveWithoutLocalProviderIsEmpty(t *testing.T) {
	f := newFixture(t, 8)
	ref := f.save(t, "logo.png", pngHeader)

	f.router.Disconnect()
	url, err := f.resolver.Resolve(context.Background(), ref)
	require.NoError(t, err)
	require.Empty(t, url)
}

func TestDisconnectClearsTransientURLs(t *testing.T) {
	f := newFixture(t, 8)
	ref := f.save(t, "logo.png", pngHeader)

	url, err := f.resolver.Resolve(context.Background(), ref)
	require.NoError(t, err)
	require.Equal(t, 1, f.resolver.Len())

	f.router.Disconnect()
	require.Zero(t, f.resolver.Len())

	recorder := httptest.NewRecorder()
	f.resolver.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, url, nil))
	require.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestRevokedPermissionClearsTransientURLs(t *testing.T) {
	f := newFixture(t, 8)
	ref := f.save(t, "logo.png", pngHeader)

	_, err := f.resolver.Resolve(context.Background(), ref)
	require.NoError(t, err)

	f.directory.Revoke()
	url, err := f.resolver.Resolve(context.Background(), ref)
	require.NoError(t, err)
	require.Empty(t, url)
	require.False(t, f.router.Connected())
	require.Zero(t, f.resolver.Len())
}

func TestEvictionRevokesBlob(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	first := f.save(t, "a.png", pngHeader)
	second := f.save(t, "b.png", pngHeader)

	firstURL, err := f.resolver.Resolve(ctx, first)
	require.NoError(t, err)
	_, err = f.resolver.Resolve(ctx, second)
	require.NoError(t, err)

	require.Equal(t, 1, f.resolver.Len())
	_, err = f.resolver.Blob(strings.TrimPrefix(firstURL, DefaultPrefix+"/"))
	require.ErrorIs(t, err, ErrBlobNotFound)
}

func TestInvalidateForgetsURL(t *testing.T) {
	f := newFixture(t, 8)
	ref := f.save(t, "logo.png", pngHeader)

	first, err := f.resolver.Resolve(context.Background(), ref)
	require.NoError(t, err)
	f.resolver.Invalidate(ref)
	second, err := f.resolver.Resolve(context.Background(), ref)
	require.NoError(t, err)
	require.NotEqual(t, first, second)
}
