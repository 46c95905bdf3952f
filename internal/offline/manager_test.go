package offline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myaktion/offline-hub/internal/cache"
)

func installReadyNetwork() *fakeNetwork {
	network := newFakeNetwork()
	network.handle(testOrigin+"/", http.StatusOK, "<h1>shell</h1>")
	network.handle(testOrigin+"/static/offline.html", http.StatusOK, "<h1>offline</h1>")
	return network
}

func cacheURLs(t *testing.T, storage cache.Storage, name string) []string {
	t.Helper()
	store, err := storage.Open(context.Background(), name)
	require.NoError(t, err)
	keys, err := store.Keys(context.Background())
	require.NoError(t, err)
	urls := make([]string, 0, len(keys))
	for _, key := range keys {
		urls = append(urls, key.URL)
	}
	return urls
}

func TestInstallAndActivateScenario(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemoryStorage()
	_, err := storage.Open(ctx, "myaktion-cache-v0")
	require.NoError(t, err)

	manager := newTestManager(t, storage, installReadyNetwork(), testOptions("myaktion-cache-v1"))

	skipped := false
	require.NoError(t, manager.OnInstall(ctx, &InstallEvent{SkipWaiting: func() { skipped = true }}))
	assert.True(t, skipped, "install should request skip waiting")
	assert.Equal(t, []string{testOrigin + "/", testOrigin + "/static/offline.html"}, cacheURLs(t, storage, "myaktion-cache-v1"))

	claimed := false
	require.NoError(t, manager.OnActivate(ctx, &ActivateEvent{Claim: func(context.Context) error {
		claimed = true
		return nil
	}}))
	assert.True(t, claimed, "activate should claim clients")

	names, err := storage.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"myaktion-cache-v1"}, names)
}

func TestInstallIsIdempotent(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemoryStorage()
	manager := newTestManager(t, storage, installReadyNetwork(), testOptions("myaktion-cache-v1"))

	require.NoError(t, manager.OnInstall(ctx, &InstallEvent{}))
	first := cacheURLs(t, storage, "myaktion-cache-v1")
	require.NoError(t, manager.OnInstall(ctx, nil))
	assert.Equal(t, first, cacheURLs(t, storage, "myaktion-cache-v1"))
}

func TestInstallFailsWhenAnyAssetUnreachable(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemoryStorage()
	network := installReadyNetwork()
	network.fail[testOrigin+"/static/offline.html"] = true
	manager := newTestManager(t, storage, network, testOptions("myaktion-cache-v1"))

	skipped := false
	err := manager.OnInstall(ctx, &InstallEvent{SkipWaiting: func() { skipped = true }})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInstallFailed))
	assert.False(t, skipped)
	assert.Empty(t, cacheURLs(t, storage, "myaktion-cache-v1"), "no partial population")
}

func TestInstallFailsOnNonSuccessStatus(t *testing.T) {
	network := installReadyNetwork()
	network.handle(testOrigin+"/", http.StatusInternalServerError, "boom")
	storage := cache.NewMemoryStorage()
	manager := newTestManager(t, storage, network, testOptions("myaktion-cache-v1"))

	err := manager.OnInstall(context.Background(), nil)
	require.ErrorIs(t, err, ErrInstallFailed)
	assert.Empty(t, cacheURLs(t, storage, "myaktion-cache-v1"))
}

// flakyStorage 包装真实存储，armed 时对 failPath 的写入返回 errDiskFull。
type flakyStorage struct {
	cache.Storage
	failPath string
	armed    atomic.Bool
}

var errDiskFull = errors.New("disk full")

func (s *flakyStorage) Open(ctx context.Context, name string) (cache.Store, error) {
	store, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &flakyStore{Store: store, owner: s}, nil
}

type flakyStore struct {
	cache.Store
	owner *flakyStorage
}

func (s *flakyStore) Put(ctx context.Context, req *http.Request, resp *http.Response) error {
	if s.owner.armed.Load() && req.URL.Path == s.owner.failPath {
		resp.Body.Close()
		return errDiskFull
	}
	return s.Store.Put(ctx, req, resp)
}

func matchBody(t *testing.T, storage cache.Storage, name, target string) string {
	t.Helper()
	store, err := storage.Open(context.Background(), name)
	require.NoError(t, err)
	req, _ := http.NewRequest(http.MethodGet, target, nil)
	resp, err := store.Match(context.Background(), req)
	require.NoError(t, err)
	return readAll(t, resp)
}

func TestFailedReinstallKeepsPreviousAssets(t *testing.T) {
	ctx := context.Background()
	storage := &flakyStorage{Storage: cache.NewMemoryStorage(), failPath: "/static/offline.html"}
	network := installReadyNetwork()
	manager := newTestManager(t, storage, network, testOptions("myaktion-cache-v1"))

	require.NoError(t, manager.OnInstall(ctx, nil))
	before := cacheURLs(t, storage, "myaktion-cache-v1")

	network.handle(testOrigin+"/", http.StatusOK, "<h1>shell v2</h1>")
	storage.armed.Store(true)
	err := manager.OnInstall(ctx, nil)
	require.ErrorIs(t, err, ErrInstallFailed)
	require.ErrorIs(t, err, errDiskFull)

	assert.Equal(t, before, cacheURLs(t, storage, "myaktion-cache-v1"))
	assert.Equal(t, "<h1>shell</h1>", matchBody(t, storage, "myaktion-cache-v1", testOrigin+"/"),
		"overwritten asset should be restored")
	assert.Equal(t, "<h1>offline</h1>", matchBody(t, storage, "myaktion-cache-v1", testOrigin+"/static/offline.html"))
}

func TestFailedInstallRemovesOnlyNewEntries(t *testing.T) {
	ctx := context.Background()
	storage := &flakyStorage{Storage: cache.NewMemoryStorage(), failPath: "/static/offline.html"}
	network := installReadyNetwork()
	network.handle(testOrigin+"/static/extra.css", http.StatusOK, "body{}")

	first := newTestManager(t, storage, network, testOptions("myaktion-cache-v1"))
	require.NoError(t, first.OnInstall(ctx, nil))

	storage.armed.Store(true)
	second := newTestManager(t, storage, network,
		testOptions("myaktion-cache-v1", "/", "/static/extra.css", "/static/offline.html"))
	require.ErrorIs(t, second.OnInstall(ctx, nil), ErrInstallFailed)

	assert.Equal(t, []string{testOrigin + "/", testOrigin + "/static/offline.html"},
		cacheURLs(t, storage, "myaktion-cache-v1"), "entries added by the failed attempt are removed")
}

func TestActivateKeepsCurrentStore(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemoryStorage()
	for _, name := range []string{"myaktion-cache-v1", "old-a", "old-b"} {
		_, err := storage.Open(ctx, name)
		require.NoError(t, err)
	}
	manager := newTestManager(t, storage, newFakeNetwork(), testOptions("myaktion-cache-v1"))
	require.NoError(t, manager.OnActivate(ctx, nil))

	names, err := storage.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"myaktion-cache-v1"}, names)
}

func TestActivatePropagatesClaimError(t *testing.T) {
	manager := newTestManager(t, cache.NewMemoryStorage(), newFakeNetwork(), testOptions("v1"))
	err := manager.OnActivate(context.Background(), &ActivateEvent{Claim: func(context.Context) error {
		return errors.New("claim rejected")
	}})
	require.Error(t, err)
}

func TestDefaultPolicyCachesSameOriginGet(t *testing.T) {
	ctx := context.Background()
	network := installReadyNetwork()
	network.handle(testOrigin+"/static/app.js", http.StatusOK, "console.log(1)")
	manager := newTestManager(t, cache.NewMemoryStorage(), network, testOptions("v1"))

	first := manager.OnFetch(ctx, newSubresource(http.MethodGet, testOrigin+"/static/app.js"))
	require.Equal(t, SourceNetwork, first.Source)
	assert.Equal(t, "console.log(1)", readAll(t, first.Response))

	second := manager.OnFetch(ctx, newSubresource(http.MethodGet, testOrigin+"/static/app.js"))
	require.Equal(t, SourceCache, second.Source)
	assert.Equal(t, "console.log(1)", readAll(t, second.Response))
	assert.Equal(t, 1, network.callCount(testOrigin+"/static/app.js"), "cache hit must not touch the network")
}

func TestDefaultPolicyNeverStoresCrossOrigin(t *testing.T) {
	ctx := context.Background()
	network := newFakeNetwork()
	network.handle("https://cdn.example.net/lib.js", http.StatusOK, "lib")
	storage := cache.NewMemoryStorage()
	manager := newTestManager(t, storage, network, testOptions("v1"))

	res := manager.OnFetch(ctx, newSubresource(http.MethodGet, "https://cdn.example.net/lib.js"))
	require.Equal(t, SourceNetwork, res.Source)
	assert.Equal(t, "lib", readAll(t, res.Response))
	assert.Empty(t, cacheURLs(t, storage, "v1"))

	res = manager.OnFetch(ctx, newSubresource(http.MethodGet, "https://cdn.example.net/lib.js"))
	assert.Equal(t, SourceNetwork, res.Source)
	assert.Equal(t, 2, network.callCount("https://cdn.example.net/lib.js"))
}

func TestDefaultPolicySkipsNonGetAndErrors(t *testing.T) {
	ctx := context.Background()
	network := newFakeNetwork()
	network.handle(testOrigin+"/api/save", http.StatusOK, "saved")
	network.handle(testOrigin+"/api/missing", http.StatusNotFound, "nope")
	storage := cache.NewMemoryStorage()
	manager := newTestManager(t, storage, network, testOptions("v1"))

	res := manager.OnFetch(ctx, newSubresource(http.MethodPost, testOrigin+"/api/save"))
	assert.Equal(t, SourceNetwork, res.Source)
	assert.Equal(t, "saved", readAll(t, res.Response))

	res = manager.OnFetch(ctx, newSubresource(http.MethodGet, testOrigin+"/api/missing"))
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	readAll(t, res.Response)

	assert.Empty(t, cacheURLs(t, storage, "v1"))
}

func TestDefaultPolicyNetworkFailureWithoutCache(t *testing.T) {
	network := newFakeNetwork()
	network.setOffline(true)
	manager := newTestManager(t, cache.NewMemoryStorage(), network, testOptions("v1"))

	res := manager.OnFetch(context.Background(), newSubresource(http.MethodGet, testOrigin+"/static/app.css"))
	require.NotNil(t, res)
	assert.True(t, res.IsNetworkError())
	assert.Equal(t, SourceNetworkError, res.Source)
	assert.ErrorIs(t, res.Err, errOffline)
}

func TestDefaultPolicyServesCachedWhileOffline(t *testing.T) {
	ctx := context.Background()
	network := installReadyNetwork()
	manager := newTestManager(t, cache.NewMemoryStorage(), network, testOptions("v1"))
	require.NoError(t, manager.OnInstall(ctx, nil))

	network.setOffline(true)
	res := manager.OnFetch(ctx, newSubresource(http.MethodGet, testOrigin+"/static/offline.html"))
	require.Equal(t, SourceCache, res.Source)
	assert.Equal(t, "<h1>offline</h1>", readAll(t, res.Response))
}

func TestNavigationFallsBackToOfflinePage(t *testing.T) {
	ctx := context.Background()
	network := installReadyNetwork()
	manager := newTestManager(t, cache.NewMemoryStorage(), network, testOptions("v1"))
	require.NoError(t, manager.OnInstall(ctx, nil))

	network.setOffline(true)
	res := manager.OnFetch(ctx, newNavigation(http.MethodGet, testOrigin+"/aktionen/42"))
	require.Equal(t, SourceOffline, res.Source)
	assert.Equal(t, "<h1>offline</h1>", readAll(t, res.Response))
}

func TestNavigationNetworkErrorWithoutOfflinePage(t *testing.T) {
	network := newFakeNetwork()
	network.setOffline(true)
	manager := newTestManager(t, cache.NewMemoryStorage(), network, testOptions("v1"))

	res := manager.OnFetch(context.Background(), newNavigation(http.MethodGet, testOrigin+"/aktionen/42"))
	assert.True(t, res.IsNetworkError())
}

func TestNavigationStoresCopyAndPrefersNetwork(t *testing.T) {
	ctx := context.Background()
	network := installReadyNetwork()
	network.handle(testOrigin+"/aktionen", http.StatusOK, "v1 page")
	storage := cache.NewMemoryStorage()
	manager := newTestManager(t, storage, network, testOptions("v1"))

	res := manager.OnFetch(ctx, newNavigation(http.MethodGet, testOrigin+"/aktionen"))
	require.Equal(t, SourceNetwork, res.Source)
	assert.Equal(t, "v1 page", readAll(t, res.Response))
	assert.Contains(t, cacheURLs(t, storage, "v1"), testOrigin+"/aktionen")

	network.handle(testOrigin+"/aktionen", http.StatusOK, "v2 page")
	res = manager.OnFetch(ctx, newNavigation(http.MethodGet, testOrigin+"/aktionen"))
	require.Equal(t, SourceNetwork, res.Source)
	assert.Equal(t, "v2 page", readAll(t, res.Response), "navigation is network-first")
}

func TestNavigationCacheFallbackOption(t *testing.T) {
	ctx := context.Background()
	network := installReadyNetwork()
	network.handle(testOrigin+"/aktionen", http.StatusOK, "aktionen")
	opts := testOptions("v1")
	opts.NavigationCacheFallback = true
	manager := newTestManager(t, cache.NewMemoryStorage(), network, opts)
	require.NoError(t, manager.OnInstall(ctx, nil))

	readAll(t, manager.OnFetch(ctx, newNavigation(http.MethodGet, testOrigin+"/aktionen")).Response)

	network.setOffline(true)
	res := manager.OnFetch(ctx, newNavigation(http.MethodGet, testOrigin+"/aktionen"))
	require.Equal(t, SourceCache, res.Source)
	assert.Equal(t, "aktionen", readAll(t, res.Response))

	res = manager.OnFetch(ctx, newNavigation(http.MethodGet, testOrigin+"/never-visited"))
	require.Equal(t, SourceOffline, res.Source)
	readAll(t, res.Response)
}

func TestDefaultPolicyPassesThroughOversizedResponse(t *testing.T) {
	ctx := context.Background()
	network := newFakeNetwork()
	network.handle(testOrigin+"/static/video.bin", http.StatusOK, strings.Repeat("x", 64))
	opts := testOptions("v1")
	opts.MaxEntryBytes = 16
	manager := newTestManager(t, cache.NewMemoryStorage(), network, opts)

	first := manager.OnFetch(ctx, newSubresource(http.MethodGet, testOrigin+"/static/video.bin"))
	require.Equal(t, SourceNetwork, first.Source)
	assert.Equal(t, strings.Repeat("x", 64), readAll(t, first.Response))

	second := manager.OnFetch(ctx, newSubresource(http.MethodGet, testOrigin+"/static/video.bin"))
	assert.Equal(t, SourceNetwork, second.Source, "oversized responses are not cached")
	readAll(t, second.Response)
	assert.Equal(t, 2, network.callCount(testOrigin+"/static/video.bin"))
}

func TestTeeResponseUnknownLengthOverLimit(t *testing.T) {
	resp := &http.Response{
		StatusCode:    http.StatusOK,
		Header:        http.Header{},
		Body:          io.NopCloser(strings.NewReader("0123456789abcdef")),
		ContentLength: -1,
	}
	live, stored, err := teeResponse(resp, 8)
	require.NoError(t, err)
	assert.Nil(t, stored)
	assert.Equal(t, "0123456789abcdef", readAll(t, live), "live body replays the buffered prefix")

	small := &http.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: io.NopCloser(strings.NewReader("tiny")), ContentLength: -1}
	live, stored, err = teeResponse(small, 8)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "tiny", readAll(t, live))
	assert.Equal(t, "tiny", readAll(t, stored))
}

func TestRelativeRequestResolvedAgainstOrigin(t *testing.T) {
	ctx := context.Background()
	network := newFakeNetwork()
	network.handle(testOrigin+"/static/app.js", http.StatusOK, "js")
	storage := cache.NewMemoryStorage()
	manager := newTestManager(t, storage, network, testOptions("v1"))

	req := newSubresource(http.MethodGet, testOrigin+"/static/app.js")
	req.URL = &url.URL{Path: "/static/app.js"}
	res := manager.OnFetch(ctx, req)
	require.Equal(t, SourceNetwork, res.Source)
	readAll(t, res.Response)
	assert.Equal(t, []string{testOrigin + "/static/app.js"}, cacheURLs(t, storage, "v1"))
}

func TestIndependentInstances(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemoryStorage()
	network := installReadyNetwork()
	a := newTestManager(t, storage, network, testOptions("cache-a"))
	b := newTestManager(t, storage, network, testOptions("cache-b"))
	require.NoError(t, a.OnInstall(ctx, nil))
	require.NoError(t, b.OnInstall(ctx, nil))

	require.NoError(t, b.OnActivate(ctx, nil))
	names, err := storage.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"cache-b"}, names)
	assert.Equal(t, "cache-a", a.CacheName())
}

func TestNewManagerValidatesOptions(t *testing.T) {
	storage := cache.NewMemoryStorage()
	network := newFakeNetwork()

	opts := testOptions("v1")
	opts.OfflinePath = "/missing.html"
	_, err := NewManager(storage, network, opts)
	assert.Error(t, err)

	opts = testOptions("")
	_, err = NewManager(storage, network, opts)
	assert.Error(t, err)

	opts = testOptions("v1", "/", "/", "/static/offline.html")
	_, err = NewManager(storage, network, opts)
	assert.Error(t, err)

	_, err = NewManager(nil, network, testOptions("v1"))
	assert.ErrorIs(t, err, cache.ErrStorageUnavailable)
}
