package offline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/myaktion/offline-hub/internal/cache"
)

const testOrigin = "https://myaktion.example.com"

var errOffline = errors.New("dial tcp: network is unreachable")

type fakeRoute struct {
	status int
	body   string
	header http.Header
}

// fakeNetwork 按绝对 URL 返回预设响应，offline 为 true 时所有请求失败。
type fakeNetwork struct {
	mu      sync.Mutex
	routes  map[string]fakeRoute
	fail    map[string]bool
	offline bool
	calls   map[string]int
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		routes: make(map[string]fakeRoute),
		fail:   make(map[string]bool),
		calls:  make(map[string]int),
	}
}

func (n *fakeNetwork) handle(target string, status int, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.routes[target] = fakeRoute{status: status, body: body, header: http.Header{"Content-Type": {"text/html"}}}
}

func (n *fakeNetwork) setOffline(offline bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = offline
}

func (n *fakeNetwork) callCount(target string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[target]
}

func (n *fakeNetwork) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	target := req.URL.String()
	n.calls[target]++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n.offline || n.fail[target] {
		return nil, errOffline
	}
	route, ok := n.routes[target]
	if !ok {
		route = fakeRoute{status: http.StatusNotFound, body: "not found", header: http.Header{}}
	}
	return &http.Response{
		StatusCode:    route.status,
		Status:        http.StatusText(route.status),
		Header:        route.header.Clone(),
		Body:          io.NopCloser(strings.NewReader(route.body)),
		ContentLength: int64(len(route.body)),
		Request:       req,
	}, nil
}

func testOptions(cacheName string, assets ...string) Options {
	origin, _ := url.Parse(testOrigin)
	if len(assets) == 0 {
		assets = []string{"/", "/static/offline.html"}
	}
	return Options{
		CacheName:   cacheName,
		OfflinePath: "/static/offline.html",
		CoreAssets:  assets,
		Origin:      origin,
	}
}

func newTestManager(t *testing.T, storage cache.Storage, network *fakeNetwork, opts Options) *Manager {
	t.Helper()
	manager, err := NewManager(storage, network, opts)
	require.NoError(t, err)
	return manager
}

func newNavigation(method, target string) *http.Request {
	req, _ := http.NewRequest(method, target, nil)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,*/*;q=0.8")
	return req
}

func newSubresource(method, target string) *http.Request {
	req, _ := http.NewRequest(method, target, nil)
	req.Header.Set("Sec-Fetch-Mode", "no-cors")
	req.Header.Set("Accept", "*/*")
	return req
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	require.NotNil(t, resp)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}
