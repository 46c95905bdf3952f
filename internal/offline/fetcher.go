package offline

import (
	"context"
	"errors"
	"net/http"

	"github.com/myaktion/offline-hub/internal/version"
)

// Fetcher 抽象网络访问。返回 error 即视为网络失败；任何 HTTP 状态码都算成功送达。
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// FetcherFunc 让普通函数满足 Fetcher。
type FetcherFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// HTTPFetcher 基于共享 http.Client 访问源站。
type HTTPFetcher struct {
	Client    *http.Client
	UserAgent string
}

// NewHTTPFetcher 使用给定 client 构建 Fetcher，client 为空时使用 http.DefaultClient。
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{Client: client, UserAgent: version.UserAgent()}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("request url required")
	}
	out := req.Clone(ctx)
	out.RequestURI = ""
	if out.Header == nil {
		out.Header = http.Header{}
	}
	if out.Header.Get("User-Agent") == "" && f.UserAgent != "" {
		out.Header.Set("User-Agent", f.UserAgent)
	}
	return f.Client.Do(out)
}
