package offline

import (
	"bytes"
	"errors"
	"io"
	"net/http"
)

// Source 标记响应来自何处，server 以 X-Offline-Source 头暴露给客户端。
type Source string

const (
	SourceNetwork      Source = "network"
	SourceCache        Source = "cache"
	SourceOffline      Source = "offline"
	SourceNetworkError Source = "network-error"
)

// Response 是拦截结果。Source 为 SourceNetworkError 时 Response 为空，Err 记录网络错误。
type Response struct {
	*http.Response
	Source Source
	Err    error
}

// IsNetworkError 判断结果是否为显式的网络错误。
func (r *Response) IsNetworkError() bool {
	return r == nil || r.Source == SourceNetworkError || r.Response == nil
}

// NetworkError 构造网络错误结果。
func NetworkError(err error) *Response {
	if err == nil {
		err = errors.New("network error")
	}
	return &Response{Source: SourceNetworkError, Err: err}
}

// ErrInstallFailed 表示核心资源未能全部写入，本次安装作废。
var ErrInstallFailed = errors.New("install failed")

// teeResponse 读完 resp.Body，返回两个可独立消费的响应：live 交给页面，stored 写入缓存。
// limit > 0 且响应体超过 limit 时 stored 为 nil，live 先回放已读部分再继续读原始连接。
func teeResponse(resp *http.Response, limit int64) (live *http.Response, stored *http.Response, err error) {
	if resp.Body == nil {
		return withBody(resp, nil), withBody(resp, nil), nil
	}
	if limit > 0 && resp.ContentLength > limit {
		return resp, nil, nil
	}

	reader := io.Reader(resp.Body)
	if limit > 0 {
		reader = io.LimitReader(resp.Body, limit+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		resp.Body.Close()
		return nil, nil, err
	}
	if limit > 0 && int64(len(body)) > limit {
		passthrough := *resp
		passthrough.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(body), resp.Body), resp.Body}
		return &passthrough, nil, nil
	}
	resp.Body.Close()

	live = withBody(resp, body)
	stored = withBody(resp, body)
	return live, stored, nil
}

func withBody(resp *http.Response, body []byte) *http.Response {
	clone := *resp
	clone.Header = resp.Header.Clone()
	clone.Body = io.NopCloser(bytes.NewReader(body))
	clone.ContentLength = int64(len(body))
	clone.TransferEncoding = nil
	return &clone
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

// storable 对齐浏览器 Cache.put 的拒绝条件：206 与 Vary: * 不可写入。
func storable(resp *http.Response) bool {
	if resp.StatusCode == http.StatusPartialContent {
		return false
	}
	for _, v := range resp.Header.Values("Vary") {
		for _, name := range splitList(v) {
			if name == "*" {
				return false
			}
		}
	}
	return true
}
