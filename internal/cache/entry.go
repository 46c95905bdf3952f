package cache

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
)

// entryDelim 分隔序列化后的请求与响应两段 HTTP/1.1 报文。
var entryDelim = []byte("\r\n\r\n----\r\n\r\n")

// RequestKey 返回请求身份：方法 + 去掉片段的绝对 URL。
func RequestKey(req *http.Request) string {
	return req.Method + " " + normalizeURL(req.URL)
}

// hashKey 将请求身份映射为定长文件名。
func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func normalizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	clone := *u
	clone.Fragment = ""
	clone.RawFragment = ""
	return clone.String()
}

// storedEntry 是解码后的条目：原始请求（无正文）与完整响应。
type storedEntry struct {
	request  *http.Request
	response *http.Response
}

// encodeEntry 将请求头与响应序列化为字节，返回字节及响应正文长度。resp.Body 会被读完并关闭。
func encodeEntry(ctx context.Context, req *http.Request, resp *http.Response) ([]byte, int64, error) {
	if req == nil || req.URL == nil {
		return nil, 0, errors.New("request url required")
	}
	if resp == nil {
		return nil, 0, errors.New("response required")
	}

	var body []byte
	if resp.Body != nil {
		buf := &bytes.Buffer{}
		_, err := copyWithContext(ctx, buf, resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, 0, fmt.Errorf("read response body: %w", err)
		}
		body = buf.Bytes()
	}

	out := &bytes.Buffer{}
	reqURL := *req.URL
	reqURL.Fragment = ""
	reqURL.RawFragment = ""
	storedReq := &http.Request{
		Method:     req.Method,
		URL:        &reqURL,
		Host:       reqURL.Host,
		Header:     varyHeaders(req.Header, resp.Header),
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
	}
	if err := storedReq.WriteProxy(out); err != nil {
		return nil, 0, fmt.Errorf("write request: %w", err)
	}
	out.Write(entryDelim)

	storedRes := &http.Response{
		Status:        resp.Status,
		StatusCode:    resp.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        resp.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
	if storedRes.Header == nil {
		storedRes.Header = http.Header{}
	}
	storedRes.Header.Del("Transfer-Encoding")
	if err := storedRes.Write(out); err != nil {
		return nil, 0, fmt.Errorf("write response: %w", err)
	}
	return out.Bytes(), int64(len(body)), nil
}

// decodeEntry 还原 encodeEntry 写入的条目。
func decodeEntry(b []byte) (*storedEntry, error) {
	idx := bytes.Index(b, entryDelim)
	if idx < 0 {
		return nil, errors.New("corrupted cache entry")
	}
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(b[:idx])))
	if err != nil {
		return nil, fmt.Errorf("read stored request: %w", err)
	}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b[idx+len(entryDelim):])), req)
	if err != nil {
		return nil, fmt.Errorf("read stored response: %w", err)
	}
	// ReadResponse 的 Body 依赖底层 reader，此处一次性读出以便条目可被多次消费。
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read stored body: %w", err)
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	res.ContentLength = int64(len(body))
	return &storedEntry{request: req, response: res}, nil
}

// requestURL 返回序列化请求中的绝对地址。
func (e *storedEntry) requestURL() string {
	return normalizeURL(e.request.URL)
}

// varyHeaders 只保留响应 Vary 字段点名的请求头，Cookie 等其余字段不落盘。
func varyHeaders(reqHeader, respHeader http.Header) http.Header {
	out := http.Header{}
	for _, name := range varyNames(respHeader) {
		if name == "*" {
			continue
		}
		for _, value := range reqHeader.Values(name) {
			out.Add(name, value)
		}
	}
	if _, ok := out["User-Agent"]; !ok {
		// 空值阻止 Request.Write 补写默认 UA。
		out["User-Agent"] = []string{""}
	}
	return out
}

func varyNames(header http.Header) []string {
	var names []string
	for _, raw := range header.Values("Vary") {
		for _, name := range strings.Split(raw, ",") {
			name = textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(name))
			if name != "" {
				names = append(names, name)
			}
		}
	}
	return names
}

// varyMatches 按存储响应的 Vary 字段比较新旧请求头；Vary: * 永不匹配。
func varyMatches(stored *storedEntry, req *http.Request) bool {
	for _, name := range varyNames(stored.response.Header) {
		if name == "*" {
			return false
		}
		if stored.request.Header.Get(name) != req.Header.Get(name) {
			return false
		}
	}
	return true
}

// matchEntry 解码条目并做 Vary 校验，返回可直接交给调用方的响应。
func matchEntry(b []byte, req *http.Request) (*http.Response, error) {
	entry, err := decodeEntry(b)
	if err != nil {
		return nil, err
	}
	if !varyMatches(entry, req) {
		return nil, ErrNotFound
	}
	entry.response.Request = req
	return entry.response, nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
