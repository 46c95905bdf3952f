package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/myaktion/offline-hub/internal/logging"
	"github.com/myaktion/offline-hub/internal/offline"
	"github.com/myaktion/offline-hub/internal/server"
)

// ClientCookie 标识浏览器客户端，用于判断请求是否受当前版本控制。
const ClientCookie = "offline_client"

// Dispatcher 是 Handler 依赖的运行时能力，offline.Runtime 为生产实现。
type Dispatcher interface {
	Navigate(clientID string) string
	Fetch(ctx context.Context, clientID string, req *http.Request) *offline.Response
}

// Handler 将 Fiber 请求转换为指向源站的 http.Request，交给离线代理处理后回写结果。
type Handler struct {
	runtime   Dispatcher
	origin    *url.URL
	cacheName string
	logger    *logrus.Logger
}

// NewHandler constructs a proxy handler bound to the configured origin.
func NewHandler(runtime Dispatcher, origin *url.URL, cacheName string, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		runtime:   runtime,
		origin:    origin,
		cacheName: cacheName,
		logger:    logger,
	}
}

// Handle 处理一次拦截请求：整页加载时登记客户端，随后按运行时状态分发，
// 网络错误结果以 502 network_error 返回。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := h.buildRequest(ctx, c)
	if err != nil {
		h.logger.WithError(err).WithField("request_id", requestID).Warn("request_invalid")
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request"})
	}

	clientID := c.Cookies(ClientCookie)
	if offline.IsNavigation(req) {
		assigned := h.runtime.Navigate(clientID)
		if assigned != clientID {
			c.Cookie(&fiber.Cookie{
				Name:     ClientCookie,
				Value:    assigned,
				Path:     "/",
				HTTPOnly: true,
				SameSite: fiber.CookieSameSiteLaxMode,
			})
		}
		clientID = assigned
	}

	res := h.runtime.Fetch(ctx, clientID, req)
	if res == nil {
		res = offline.NetworkError(nil)
	}
	c.Set("X-Offline-Source", string(res.Source))
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}

	if res.IsNetworkError() {
		h.logResult(req, res, requestID, 0, started, res.Err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "network_error"})
	}
	defer res.Body.Close()

	copyResponseHeaders(c, res.Header)
	c.Set("X-Offline-Source", string(res.Source))
	c.Status(res.StatusCode)

	if req.Method == http.MethodHead {
		h.logResult(req, res, requestID, res.StatusCode, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), res.Body)
	h.logResult(req, res, requestID, res.StatusCode, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

// buildRequest 以源站为基准重建请求，剥离 hop-by-hop 头与客户端标识 Cookie。
func (h *Handler) buildRequest(ctx context.Context, c fiber.Ctx) (*http.Request, error) {
	ref, err := url.ParseRequestURI(string(c.Request().RequestURI()))
	if err != nil {
		return nil, err
	}
	target := h.origin.ResolveReference(&url.URL{Path: ref.Path, RawPath: ref.RawPath, RawQuery: ref.RawQuery})

	req, err := http.NewRequestWithContext(ctx, c.Method(), target.String(), bytesReader(c.Body()))
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Accept-Encoding")
	req.Header.Del("Host")
	req.Host = target.Host
	stripClientCookie(req.Header)
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())
	return req, nil
}

func (h *Handler) logResult(req *http.Request, res *offline.Response, requestID string, status int, started time.Time, err error) {
	fields := logging.RequestFields(
		h.cacheName,
		policyName(req),
		string(res.Source),
		req.Method,
		req.URL.String(),
		res.Source == offline.SourceCache || res.Source == offline.SourceOffline,
	)
	fields["action"] = "proxy"
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func policyName(req *http.Request) string {
	if offline.IsNavigation(req) {
		return "network-first"
	}
	return "cache-first"
}

func stripClientCookie(header http.Header) {
	raw := header.Values("Cookie")
	if len(raw) == 0 {
		return
	}
	kept := make([]string, 0, len(raw))
	for _, line := range raw {
		for _, part := range strings.Split(line, ";") {
			part = strings.TrimSpace(part)
			if part == "" || strings.HasPrefix(part, ClientCookie+"=") {
				continue
			}
			kept = append(kept, part)
		}
	}
	header.Del("Cookie")
	if len(kept) > 0 {
		header.Set("Cookie", strings.Join(kept, "; "))
	}
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(append([]byte(nil), b...))
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || strings.EqualFold(key, "Content-Length") {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
}
