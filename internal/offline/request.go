package offline

import (
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// IsNavigation 判断请求是否为整页加载。优先看 Sec-Fetch-Mode；
// 缺失时退化为 Accept 首选 text/html 的 GET 请求。
func IsNavigation(req *http.Request) bool {
	if req == nil {
		return false
	}
	if mode := strings.TrimSpace(req.Header.Get("Sec-Fetch-Mode")); mode != "" {
		return strings.EqualFold(mode, "navigate")
	}
	if req.Method != http.MethodGet {
		return false
	}
	return prefersHTML(req.Header.Get("Accept"))
}

// prefersHTML 在 text/html 的 q 值不低于其他任一媒体范围时返回 true。
func prefersHTML(accept string) bool {
	htmlQ := -1.0
	best := 0.0
	for _, part := range splitList(accept) {
		mediaType, params, err := mime.ParseMediaType(part)
		if err != nil {
			continue
		}
		q := 1.0
		if raw, ok := params["q"]; ok {
			if parsed, err := strconv.ParseFloat(raw, 64); err == nil {
				q = parsed
			}
		}
		if mediaType == "text/html" {
			htmlQ = q
		}
		if q > best {
			best = q
		}
	}
	return htmlQ > 0 && htmlQ >= best
}

// SameOrigin 比较 scheme、主机与端口（缺省端口按 scheme 补齐）。
func SameOrigin(target, origin *url.URL) bool {
	if target == nil || origin == nil {
		return false
	}
	if !strings.EqualFold(target.Scheme, origin.Scheme) {
		return false
	}
	return strings.EqualFold(hostPort(target), hostPort(origin))
}

func hostPort(u *url.URL) string {
	port := u.Port()
	if port == "" {
		switch strings.ToLower(u.Scheme) {
		case "https":
			port = "443"
		case "http":
			port = "80"
		}
	}
	return net.JoinHostPort(u.Hostname(), port)
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
