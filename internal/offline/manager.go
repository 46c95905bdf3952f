package offline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/myaktion/offline-hub/internal/cache"
	"github.com/myaktion/offline-hub/internal/logging"
)

const (
	policyNavigation = "network-first"
	policyDefault    = "cache-first"
)

// InstallEvent 携带安装阶段可调用的宿主能力。
type InstallEvent struct {
	// SkipWaiting 请求宿主在安装完成后立即激活本版本。
	SkipWaiting func()
}

// ActivateEvent 携带激活阶段可调用的宿主能力。
type ActivateEvent struct {
	// Claim 让当前版本立即接管所有已打开的客户端。
	Claim func(ctx context.Context) error
}

// Manager 是离线代理的缓存管理器，只维护一个以版本命名的缓存仓库。
type Manager struct {
	storage cache.Storage
	fetcher Fetcher
	opts    Options
	logger  *logrus.Logger
}

// NewManager 校验参数并构造 Manager。
func NewManager(storage cache.Storage, fetcher Fetcher, opts Options) (*Manager, error) {
	if storage == nil {
		return nil, cache.ErrStorageUnavailable
	}
	if fetcher == nil {
		return nil, errors.New("fetcher required")
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.InstallConcurrency <= 0 {
		opts.InstallConcurrency = len(opts.CoreAssets)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{
		storage: storage,
		fetcher: fetcher,
		opts:    opts,
		logger:  logger,
	}, nil
}

// CacheName 返回当前版本对应的仓库名。
func (m *Manager) CacheName() string {
	return m.opts.CacheName
}

// Storage 返回底层存储，供诊断接口枚举仓库。
func (m *Manager) Storage() cache.Storage {
	return m.storage
}

// OnInstall 打开当前版本仓库并写入全部核心资源。任何一个资源失败都会放弃整次写入，
// 返回包装了 ErrInstallFailed 的错误；成功后调用 SkipWaiting。
func (m *Manager) OnInstall(ctx context.Context, event *InstallEvent) error {
	store, err := m.storage.Open(ctx, m.opts.CacheName)
	if err != nil {
		return fmt.Errorf("%w: open cache %s: %w", ErrInstallFailed, m.opts.CacheName, err)
	}

	entries, err := m.fetchCoreAssets(ctx)
	if err != nil {
		m.logger.WithFields(logging.LifecycleFields("install", m.opts.CacheName, "installing")).
			WithError(err).Warn("install_fetch_failed")
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	if err := m.populate(ctx, store, entries); err != nil {
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	fields := logging.LifecycleFields("install", m.opts.CacheName, "installed")
	fields["assets"] = len(entries)
	m.logger.WithFields(fields).Info("install_complete")

	if event != nil && event.SkipWaiting != nil {
		event.SkipWaiting()
	}
	return nil
}

type assetEntry struct {
	req  *http.Request
	resp *http.Response
}

// fetchCoreAssets 并发拉取核心资源，首个失败即取消其余请求。
func (m *Manager) fetchCoreAssets(ctx context.Context) ([]assetEntry, error) {
	entries := make([]assetEntry, len(m.opts.CoreAssets))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(m.opts.InstallConcurrency)

	for i, asset := range m.opts.CoreAssets {
		group.Go(func() error {
			req, err := m.assetRequest(groupCtx, asset)
			if err != nil {
				return err
			}
			resp, err := m.fetcher.Fetch(groupCtx, req)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", asset, err)
			}
			if !isSuccess(resp.StatusCode) {
				resp.Body.Close()
				return fmt.Errorf("fetch %s: unexpected status %d", asset, resp.StatusCode)
			}
			buffered, _, err := teeResponse(resp, 0)
			if err != nil {
				return fmt.Errorf("read %s: %w", asset, err)
			}
			entries[i] = assetEntry{req: req, resp: buffered}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

// populate 写入已全部拉取成功的资源。写入前保存同键旧条目，中途写失败时
// 按逆序恢复旧条目、删除本次新增条目，仓库回到安装前的内容。
func (m *Manager) populate(ctx context.Context, store cache.Store, entries []assetEntry) error {
	undo := make([]assetEntry, 0, len(entries))
	for _, entry := range entries {
		prior, err := previousEntry(ctx, store, entry.req)
		if err != nil {
			m.rollback(ctx, store, undo)
			return fmt.Errorf("read %s: %w", entry.req.URL.Path, err)
		}
		if err := store.Put(ctx, entry.req, entry.resp); err != nil {
			m.rollback(ctx, store, undo)
			return fmt.Errorf("store %s: %w", entry.req.URL.Path, err)
		}
		undo = append(undo, assetEntry{req: entry.req, resp: prior})
	}
	return nil
}

// previousEntry 返回已缓冲的同键旧条目，不存在时返回 nil。
func previousEntry(ctx context.Context, store cache.Store, req *http.Request) (*http.Response, error) {
	resp, err := store.Match(ctx, req)
	if errors.Is(err, cache.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	_, buffered, err := teeResponse(resp, 0)
	return buffered, err
}

func (m *Manager) rollback(ctx context.Context, store cache.Store, undo []assetEntry) {
	writeCtx := context.WithoutCancel(ctx)
	for i := len(undo) - 1; i >= 0; i-- {
		entry := undo[i]
		var err error
		if entry.resp != nil {
			err = store.Put(writeCtx, entry.req, entry.resp)
		} else {
			_, err = store.Remove(writeCtx, entry.req)
		}
		if err != nil {
			m.logger.WithError(err).WithField("url", entry.req.URL.String()).Warn("install_rollback_failed")
		}
	}
}

// OnActivate 删除所有非当前版本的仓库，然后接管客户端。存储错误直接返回。
func (m *Manager) OnActivate(ctx context.Context, event *ActivateEvent) error {
	names, err := m.storage.Names(ctx)
	if err != nil {
		return fmt.Errorf("list caches: %w", err)
	}
	for _, name := range names {
		if name == m.opts.CacheName {
			continue
		}
		deleted, err := m.storage.Delete(ctx, name)
		if err != nil {
			return fmt.Errorf("delete cache %s: %w", name, err)
		}
		if deleted {
			m.logger.WithFields(logging.LifecycleFields("activate", name, "pruned")).Info("cache_pruned")
		}
	}

	if event != nil && event.Claim != nil {
		if err := event.Claim(ctx); err != nil {
			return fmt.Errorf("claim clients: %w", err)
		}
	}
	m.logger.WithFields(logging.LifecycleFields("activate", m.opts.CacheName, "activated")).Info("activate_complete")
	return nil
}

// OnFetch 按请求类型选择策略。网络失败不会以 error 形式返回，调用方总能得到一个结果。
func (m *Manager) OnFetch(ctx context.Context, req *http.Request) *Response {
	req = m.absolute(req)
	if IsNavigation(req) {
		return m.fetchNavigation(ctx, req)
	}
	return m.fetchDefault(ctx, req)
}

func (m *Manager) fetchNavigation(ctx context.Context, req *http.Request) *Response {
	resp, err := m.fetcher.Fetch(ctx, req)
	if err == nil {
		if req.Method == http.MethodGet && storable(resp) {
			live, stored, bufErr := teeResponse(resp, m.opts.MaxEntryBytes)
			if bufErr == nil {
				m.put(ctx, req, stored)
				return m.result(req, policyNavigation, &Response{Response: live, Source: SourceNetwork})
			}
			err = bufErr
		} else {
			return m.result(req, policyNavigation, &Response{Response: resp, Source: SourceNetwork})
		}
	}

	m.logger.WithFields(logging.RequestFields(m.opts.CacheName, policyNavigation, "", req.Method, req.URL.String(), false)).
		WithError(err).Warn("network_failed")

	if m.opts.NavigationCacheFallback {
		if cached := m.match(ctx, req); cached != nil {
			return m.result(req, policyNavigation, &Response{Response: cached, Source: SourceCache})
		}
	}
	offlineReq, reqErr := m.assetRequest(ctx, m.opts.OfflinePath)
	if reqErr == nil {
		if page := m.match(ctx, offlineReq); page != nil {
			page.Request = req
			return m.result(req, policyNavigation, &Response{Response: page, Source: SourceOffline})
		}
	}
	return m.result(req, policyNavigation, NetworkError(err))
}

func (m *Manager) fetchDefault(ctx context.Context, req *http.Request) *Response {
	if cached := m.match(ctx, req); cached != nil {
		return m.result(req, policyDefault, &Response{Response: cached, Source: SourceCache})
	}

	resp, err := m.fetcher.Fetch(ctx, req)
	if err != nil {
		return m.result(req, policyDefault, NetworkError(err))
	}

	if req.Method == http.MethodGet && SameOrigin(req.URL, m.opts.Origin) &&
		isSuccess(resp.StatusCode) && storable(resp) {
		live, stored, bufErr := teeResponse(resp, m.opts.MaxEntryBytes)
		if bufErr != nil {
			return m.result(req, policyDefault, NetworkError(bufErr))
		}
		m.put(ctx, req, stored)
		resp = live
	}
	return m.result(req, policyDefault, &Response{Response: resp, Source: SourceNetwork})
}

// match 查询当前仓库；读失败按未命中处理并记录日志。
func (m *Manager) match(ctx context.Context, req *http.Request) *http.Response {
	store, err := m.storage.Open(ctx, m.opts.CacheName)
	if err != nil {
		m.logger.WithError(err).WithField("cache", m.opts.CacheName).Warn("cache_open_failed")
		return nil
	}
	resp, err := store.Match(ctx, req)
	switch {
	case err == nil:
		return resp
	case errors.Is(err, cache.ErrNotFound):
		return nil
	default:
		m.logger.WithError(err).
			WithFields(logrus.Fields{"cache": m.opts.CacheName, "url": req.URL.String()}).
			Warn("cache_get_failed")
		return nil
	}
}

// put 写入副本；页面提前离开不应打断已拿到的响应落盘。resp 为 nil 表示响应体超限，只透传。
func (m *Manager) put(ctx context.Context, req *http.Request, resp *http.Response) {
	if resp == nil {
		m.logger.WithFields(logrus.Fields{"cache": m.opts.CacheName, "url": req.URL.String(), "limit": m.opts.MaxEntryBytes}).
			Debug("cache_skip_oversized")
		return
	}
	writeCtx := context.WithoutCancel(ctx)
	store, err := m.storage.Open(writeCtx, m.opts.CacheName)
	if err == nil {
		err = store.Put(writeCtx, req, resp)
	}
	if err != nil {
		m.logger.WithError(err).
			WithFields(logrus.Fields{"cache": m.opts.CacheName, "url": req.URL.String()}).
			Warn("cache_write_failed")
	}
}

func (m *Manager) result(req *http.Request, policy string, res *Response) *Response {
	fields := logging.RequestFields(m.opts.CacheName, policy, string(res.Source), req.Method, req.URL.String(), res.Source == SourceCache || res.Source == SourceOffline)
	if res.Response != nil {
		fields["status"] = res.StatusCode
	}
	m.logger.WithFields(fields).Debug("fetch_handled")
	return res
}

func (m *Manager) assetRequest(ctx context.Context, path string) (*http.Request, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("parse asset %s: %w", path, err)
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, m.opts.Origin.ResolveReference(ref).String(), http.NoBody)
}

// absolute 将相对地址的请求补全为源站绝对地址，缓存键始终是绝对 URL。
func (m *Manager) absolute(req *http.Request) *http.Request {
	if req.URL.IsAbs() {
		return req
	}
	clone := req.Clone(req.Context())
	clone.URL = m.opts.Origin.ResolveReference(req.URL)
	clone.Host = clone.URL.Host
	return clone
}
