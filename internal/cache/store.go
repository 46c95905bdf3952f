package cache

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Storage 管理一组具名缓存仓库，语义对齐浏览器 CacheStorage：
// Open 打开或创建，Names 枚举，Delete 整仓删除。
type Storage interface {
	// Open 返回指定名称的仓库，不存在时创建。
	Open(ctx context.Context, name string) (Store, error)

	// Has 判断仓库是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Names 返回当前所有仓库名称（按名称排序）。
	Names(ctx context.Context) ([]string, error)

	// Delete 删除整个仓库及其全部条目，返回仓库此前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Close 释放底层资源（数据库连接等）。
	Close() error
}

// Store 是单个具名仓库。实现必须支持并发读写，同一 key 的并发写入以最后一次为准。
type Store interface {
	Name() string

	// Match 返回与请求匹配的已存储响应。未命中或 Vary 不匹配时返回 ErrNotFound。
	Match(ctx context.Context, req *http.Request) (*http.Response, error)

	// Put 以请求为 key 写入响应，会读取并关闭 resp.Body。
	// 仓库已被 Storage.Delete 删除时返回 ErrStoreDeleted。
	Put(ctx context.Context, req *http.Request, resp *http.Response) error

	// Keys 列出仓库内所有条目的描述信息。
	Keys(ctx context.Context) ([]Key, error)

	// Remove 删除单个条目，返回条目此前是否存在。
	Remove(ctx context.Context, req *http.Request) (bool, error)
}

// Key 描述一个已存储条目，供诊断接口与测试使用。
type Key struct {
	Method    string    `json:"method"`
	URL       string    `json:"url"`
	SizeBytes int64     `json:"size_bytes"`
	StoredAt  time.Time `json:"stored_at"`
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrStoreDeleted 表示仓库已被删除，写入被拒绝以免旧版本数据复活。
	ErrStoreDeleted = errors.New("cache store deleted")
	// ErrStorageUnavailable 表示未注入存储实例或存储已关闭。
	ErrStorageUnavailable = errors.New("cache storage unavailable")
)
