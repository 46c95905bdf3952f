package routes

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v3"

	"github.com/myaktion/offline-hub/internal/cache"
	"github.com/myaktion/offline-hub/internal/offline"
)

// StatusSource 提供代理运行时的生命周期快照。
type StatusSource interface {
	Snapshot() offline.Snapshot
}

// RegisterDiagnosticsRoutes 暴露 /-/health 与 /-/caches 诊断接口，供运维查看缓存版本与容量。
func RegisterDiagnosticsRoutes(app *fiber.App, status StatusSource, storage cache.Storage) {
	if app == nil || status == nil || storage == nil {
		return
	}

	app.Get("/-/health", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"ok": true})
	})

	app.Get("/-/caches", func(c fiber.Ctx) error {
		snap := status.Snapshot()
		caches, err := summarizeCaches(c.Context(), storage, snap.CacheName)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "storage_unavailable"})
		}
		return c.JSON(fiber.Map{
			"runtime": snap,
			"current": snap.CacheName,
			"caches":  caches,
		})
	})

	app.Get("/-/caches/:name", func(c fiber.Ctx) error {
		name := strings.TrimSpace(c.Params("name"))
		if name == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "cache_name_required"})
		}
		ctx := c.Context()
		exists, err := storage.Has(ctx, name)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "storage_unavailable"})
		}
		if !exists {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "cache_not_found"})
		}
		store, err := storage.Open(ctx, name)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "storage_unavailable"})
		}
		keys, err := store.Keys(ctx)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "storage_unavailable"})
		}
		return c.JSON(fiber.Map{
			"name":    name,
			"current": name == status.Snapshot().CacheName,
			"entries": encodeEntries(keys),
		})
	})
}

type cachePayload struct {
	Name      string `json:"name"`
	Current   bool   `json:"current"`
	Entries   int    `json:"entries"`
	SizeBytes int64  `json:"size_bytes"`
	Size      string `json:"size"`
}

type entryPayload struct {
	Method   string    `json:"method"`
	URL      string    `json:"url"`
	Size     string    `json:"size"`
	StoredAt time.Time `json:"stored_at"`
	Age      string    `json:"age"`
}

func summarizeCaches(ctx context.Context, storage cache.Storage, current string) ([]cachePayload, error) {
	names, err := storage.Names(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]cachePayload, 0, len(names))
	for _, name := range names {
		store, err := storage.Open(ctx, name)
		if err != nil {
			return nil, err
		}
		keys, err := store.Keys(ctx)
		if err != nil && !errors.Is(err, cache.ErrNotFound) {
			return nil, err
		}
		var size int64
		for _, key := range keys {
			size += key.SizeBytes
		}
		result = append(result, cachePayload{
			Name:      name,
			Current:   name == current,
			Entries:   len(keys),
			SizeBytes: size,
			Size:      humanize.Bytes(uint64(size)),
		})
	}
	return result, nil
}

func encodeEntries(keys []cache.Key) []entryPayload {
	result := make([]entryPayload, 0, len(keys))
	for _, key := range keys {
		result = append(result, entryPayload{
			Method:   key.Method,
			URL:      key.URL,
			Size:     humanize.Bytes(uint64(key.SizeBytes)),
			StoredAt: key.StoredAt,
			Age:      humanize.Time(key.StoredAt),
		})
	}
	return result
}
