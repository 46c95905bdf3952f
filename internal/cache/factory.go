package cache

import (
	"fmt"
	"os"
	"path/filepath"
)

// NewStorage 按驱动名称构建存储实现：fs、sqlite 或 memory。
// sqlite 驱动下 path 为目录时，数据库文件位于 path/offline-hub.db。
func NewStorage(driver, path string) (Storage, error) {
	switch driver {
	case "", "fs":
		return NewFileStorage(path)
	case "sqlite":
		filename := path
		if filename != "" && filepath.Ext(filename) == "" {
			if err := ensureDir(filename); err != nil {
				return nil, err
			}
			filename = filepath.Join(filename, "offline-hub.db")
		}
		return NewSQLiteStorage(filename)
	case "memory":
		return NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create storage path: %w", err)
	}
	return nil
}
