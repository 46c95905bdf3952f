package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS caches (
	name       TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
	cache_name TEXT NOT NULL,
	key        TEXT NOT NULL,
	method     TEXT NOT NULL,
	url        TEXT NOT NULL,
	size       INTEGER NOT NULL,
	stored_at  INTEGER NOT NULL,
	bytes      BLOB NOT NULL,
	PRIMARY KEY (cache_name, key)
);
`

// SQLiteStorage 将全部仓库保存在单个 SQLite 文件中，写操作串行化以规避 SQLITE_BUSY。
type SQLiteStorage struct {
	db      *sql.DB
	writeMu *sync.Mutex
}

// NewSQLiteStorage 打开（或创建）SQLite 数据库；filename 为空时使用共享内存库。
func NewSQLiteStorage(filename string) (*SQLiteStorage, error) {
	if strings.TrimSpace(filename) == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	return &SQLiteStorage{
		db:      db,
		writeMu: &sync.Mutex{},
	}, nil
}

func (s *SQLiteStorage) Open(ctx context.Context, name string) (Store, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("cache name required")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO caches (name, created_at) VALUES (?, ?)",
		name, time.Now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", name, err)
	}
	return &sqliteStore{storage: s, name: name}, nil
}

func (s *SQLiteStorage) Has(ctx context.Context, name string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM caches WHERE name = ?", name).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *SQLiteStorage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM caches ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE cache_name = ?", name); err != nil {
		return false, err
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM caches WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return affected > 0, nil
}

// Close 关闭数据库连接。
func (s *SQLiteStorage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type sqliteStore struct {
	storage *SQLiteStorage
	name    string
}

func (s *sqliteStore) Name() string {
	return s.name
}

func (s *sqliteStore) Match(ctx context.Context, req *http.Request) (*http.Response, error) {
	var data []byte
	err := s.storage.db.QueryRowContext(ctx,
		"SELECT bytes FROM entries WHERE cache_name = ? AND key = ?",
		s.name, RequestKey(req)).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return matchEntry(data, req)
}

func (s *sqliteStore) Put(ctx context.Context, req *http.Request, resp *http.Response) error {
	data, size, err := encodeEntry(ctx, req, resp)
	if err != nil {
		return err
	}

	s.storage.writeMu.Lock()
	defer s.storage.writeMu.Unlock()

	tx, err := s.storage.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, "SELECT 1 FROM caches WHERE name = ?", s.name).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrStoreDeleted
		}
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO entries (cache_name, key, method, url, size, stored_at, bytes)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.name, RequestKey(req), req.Method, normalizeURL(req.URL), size, time.Now().UnixMilli(), data)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) Keys(ctx context.Context) ([]Key, error) {
	rows, err := s.storage.db.QueryContext(ctx,
		"SELECT method, url, size, stored_at FROM entries WHERE cache_name = ?", s.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]Key, 0)
	for rows.Next() {
		var key Key
		var storedAt int64
		if err := rows.Scan(&key.Method, &key.URL, &key.SizeBytes, &storedAt); err != nil {
			return nil, err
		}
		key.StoredAt = time.UnixMilli(storedAt).UTC()
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortKeys(keys)
	return keys, nil
}

func (s *sqliteStore) Remove(ctx context.Context, req *http.Request) (bool, error) {
	s.storage.writeMu.Lock()
	defer s.storage.writeMu.Unlock()

	result, err := s.storage.db.ExecContext(ctx,
		"DELETE FROM entries WHERE cache_name = ? AND key = ?", s.name, RequestKey(req))
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}
