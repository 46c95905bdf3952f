package cache

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const entrySuffix = ".entry"

// NewFileStorage 以 basePath 为根目录构建磁盘缓存，每个仓库占用一个子目录。
func NewFileStorage(basePath string) (*FileStorage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &FileStorage{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// FileStorage 通过 entryLock 避免同一条目并发写入，同时复用 basePath。
// 仓库目录名为 url.PathEscape(name)，条目文件名为 sha256(RequestKey).entry。
type FileStorage struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *FileStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.storeDir(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &fileStore{storage: s, name: name, dir: dir}, nil
}

func (s *FileStorage) Has(ctx context.Context, name string) (bool, error) {
	dir, err := s.storeDir(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *FileStorage) Names(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		name, err := url.PathUnescape(entry.Name())
		if err != nil {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *FileStorage) Delete(ctx context.Context, name string) (bool, error) {
	exists, err := s.Has(ctx, name)
	if err != nil || !exists {
		return false, err
	}
	dir, err := s.storeDir(name)
	if err != nil {
		return false, err
	}
	// 先改名再删除，保证仓库对 Names/Put 立即不可见。
	trash, err := os.MkdirTemp(s.basePath, ".trash-*")
	if err != nil {
		return false, err
	}
	target := filepath.Join(trash, "store")
	if err := os.Rename(dir, target); err != nil {
		os.RemoveAll(trash)
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.RemoveAll(trash); err != nil {
		return true, err
	}
	return true, nil
}

// Close 对磁盘实现无需释放资源。
func (s *FileStorage) Close() error {
	return nil
}

func (s *FileStorage) storeDir(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", errors.New("cache name required")
	}
	escaped := url.PathEscape(name)
	if escaped == "." || escaped == ".." || strings.HasPrefix(escaped, ".") {
		return "", fmt.Errorf("invalid cache name: %s", name)
	}
	dir := filepath.Join(s.basePath, escaped)
	if filepath.Dir(dir) != s.basePath {
		return "", errors.New("invalid cache path")
	}
	return dir, nil
}

func (s *FileStorage) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

type fileStore struct {
	storage *FileStorage
	name    string
	dir     string
}

func (s *fileStore) Name() string {
	return s.name
}

func (s *fileStore) Match(ctx context.Context, req *http.Request) (*http.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	data, err := os.ReadFile(s.entryPath(RequestKey(req)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return matchEntry(data, req)
}

func (s *fileStore) Put(ctx context.Context, req *http.Request, resp *http.Response) error {
	key := RequestKey(req)
	unlock := s.storage.lockEntry(s.name + "::" + key)
	defer unlock()

	data, _, err := encodeEntry(ctx, req, resp)
	if err != nil {
		return err
	}

	if info, err := os.Stat(s.dir); err != nil || !info.IsDir() {
		return ErrStoreDeleted
	}

	tempFile, err := os.CreateTemp(s.dir, ".cache-*")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrStoreDeleted
		}
		return err
	}
	tempName := tempFile.Name()

	w := bufio.NewWriter(tempFile)
	_, err = w.Write(data)
	if err == nil {
		err = w.Flush()
	}
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, s.entryPath(key)); err != nil {
		os.Remove(tempName)
		if errors.Is(err, fs.ErrNotExist) {
			return ErrStoreDeleted
		}
		return err
	}
	return nil
}

func (s *fileStore) Keys(ctx context.Context) ([]Key, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	keys := make([]Key, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), entrySuffix) {
			continue
		}
		filePath := filepath.Join(s.dir, entry.Name())
		data, err := os.ReadFile(filePath)
		if err != nil {
			continue
		}
		decoded, err := decodeEntry(data)
		if err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		keys = append(keys, Key{
			Method:    decoded.request.Method,
			URL:       decoded.requestURL(),
			SizeBytes: decoded.response.ContentLength,
			StoredAt:  info.ModTime().UTC(),
		})
	}
	sortKeys(keys)
	return keys, nil
}

func (s *fileStore) Remove(ctx context.Context, req *http.Request) (bool, error) {
	key := RequestKey(req)
	unlock := s.storage.lockEntry(s.name + "::" + key)
	defer unlock()

	if err := os.Remove(s.entryPath(key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *fileStore) entryPath(key string) string {
	return filepath.Join(s.dir, hashKey(key)+entrySuffix)
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].URL == keys[j].URL {
			return keys[i].Method < keys[j].Method
		}
		return keys[i].URL < keys[j].URL
	})
}
