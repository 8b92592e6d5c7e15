package cache

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	markerFile = ".cache.json"
	bodySuffix = ".body"
	metaSuffix = ".meta.json"
)

// NewFileStorage 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。磁盘布局：
//
//	<basePath>/<cache-name>/.cache.json             # 缓存名与创建时间
//	<basePath>/<cache-name>/<sha1(key)>.meta.json   # 状态码/头部/类型
//	<basePath>/<cache-name>/<sha1(key)>.body        # 正文
func NewFileStorage(basePath string) (Storage, error) {
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

	return &fileStorage{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStorage 用 genMu 串行化缓存的创建/删除，条目写入则通过 entryLock 按 key 互斥。
type fileStorage struct {
	basePath string

	genMu sync.RWMutex

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type generationMarker struct {
	Name      string    `json:"name"`
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

type fileCache struct {
	storage *fileStorage
	name    string
}

func (s *fileStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.genMu.Lock()
	defer s.genMu.Unlock()

	dir := s.cacheDir(name)
	if _, err := readMarker(dir); err == nil {
		return &fileCache{storage: s, name: name}, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	markers, err := s.markersLocked()
	if err != nil {
		return nil, err
	}
	var seq int64
	for _, m := range markers {
		if m.Seq > seq {
			seq = m.Seq
		}
	}
	marker := generationMarker{Name: name, Seq: seq + 1, CreatedAt: time.Now().UTC()}
	payload, err := json.Marshal(marker)
	if err != nil {
		return nil, err
	}
	if err := writeAtomic(ctx, filepath.Join(dir, markerFile), bytes.NewReader(payload)); err != nil {
		return nil, err
	}
	return &fileCache{storage: s, name: name}, nil
}

func (s *fileStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	s.genMu.RLock()
	defer s.genMu.RUnlock()
	_, err := readMarker(s.cacheDir(name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (s *fileStorage) Keys(ctx context.Context) ([]string, error) {
	s.genMu.RLock()
	defer s.genMu.RUnlock()
	return s.keysLocked()
}

func (s *fileStorage) keysLocked() ([]string, error) {
	markers, err := s.markersLocked()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(markers))
	for i, m := range markers {
		names[i] = m.Name
	}
	return names, nil
}

// markersLocked 读取全部缓存 marker，按创建序号排序；调用方需持有 genMu。
func (s *fileStorage) markersLocked() ([]generationMarker, error) {
	dirents, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	markers := make([]generationMarker, 0, len(dirents))
	for _, d := range dirents {
		if !d.IsDir() {
			continue
		}
		marker, err := readMarker(filepath.Join(s.basePath, d.Name()))
		if err != nil {
			continue
		}
		markers = append(markers, marker)
	}
	sort.SliceStable(markers, func(i, j int) bool {
		return markers[i].Seq < markers[j].Seq
	})
	return markers, nil
}

func (s *fileStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	s.genMu.Lock()
	defer s.genMu.Unlock()

	dir := s.cacheDir(name)
	if _, err := readMarker(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	// 先移除 marker，保证删除中途失败时该缓存不再可见。
	if err := os.Remove(filepath.Join(dir, markerFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return true, err
	}
	return true, nil
}

func (s *fileStorage) Match(ctx context.Context, key string) (*Entry, error) {
	s.genMu.RLock()
	defer s.genMu.RUnlock()
	names, err := s.keysLocked()
	if err != nil {
		return nil, err
	}
	return matchInOrder(ctx, names, key, s.readEntry)
}

func (s *fileStorage) Close() error {
	return nil
}

func (s *fileStorage) cacheDir(name string) string {
	return filepath.Join(s.basePath, url.PathEscape(name))
}

func (s *fileStorage) entryPaths(name, key string) (string, string) {
	sum := sha1.Sum([]byte(key))
	base := filepath.Join(s.cacheDir(name), hex.EncodeToString(sum[:]))
	return base + metaSuffix, base + bodySuffix
}

func (s *fileStorage) readEntry(ctx context.Context, name, key string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := s.lockEntry(name, key)
	defer unlock()

	metaPath, bodyPath := s.entryPaths(name, key)
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode cache meta: %w", err)
	}
	if entry.Key != key {
		return nil, ErrNotFound
	}
	body, err := os.ReadFile(bodyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	entry.Body = body
	if entry.Header == nil {
		entry.Header = http.Header{}
	}
	return &entry, nil
}

func (c *fileCache) Name() string {
	return c.name
}

func (c *fileCache) Match(ctx context.Context, key string) (*Entry, error) {
	c.storage.genMu.RLock()
	defer c.storage.genMu.RUnlock()
	if _, err := readMarker(c.storage.cacheDir(c.name)); err != nil {
		return nil, ErrCacheNotFound
	}
	return c.storage.readEntry(ctx, c.name, key)
}

func (c *fileCache) Put(ctx context.Context, entry Entry) error {
	if entry.Key == "" {
		return errors.New("entry key required")
	}
	c.storage.genMu.RLock()
	defer c.storage.genMu.RUnlock()
	if _, err := readMarker(c.storage.cacheDir(c.name)); err != nil {
		return ErrCacheNotFound
	}

	unlock := c.storage.lockEntry(c.name, entry.Key)
	defer unlock()

	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	meta, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	metaPath, bodyPath := c.storage.entryPaths(c.name, entry.Key)
	// 正文先落盘，meta 最后写入：meta 存在即代表条目完整。
	if err := writeAtomic(ctx, bodyPath, bytes.NewReader(entry.Body)); err != nil {
		return err
	}
	return writeAtomic(ctx, metaPath, bytes.NewReader(meta))
}

func (c *fileCache) Delete(ctx context.Context, key string) (bool, error) {
	c.storage.genMu.RLock()
	defer c.storage.genMu.RUnlock()
	if _, err := readMarker(c.storage.cacheDir(c.name)); err != nil {
		return false, ErrCacheNotFound
	}

	unlock := c.storage.lockEntry(c.name, key)
	defer unlock()

	metaPath, bodyPath := c.storage.entryPaths(c.name, key)
	err := os.Remove(metaPath)
	existed := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	if err := os.Remove(bodyPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return existed, err
	}
	return existed, nil
}

func (c *fileCache) Keys(ctx context.Context) ([]string, error) {
	c.storage.genMu.RLock()
	defer c.storage.genMu.RUnlock()

	dir := c.storage.cacheDir(c.name)
	dirents, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrCacheNotFound
		}
		return nil, err
	}
	var keys []string
	for _, d := range dirents {
		if d.IsDir() || !strings.HasSuffix(d.Name(), metaSuffix) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, d.Name()))
		if err != nil {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}
		keys = append(keys, entry.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *fileStorage) lockEntry(name, key string) func() {
	lockKey := name + "::" + key
	s.mu.Lock()
	lock := s.locks[lockKey]
	if lock == nil {
		lock = &entryLock{}
		s.locks[lockKey] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, lockKey)
		}
		s.mu.Unlock()
	}
}

func readMarker(dir string) (generationMarker, error) {
	var marker generationMarker
	raw, err := os.ReadFile(filepath.Join(dir, markerFile))
	if err != nil {
		return marker, err
	}
	if err := json.Unmarshal(raw, &marker); err != nil {
		return marker, fmt.Errorf("decode cache marker: %w", err)
	}
	return marker, nil
}

// writeAtomic 通过临时文件 + rename 写入，失败时清理临时文件。
func writeAtomic(ctx context.Context, filePath string, body io.Reader) error {
	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
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
