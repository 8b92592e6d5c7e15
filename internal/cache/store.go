package cache

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Storage 管理全部命名缓存（每个名字即一个缓存版本），进程内共享一份实例。
type Storage interface {
	// Open 打开指定名字的缓存，不存在时自动创建。
	Open(ctx context.Context, name string) (Cache, error)

	// Has 判断指定名字的缓存是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Keys 按创建顺序返回所有缓存名。
	Keys(ctx context.Context) ([]string, error)

	// Delete 整体删除一个缓存及其全部条目，返回该缓存此前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Match 按创建顺序在所有缓存中查找 key，命中第一个即返回；未命中返回 ErrNotFound。
	Match(ctx context.Context, key string) (*Entry, error)

	// Close 释放底层资源（文件句柄、数据库连接等）。
	Close() error
}

// Cache 表示单个缓存版本，条目以请求标识（规范化后的 GET URL）为键。
type Cache interface {
	Name() string

	// Match 返回 key 对应的条目；不存在时返回 ErrNotFound。
	Match(ctx context.Context, key string) (*Entry, error)

	// Put 写入条目，同 key 覆盖旧值。缓存已被删除时返回 ErrCacheNotFound。
	Put(ctx context.Context, entry Entry) error

	// Delete 删除单个条目，返回条目此前是否存在。缓存已被删除时返回 ErrCacheNotFound。
	Delete(ctx context.Context, key string) (bool, error)

	// Keys 返回当前缓存内所有条目的 key。
	Keys(ctx context.Context) ([]string, error)
}

// Entry 是一条被持久化的响应快照，正文已完整物化，可被多次读取。
type Entry struct {
	Key        string      `json:"key"`
	URL        string      `json:"url"`
	Status     int         `json:"status"`
	StatusText string      `json:"status_text"`
	Type       string      `json:"type"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"-"`
	StoredAt   time.Time   `json:"stored_at"`
	// RequestHeader 保存写入时被响应 Vary 点名的请求头，命中时据此比较。
	RequestHeader http.Header `json:"request_header,omitempty"`
}

// Clone 返回条目的深拷贝，调用方可以随意修改而不影响存储内容。
func (e Entry) Clone() Entry {
	cloned := e
	cloned.Header = e.Header.Clone()
	if cloned.Header == nil {
		cloned.Header = http.Header{}
	}
	cloned.RequestHeader = e.RequestHeader.Clone()
	if e.Body != nil {
		cloned.Body = append([]byte(nil), e.Body...)
	}
	return cloned
}

var (
	// ErrNotFound 表示缓存条目不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrCacheNotFound 表示目标缓存（版本）不存在或已被删除。
	ErrCacheNotFound = errors.New("cache not found")
	// ErrInvalidName 表示缓存名为空或包含非法字符。
	ErrInvalidName = errors.New("invalid cache name")
)

const (
	DriverFS     = "fs"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// NewStorage 根据 driver 构建存储实例，basePath 对 memory 驱动无意义。
func NewStorage(driver, basePath string) (Storage, error) {
	switch driver {
	case "", DriverFS:
		return NewFileStorage(basePath)
	case DriverSQLite:
		return NewSQLiteStorage(basePath)
	case DriverMemory:
		return NewMemoryStorage(), nil
	default:
		return nil, errors.New("unsupported store driver: " + driver)
	}
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return ErrInvalidName
	}
	return nil
}

// matchInOrder 依次在各缓存中查找 key，lookup 返回 ErrNotFound/ErrCacheNotFound 时继续下一个。
func matchInOrder(ctx context.Context, names []string, key string, lookup func(context.Context, string, string) (*Entry, error)) (*Entry, error) {
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entry, err := lookup(ctx, name, key)
		switch {
		case err == nil:
			return entry, nil
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrCacheNotFound):
			continue
		default:
			return nil, err
		}
	}
	return nil, ErrNotFound
}
