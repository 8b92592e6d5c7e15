package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

const sqliteFileName = "cache.db"

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS caches (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS entries (
		cache_name TEXT NOT NULL,
		key TEXT NOT NULL,
		url TEXT NOT NULL,
		status INTEGER NOT NULL,
		status_text TEXT NOT NULL,
		type TEXT NOT NULL,
		headers BLOB,
		request_headers BLOB,
		body BLOB,
		stored_at INTEGER NOT NULL,
		PRIMARY KEY (cache_name, key)
	)`,
	`CREATE INDEX IF NOT EXISTS entries_key_idx ON entries (key)`,
}

// NewSQLiteStorage 在 basePath 下创建/打开 cache.db，所有缓存版本共用一个数据库文件。
func NewSQLiteStorage(basePath string) (Storage, error) {
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

	db, err := sql.Open("sqlite", filepath.Join(abs, sqliteFileName))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// 单连接避免并发写入时出现 SQLITE_BUSY。
	db.SetMaxOpenConns(1)

	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sqlite schema: %w", err)
		}
	}
	return &sqliteStorage{db: db}, nil
}

type sqliteStorage struct {
	db *sql.DB
}

type sqliteCache struct {
	db   *sql.DB
	name string
}

func (s *sqliteStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO caches (name, created_at) VALUES (?, ?)",
		name, time.Now().UTC().UnixNano())
	if err != nil {
		return nil, err
	}
	return &sqliteCache{db: s.db, name: name}, nil
}

func (s *sqliteStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	return cacheExists(ctx, s.db, name)
}

func (s *sqliteStorage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM caches ORDER BY id ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *sqliteStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM caches WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE cache_name = ?", name); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *sqliteStorage) Match(ctx context.Context, key string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT e.key, e.url, e.status, e.status_text, e.type, e.headers, e.request_headers, e.body, e.stored_at
		FROM entries e JOIN caches c ON c.name = e.cache_name
		WHERE e.key = ?
		ORDER BY c.id ASC
		LIMIT 1`, key)
	return scanEntry(row)
}

func (s *sqliteStorage) Close() error {
	return s.db.Close()
}

func (c *sqliteCache) Name() string {
	return c.name
}

func (c *sqliteCache) Match(ctx context.Context, key string) (*Entry, error) {
	ok, err := cacheExists(ctx, c.db, c.name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrCacheNotFound
	}
	row := c.db.QueryRowContext(ctx, `
		SELECT key, url, status, status_text, type, headers, request_headers, body, stored_at
		FROM entries WHERE cache_name = ? AND key = ?`, c.name, key)
	return scanEntry(row)
}

func (c *sqliteCache) Put(ctx context.Context, entry Entry) error {
	if entry.Key == "" {
		return errors.New("entry key required")
	}
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	headers, err := json.Marshal(entry.Header)
	if err != nil {
		return err
	}
	var requestHeaders []byte
	if len(entry.RequestHeader) > 0 {
		if requestHeaders, err = json.Marshal(entry.RequestHeader); err != nil {
			return err
		}
	}
	body := entry.Body
	if body == nil {
		body = []byte{}
	}
	res, err := c.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO entries (cache_name, key, url, status, status_text, type, headers, request_headers, body, stored_at)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM caches WHERE name = ?)`,
		c.name, entry.Key, entry.URL, entry.Status, entry.StatusText, entry.Type, headers, requestHeaders, body,
		entry.StoredAt.UnixNano(), c.name)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrCacheNotFound
	}
	return nil
}

func (c *sqliteCache) Delete(ctx context.Context, key string) (bool, error) {
	ok, err := cacheExists(ctx, c.db, c.name)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, ErrCacheNotFound
	}
	res, err := c.db.ExecContext(ctx, "DELETE FROM entries WHERE cache_name = ? AND key = ?", c.name, key)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (c *sqliteCache) Keys(ctx context.Context) ([]string, error) {
	ok, err := cacheExists(ctx, c.db, c.name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrCacheNotFound
	}
	rows, err := c.db.QueryContext(ctx, "SELECT key FROM entries WHERE cache_name = ? ORDER BY key ASC", c.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func cacheExists(ctx context.Context, db *sql.DB, name string) (bool, error) {
	var one int
	err := db.QueryRowContext(ctx, "SELECT 1 FROM caches WHERE name = ?", name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func scanEntry(row *sql.Row) (*Entry, error) {
	var (
		entry          Entry
		headers        []byte
		requestHeaders []byte
		storedAt       int64
	)
	err := row.Scan(&entry.Key, &entry.URL, &entry.Status, &entry.StatusText, &entry.Type, &headers, &requestHeaders, &entry.Body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &entry.Header); err != nil {
			return nil, fmt.Errorf("decode cached headers: %w", err)
		}
	}
	if len(requestHeaders) > 0 {
		if err := json.Unmarshal(requestHeaders, &entry.RequestHeader); err != nil {
			return nil, fmt.Errorf("decode cached request headers: %w", err)
		}
	}
	if entry.Header == nil {
		entry.Header = http.Header{}
	}
	if entry.Body == nil {
		entry.Body = []byte{}
	}
	entry.StoredAt = time.Unix(0, storedAt).UTC()
	return &entry, nil
}
