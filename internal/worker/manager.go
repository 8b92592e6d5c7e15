package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/egitim-takip/egitim-cache/internal/cache"
)

// DefaultVersion 是未配置时使用的缓存版本标签。
const DefaultVersion = "egitim-takip-v1"

// DefaultManifest 返回安装阶段默认预缓存的站点路径。
func DefaultManifest() []string {
	return []string{
		"/",
		"/static/logo.png",
		"/konu-takip",
		"/deneme-takip",
		"/kaynak-yonetimi",
		"/istatistikler",
	}
}

// Fetcher 代表网络回源能力；返回 error 即视为网络失败（离线、连接拒绝等）。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// Config 是启动时注入的 worker 参数，运行期间不可变。
type Config struct {
	// Version 是当前缓存版本名，修改它是使旧缓存失效的唯一方式。
	Version string
	// Manifest 为安装阶段需要预缓存的路径，相对 Origin 解析。
	Manifest []string
	// Origin 是站点根地址，预缓存路径与离线兜底都基于它解析。
	Origin *url.URL
	// OfflineFallback 是文档请求断网时返回的缓存路径，默认 "/"。
	OfflineFallback string
}

// Manager 实现 Lifecycle，负责版本标签、预缓存清单与三类事件处理。
type Manager struct {
	cfg     Config
	storage cache.Storage
	fetcher Fetcher
	logger  *logrus.Logger
	state   *stateTracker
}

var _ Lifecycle = (*Manager)(nil)

// NewManager 校验配置并构造 Manager，Manifest 为 nil 时使用 DefaultManifest。
func NewManager(cfg Config, storage cache.Storage, fetcher Fetcher, logger *logrus.Logger) (*Manager, error) {
	if storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.Origin == nil || !cfg.Origin.IsAbs() {
		return nil, errors.New("absolute origin url is required")
	}
	if cfg.Version == "" {
		cfg.Version = DefaultVersion
	}
	if cfg.Manifest == nil {
		cfg.Manifest = DefaultManifest()
	} else {
		cfg.Manifest = append([]string(nil), cfg.Manifest...)
	}
	if cfg.OfflineFallback == "" {
		cfg.OfflineFallback = "/"
	}
	return &Manager{
		cfg:     cfg,
		storage: storage,
		fetcher: fetcher,
		logger:  logger,
		state:   newStateTracker(),
	}, nil
}

// Version 返回当前缓存版本标签。
func (m *Manager) Version() string {
	return m.cfg.Version
}

// Manifest 返回预缓存清单的副本。
func (m *Manager) Manifest() []string {
	return append([]string(nil), m.cfg.Manifest...)
}

// State 返回当前生命周期阶段。
func (m *Manager) State() State {
	return m.state.get()
}

// Storage 返回共享的缓存存储，供诊断接口统计条目。
func (m *Manager) Storage() cache.Storage {
	return m.storage
}

// OnInstall 打开当前版本缓存并预缓存整个清单。任何一项拉取失败（网络错误或非 2xx）
// 都会使安装失败且本批次不写入任何条目，状态进入 redundant。
// 同一版本只安装一次：缓存中已包含完整清单时直接进入 installed，不再回源。
func (m *Manager) OnInstall(ctx context.Context) error {
	m.state.set(StateInstalling)
	if err := m.install(ctx); err != nil {
		m.state.set(StateRedundant)
		return err
	}
	m.state.set(StateInstalled)
	return nil
}

func (m *Manager) install(ctx context.Context) error {
	store, err := m.storage.Open(ctx, m.cfg.Version)
	if err != nil {
		return fmt.Errorf("open cache %s: %w", m.cfg.Version, err)
	}
	m.logger.WithFields(logrus.Fields{
		"action": "install",
		"cache":  m.cfg.Version,
	}).Info("cache_opened")

	requests := make([]*Request, len(m.cfg.Manifest))
	keys := make([]string, len(m.cfg.Manifest))
	for i, raw := range m.cfg.Manifest {
		req, err := m.resolve(raw)
		if err != nil {
			return fmt.Errorf("%w: manifest entry %q: %v", ErrInstallFailed, raw, err)
		}
		key, err := cache.RequestKey(req.Method, req.URL)
		if err != nil {
			return fmt.Errorf("%w: manifest entry %q: %v", ErrInstallFailed, raw, err)
		}
		requests[i] = req
		keys[i] = key
	}

	complete, err := manifestComplete(ctx, store, keys)
	if err != nil {
		return fmt.Errorf("%w: inspect cache %s: %w", ErrInstallFailed, m.cfg.Version, err)
	}
	if complete {
		m.logger.WithFields(logrus.Fields{
			"action":  "install",
			"cache":   m.cfg.Version,
			"entries": len(keys),
		}).Debug("precache_already_installed")
		return nil
	}

	// 任一清单项失败即取消其余拉取，与 addAll 的整体失败语义一致。
	responses := make([]*Response, len(requests))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, req := range requests {
		eg.Go(func() error {
			resp, err := m.fetcher.Fetch(egCtx, req)
			if err != nil {
				return fmt.Errorf("%s: %w", req.URL, err)
			}
			if !resp.OK() {
				return fmt.Errorf("%s: unexpected status %d", req.URL, resp.Status)
			}
			responses[i] = resp
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	stored := make([]string, 0, len(requests))
	for i, req := range requests {
		if err := store.Put(ctx, responses[i].toEntry(keys[i], req.Header)); err != nil {
			m.rollback(store, stored)
			return fmt.Errorf("%w: store %s: %w", ErrInstallFailed, req.URL, err)
		}
		stored = append(stored, keys[i])
	}
	return nil
}

// manifestComplete 判断清单中的每个 key 是否都已存在于缓存中。
func manifestComplete(ctx context.Context, store cache.Cache, keys []string) (bool, error) {
	if len(keys) == 0 {
		return false, nil
	}
	for _, key := range keys {
		_, err := store.Match(ctx, key)
		if errors.Is(err, cache.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
	}
	return true, nil
}

// rollback 尽力删除本批次已写入的条目，维持 addAll 的全有或全无语义。
func (m *Manager) rollback(store cache.Cache, keys []string) {
	ctx := context.Background()
	for _, key := range keys {
		if _, err := store.Delete(ctx, key); err != nil {
			m.logger.WithError(err).WithFields(logrus.Fields{
				"action": "install",
				"cache":  m.cfg.Version,
				"key":    key,
			}).Warn("cache_rollback_failed")
		}
	}
}

// OnFetch 先查缓存，未命中则回源；仅 GET + 200 + basic 的网络响应会被克隆写入当前版本缓存。
// 回源失败时，文档请求退回缓存中的 OfflineFallback，其它请求返回 ErrNetworkFailed。
func (m *Manager) OnFetch(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("request with url is required")
	}

	key, keyErr := cache.RequestKey(req.Method, req.URL)
	if keyErr == nil {
		entry, err := m.storage.Match(ctx, key)
		switch {
		case err == nil && entry.VaryMatches(req.Header):
			return responseFromEntry(entry, SourceCache), nil
		case err == nil, errors.Is(err, cache.ErrNotFound):
			// Vary 不一致按未命中处理。
		default:
			return nil, fmt.Errorf("match cache: %w", err)
		}
	}

	resp, err := m.fetcher.Fetch(ctx, req)
	if err != nil {
		return m.offlineFallback(ctx, req, err)
	}
	resp.Source = SourceNetwork

	if resp.Type != TypeBasic || resp.Status != http.StatusOK || !req.IsGet() || keyErr != nil {
		return resp, nil
	}

	m.put(ctx, key, req.Header, resp.Clone())
	return resp, nil
}

// put 写入当前版本缓存；写入失败只记录告警，不影响本次响应。
func (m *Manager) put(ctx context.Context, key string, reqHeader http.Header, resp *Response) {
	store, err := m.storage.Open(ctx, m.cfg.Version)
	if err == nil {
		err = store.Put(ctx, resp.toEntry(key, reqHeader))
	}
	if err != nil {
		m.logger.WithError(err).WithFields(logrus.Fields{
			"action": "fetch",
			"cache":  m.cfg.Version,
			"key":    key,
		}).Warn("cache_put_failed")
	}
}

func (m *Manager) offlineFallback(ctx context.Context, req *Request, cause error) (*Response, error) {
	failure := fmt.Errorf("%w: %s %s: %w", ErrNetworkFailed, req.Method, req.URL, cause)
	if req.Destination != DestinationDocument {
		return nil, failure
	}
	fallback, err := m.resolve(m.cfg.OfflineFallback)
	if err != nil {
		return nil, failure
	}
	key, err := cache.RequestKey(http.MethodGet, fallback.URL)
	if err != nil {
		return nil, failure
	}
	entry, err := m.storage.Match(ctx, key)
	if err != nil || !entry.VaryMatches(fallback.Header) {
		return nil, failure
	}
	return responseFromEntry(entry, SourceFallback), nil
}

// OnActivate 删除所有名字不等于当前版本标签的缓存，并等待全部删除结束。
// 删除失败不会重试，每个失败都被收集并合并返回；无论成败 worker 都进入 activated。
func (m *Manager) OnActivate(ctx context.Context) error {
	m.state.set(StateActivating)
	defer m.state.set(StateActivated)

	names, err := m.storage.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list caches: %w", err)
	}

	errs := make([]error, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		if name == m.cfg.Version {
			continue
		}
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			m.logger.WithFields(logrus.Fields{
				"action": "activate",
				"cache":  name,
			}).Info("stale_cache_deleted")
			if _, err := m.storage.Delete(ctx, name); err != nil {
				errs[i] = fmt.Errorf("delete cache %s: %w", name, err)
			}
		}(i, name)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (m *Manager) resolve(raw string) (*Request, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	return &Request{
		Method: http.MethodGet,
		URL:    m.cfg.Origin.ResolveReference(ref),
		Header: http.Header{},
	}, nil
}

// CacheSummary 是单个缓存版本的条目统计。
type CacheSummary struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Current bool   `json:"current"`
}

// Summaries 按创建顺序列出全部缓存及其条目数，供诊断接口使用。
func (m *Manager) Summaries(ctx context.Context) ([]CacheSummary, error) {
	names, err := m.storage.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list caches: %w", err)
	}
	summaries := make([]CacheSummary, 0, len(names))
	for _, name := range names {
		ok, err := m.storage.Has(ctx, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		store, err := m.storage.Open(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("open cache %s: %w", name, err)
		}
		keys, err := store.Keys(ctx)
		if err != nil && !errors.Is(err, cache.ErrCacheNotFound) {
			return nil, fmt.Errorf("list entries of %s: %w", name, err)
		}
		summaries = append(summaries, CacheSummary{
			Name:    name,
			Entries: len(keys),
			Current: name == m.cfg.Version,
		})
	}
	return summaries, nil
}
