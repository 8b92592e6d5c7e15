package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/egitim-takip/egitim-cache/internal/cache"
)

// siteFetcher 模拟 egitim-takip 站点：默认清单路径均返回 200 basic。
type siteFetcher struct {
	mu        sync.Mutex
	responses map[string]*Response
	failing   map[string]bool
	counts    map[string]int
	offline   bool
}

func newSiteFetcher() *siteFetcher {
	f := &siteFetcher{
		responses: make(map[string]*Response),
		failing:   make(map[string]bool),
		counts:    make(map[string]int),
	}
	for _, p := range DefaultManifest() {
		f.responses[p] = &Response{
			Status:     http.StatusOK,
			StatusText: "OK",
			Type:       TypeBasic,
			Header:     http.Header{"Content-Type": {"text/html; charset=utf-8"}},
			Body:       []byte(siteBody(p)),
		}
	}
	return f
}

func siteBody(p string) string {
	return "<html>" + p + "</html>"
}

func (f *siteFetcher) Fetch(ctx context.Context, req *Request) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[req.URL.String()]++
	if f.offline || f.failing[req.URL.Path] {
		return nil, errors.New("dial tcp: connection refused")
	}
	resp, ok := f.responses[req.URL.Path]
	if !ok {
		return &Response{Status: http.StatusNotFound, StatusText: "Not Found", Type: TypeBasic, Header: http.Header{}, URL: req.URL.String()}, nil
	}
	cloned := resp.Clone()
	cloned.URL = req.URL.String()
	return cloned, nil
}

func (f *siteFetcher) set(p string, resp *Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[p] = resp
}

func (f *siteFetcher) remove(p string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.responses, p)
}

func (f *siteFetcher) failPath(p string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[p] = true
}

func (f *siteFetcher) setOffline(offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = offline
}

func (f *siteFetcher) calls(u string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[u]
}

func (f *siteFetcher) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.counts {
		total += n
	}
	return total
}

var errInjected = errors.New("injected storage failure")

// flakyStorage 在指定操作上注入故障，其余操作透传给内部存储。
type flakyStorage struct {
	cache.Storage
	failOpen     bool
	failMatch    bool
	failDelete   bool
	failPutAfter int32
	puts         atomic.Int32
}

func (s *flakyStorage) Open(ctx context.Context, name string) (cache.Cache, error) {
	if s.failOpen {
		return nil, errInjected
	}
	c, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	if s.failPutAfter > 0 {
		return &flakyCache{Cache: c, owner: s}, nil
	}
	return c, nil
}

func (s *flakyStorage) Match(ctx context.Context, key string) (*cache.Entry, error) {
	if s.failMatch {
		return nil, errInjected
	}
	return s.Storage.Match(ctx, key)
}

func (s *flakyStorage) Delete(ctx context.Context, name string) (bool, error) {
	if s.failDelete {
		return false, errInjected
	}
	return s.Storage.Delete(ctx, name)
}

type flakyCache struct {
	cache.Cache
	owner *flakyStorage
}

func (c *flakyCache) Put(ctx context.Context, entry cache.Entry) error {
	if c.owner.puts.Add(1) > c.owner.failPutAfter {
		return errInjected
	}
	return c.Cache.Put(ctx, entry)
}

// hangingFetcher 对 hang 中的路径一直阻塞到 ctx 取消，其余请求交给内部 fetcher。
type hangingFetcher struct {
	Fetcher
	hang    map[string]bool
	started chan struct{}
}

func (f *hangingFetcher) Fetch(ctx context.Context, req *Request) (*Response, error) {
	if !f.hang[req.URL.Path] {
		return f.Fetcher.Fetch(ctx, req)
	}
	f.started <- struct{}{}
	<-ctx.Done()
	return nil, ctx.Err()
}
