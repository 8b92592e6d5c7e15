package integration

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/gofiber/fiber/v3"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/egitim-takip/egitim-cache/internal/cache"
	"github.com/egitim-takip/egitim-cache/internal/config"
	"github.com/egitim-takip/egitim-cache/internal/proxy"
	"github.com/egitim-takip/egitim-cache/internal/server"
	"github.com/egitim-takip/egitim-cache/internal/server/routes"
	"github.com/egitim-takip/egitim-cache/internal/worker"
)

// testStack 串起 storage → fetcher → manager → Fiber app，与 main 中的装配顺序一致。
type testStack struct {
	app     *fiber.App
	manager *worker.Manager
	storage cache.Storage
	hook    *logtest.Hook
}

func newTestStack(t *testing.T, site *siteStub, driver, storageDir, version string) *testStack {
	t.Helper()
	storage, err := cache.NewStorage(driver, storageDir)
	if err != nil {
		t.Fatalf("storage error: %v", err)
	}
	t.Cleanup(func() { _ = storage.Close() })
	return newTestStackWithStorage(t, site, storage, version)
}

func newTestStackWithStorage(t *testing.T, site *siteStub, storage cache.Storage, version string) *testStack {
	t.Helper()

	origin, err := url.Parse(site.URL)
	if err != nil {
		t.Fatalf("origin parse error: %v", err)
	}
	cfg := &config.Config{Global: config.GlobalConfig{ListenPort: 5000}}

	logger, hook := logtest.NewNullLogger()
	fetcher, err := proxy.NewFetcher(server.NewUpstreamClient(cfg), origin)
	if err != nil {
		t.Fatalf("fetcher error: %v", err)
	}
	mgr, err := worker.NewManager(worker.Config{Version: version, Origin: origin}, storage, fetcher, logger)
	if err != nil {
		t.Fatalf("manager error: %v", err)
	}
	handler, err := proxy.NewHandler(mgr, origin, logger)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      proxy.NewForwarder(handler, mgr, logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}
	routes.RegisterStatusRoutes(app, mgr)
	return &testStack{app: app, manager: mgr, storage: storage, hook: hook}
}

func (s *testStack) start(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if err := s.manager.OnInstall(ctx); err != nil {
		t.Fatalf("install error: %v", err)
	}
	if err := s.manager.OnActivate(ctx); err != nil {
		t.Fatalf("activate error: %v", err)
	}
}

type stackResponse struct {
	status int
	source string
	body   string
}

func (s *testStack) do(t *testing.T, method, path string, headers map[string]string, body io.Reader) stackResponse {
	t.Helper()
	req := httptest.NewRequest(method, "http://127.0.0.1:5000"+path, body)
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp, err := s.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return stackResponse{status: resp.StatusCode, source: resp.Header.Get(proxy.CacheHeader), body: string(raw)}
}

func (s *testStack) get(t *testing.T, path string, headers map[string]string) stackResponse {
	t.Helper()
	return s.do(t, http.MethodGet, path, headers, nil)
}

var (
	documentHeaders = map[string]string{"Accept": "text/html,application/xhtml+xml", "Sec-Fetch-Mode": "navigate"}
	imageHeaders    = map[string]string{"Accept": "image/avif,image/webp", "Sec-Fetch-Dest": "image"}
)
