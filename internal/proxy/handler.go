package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/egitim-takip/egitim-cache/internal/logging"
	"github.com/egitim-takip/egitim-cache/internal/server"
	"github.com/egitim-takip/egitim-cache/internal/worker"
)

// CacheHeader 标记响应来源：hit、miss 或 fallback。
const CacheHeader = "X-Egitim-Cache"

// FetchLifecycle 是 Handler 依赖的 worker 能力，*worker.Manager 实现了它。
type FetchLifecycle interface {
	OnFetch(ctx context.Context, req *worker.Request) (*worker.Response, error)
	Version() string
}

// Handler 把 Fiber 请求翻译为 worker.Request，交给 OnFetch 处理后写回响应。
type Handler struct {
	worker FetchLifecycle
	origin *url.URL
	logger *logrus.Logger
}

// NewHandler constructs a proxy handler bound to the site origin.
func NewHandler(lifecycle FetchLifecycle, origin *url.URL, logger *logrus.Logger) (*Handler, error) {
	if lifecycle == nil {
		return nil, errors.New("worker is required")
	}
	if origin == nil || !origin.IsAbs() {
		return nil, errors.New("absolute origin url is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Handler{worker: lifecycle, origin: origin, logger: logger}, nil
}

// Handle 实现 server.ProxyHandler，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)

	req, err := h.buildRequest(c)
	if err != nil {
		h.logResult(c, nil, requestID, fiber.StatusBadRequest, "", started, err)
		return h.writeError(c, requestID, fiber.StatusBadRequest, "invalid_request")
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	resp, err := h.worker.OnFetch(ctx, req)
	if err != nil {
		if errors.Is(err, worker.ErrNetworkFailed) {
			h.logResult(c, req, requestID, fiber.StatusBadGateway, "", started, err)
			return h.writeError(c, requestID, fiber.StatusBadGateway, "network_failed")
		}
		h.logResult(c, req, requestID, fiber.StatusInternalServerError, "", started, err)
		return h.writeError(c, requestID, fiber.StatusInternalServerError, "cache_failed")
	}

	h.writeResponse(c, resp, requestID)
	h.logResult(c, req, requestID, resp.Status, resp.Source, started, nil)
	return nil
}

func (h *Handler) buildRequest(c fiber.Ctx) (*worker.Request, error) {
	target, err := url.ParseRequestURI(string(c.Request().RequestURI()))
	if err != nil {
		return nil, err
	}
	relative := &url.URL{Path: target.Path, RawPath: target.RawPath, RawQuery: target.RawQuery}
	if relative.Path == "" {
		relative.Path = "/"
	}

	method := strings.ToUpper(c.Method())
	header := fiberHeadersAsHTTP(c)
	req := &worker.Request{
		Method:      method,
		URL:         h.origin.ResolveReference(relative),
		Header:      header,
		Destination: inferDestination(method, header),
	}
	if body := c.Body(); len(body) > 0 {
		req.Body = append([]byte(nil), body...)
	}
	return req, nil
}

// inferDestination 优先使用 Sec-Fetch-Dest；导航请求或接受 text/html 的 GET 视为文档。
func inferDestination(method string, header http.Header) worker.Destination {
	if dest := strings.ToLower(strings.TrimSpace(header.Get("Sec-Fetch-Dest"))); dest != "" {
		if dest == "empty" {
			return worker.DestinationEmpty
		}
		return worker.Destination(dest)
	}
	if strings.EqualFold(header.Get("Sec-Fetch-Mode"), "navigate") {
		return worker.DestinationDocument
	}
	if method == http.MethodGet && strings.Contains(strings.ToLower(header.Get("Accept")), "text/html") {
		return worker.DestinationDocument
	}
	return worker.DestinationEmpty
}

func (h *Handler) writeResponse(c fiber.Ctx, resp *worker.Response, requestID string) {
	copyResponseHeaders(c, resp.Header)
	c.Set(CacheHeader, string(resp.Source))
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.Status)
	if c.Method() == http.MethodHead {
		return
	}
	c.Response().SetBodyRaw(resp.Body)
}

func (h *Handler) writeError(c fiber.Ctx, requestID string, status int, code string) error {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	c fiber.Ctx,
	req *worker.Request,
	requestID string,
	status int,
	source worker.Source,
	started time.Time,
	err error,
) {
	destination := ""
	path := string(c.Request().URI().Path())
	if req != nil {
		destination = string(req.Destination)
		path = req.URL.RequestURI()
	}
	fields := logging.RequestFields(h.worker.Version(), c.Method(), path, destination, string(source), status)
	fields["action"] = "proxy"
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// copyResponseHeaders 跳过 hop-by-hop 与长度头，长度由实际写出的正文决定。
func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	filtered := http.Header{}
	server.CopyHeaders(filtered, headers)
	filtered.Del("Content-Length")
	for key, values := range filtered {
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
}
