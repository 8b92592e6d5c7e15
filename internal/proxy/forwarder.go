package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/egitim-takip/egitim-cache/internal/server"
	"github.com/egitim-takip/egitim-cache/internal/worker"
)

// StateReader 报告 worker 当前所处的生命周期阶段。
type StateReader interface {
	State() worker.State
}

// Forwarder 在 worker 激活前拦截请求（503），激活后转交给 handler，并把 handler 的 panic 转为 500。
type Forwarder struct {
	handler server.ProxyHandler
	state   StateReader
	logger  *logrus.Logger
}

// NewForwarder 创建 Forwarder；handler 为空时所有请求返回 500。
func NewForwarder(handler server.ProxyHandler, state StateReader, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		handler: handler,
		state:   state,
		logger:  logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx) error {
	requestID := server.RequestID(c)
	state := worker.StateParsed
	if f.state != nil {
		state = f.state.State()
	}
	if err := worker.RequireActive(state); err != nil {
		return f.respondNotActive(c, err, state, requestID)
	}
	if f.handler == nil {
		return f.respondMissingHandler(c, requestID)
	}
	return f.invokeHandler(c, requestID)
}

func (f *Forwarder) respondNotActive(c fiber.Ctx, err error, state worker.State, requestID string) error {
	fields := f.requestFields(c, requestID)
	fields["state"] = state
	if f.logger != nil {
		f.logger.WithError(err).WithFields(fields).Warn("worker_not_active")
	}
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusServiceUnavailable).
		JSON(fiber.Map{"error": "worker_not_active"})
}

func (f *Forwarder) respondMissingHandler(c fiber.Ctx, requestID string) error {
	f.logError(c, "proxy_handler_missing", nil, requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "proxy_handler_missing"})
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondHandlerPanic(c, r, requestID)
		}
	}()
	return f.handler.Handle(c)
}

func (f *Forwarder) respondHandlerPanic(c fiber.Ctx, recovered interface{}, requestID string) error {
	f.logError(c, "proxy_handler_panic", fmt.Errorf("panic: %v", recovered), requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "proxy_handler_panic"})
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (f *Forwarder) logError(c fiber.Ctx, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := f.requestFields(c, requestID)
	fields["error"] = code
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("proxy handler unavailable")
}

func (f *Forwarder) requestFields(c fiber.Ctx, requestID string) logrus.Fields {
	fields := logrus.Fields{
		"action": "proxy",
		"method": c.Method(),
		"path":   string(c.Request().URI().Path()),
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}
