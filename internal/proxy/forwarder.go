package proxy

import (
	"fmt"
	"net/http"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/asset-worker/internal/logging"
	"github.com/any-hub/asset-worker/internal/server"
)

// Forwarder 决定请求由谁处理：作用域内的 GET 交给 fetch handler，其余交给 passthrough。
type Forwarder struct {
	fetch       server.ProxyHandler
	passthrough server.ProxyHandler
	logger      *logrus.Logger
}

// NewForwarder 创建 Forwarder，fetch 与 passthrough 都不能为空。
func NewForwarder(fetch, passthrough server.ProxyHandler, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		fetch:       fetch,
		passthrough: passthrough,
		logger:      logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx, route *server.Route) error {
	requestID := server.RequestID(c)
	handler := f.lookup(c, route)
	if handler == nil {
		f.logHandlerError(c, route, "handler_missing", nil, requestID)
		setRequestIDHeader(c, requestID)
		return c.Status(fiber.StatusInternalServerError).
			JSON(fiber.Map{"error": "handler_missing"})
	}
	return f.invokeHandler(c, route, handler, requestID)
}

func (f *Forwarder) lookup(c fiber.Ctx, route *server.Route) server.ProxyHandler {
	if c.Method() == http.MethodGet && route.Contains(requestPath(c)) {
		return f.fetch
	}
	return f.passthrough
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, route *server.Route, handler server.ProxyHandler, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondHandlerPanic(c, route, r, requestID)
		}
	}()
	return handler.Handle(c, route)
}

func (f *Forwarder) respondHandlerPanic(c fiber.Ctx, route *server.Route, recovered interface{}, requestID string) error {
	f.logHandlerError(c, route, "handler_panic", fmt.Errorf("panic: %v", recovered), requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "handler_panic"})
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (f *Forwarder) logHandlerError(c fiber.Ctx, route *server.Route, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := logging.RequestFields(scopeOf(route), requestPath(c), "", "", false)
	fields["action"] = "proxy"
	fields["error"] = code
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("proxy handler unavailable")
}
