package proxy

import (
	"bytes"
	"net/url"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"github.com/any-hub/asset-worker/internal/server"
)

const requestIDKey = "_assetworker_request_id"

type recordingHandler struct {
	name  string
	calls *[]string
}

func (h recordingHandler) Handle(c fiber.Ctx, _ *server.Route) error {
	*h.calls = append(*h.calls, h.name)
	return c.SendStatus(fiber.StatusNoContent)
}

func TestForwarderDispatchesByMethodAndScope(t *testing.T) {
	cases := []struct {
		method string
		uri    string
		want   string
	}{
		{fiber.MethodGet, "/app/main.js", "fetch"},
		{fiber.MethodGet, "/app", "fetch"},
		{fiber.MethodPost, "/app/api", "passthrough"},
		{fiber.MethodGet, "/other/page", "passthrough"},
		{fiber.MethodHead, "/app/main.js", "passthrough"},
	}
	for _, tc := range cases {
		var calls []string
		forwarder := NewForwarder(
			recordingHandler{name: "fetch", calls: &calls},
			recordingHandler{name: "passthrough", calls: &calls},
			logrus.New(),
		)

		app := fiber.New()
		fctx := new(fasthttp.RequestCtx)
		fctx.Request.Header.SetMethod(tc.method)
		fctx.Request.SetRequestURI(tc.uri)
		ctx := app.AcquireCtx(fctx)

		if err := forwarder.Handle(ctx, testRoute("/app/")); err != nil {
			t.Fatalf("%s %s: unexpected error %v", tc.method, tc.uri, err)
		}
		if len(calls) != 1 || calls[0] != tc.want {
			t.Fatalf("%s %s: expected %s, got %v", tc.method, tc.uri, tc.want, calls)
		}
		app.ReleaseCtx(ctx)
		_ = app.Shutdown()
	}
}

func TestForwarderMissingHandler(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()

	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)
	ctx.Locals(requestIDKey, "missing-req")
	ctx.Request().SetRequestURI("/app/main.js")

	logger := logrus.New()
	logBuf := &bytes.Buffer{}
	logger.SetOutput(logBuf)

	forwarder := NewForwarder(nil, nil, logger)
	if err := forwarder.Handle(ctx, testRoute("/app/")); err != nil {
		t.Fatalf("forwarder.Handle returned unexpected error: %v", err)
	}
	if status := ctx.Response().StatusCode(); status != fiber.StatusInternalServerError {
		t.Fatalf("expected 500 for missing handler, got %d", status)
	}
	if body := string(ctx.Response().Body()); !strings.Contains(body, "handler_missing") {
		t.Fatalf("expected error body to mention handler_missing, got %s", body)
	}
	if got := string(ctx.Response().Header.Peek("X-Request-ID")); got != "missing-req" {
		t.Fatalf("expected request id header missing-req, got %s", got)
	}
	if !strings.Contains(logBuf.String(), "missing-req") {
		t.Fatalf("expected log to include request id, got %s", logBuf.String())
	}
}

func TestForwarderHandlerPanic(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()
	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)
	ctx.Locals(requestIDKey, "panic-req")
	ctx.Request().SetRequestURI("/main.js")

	logger := logrus.New()
	logBuf := &bytes.Buffer{}
	logger.SetOutput(logBuf)

	panicking := server.ProxyHandlerFunc(func(fiber.Ctx, *server.Route) error {
		panic("boom")
	})
	forwarder := NewForwarder(panicking, panicking, logger)

	if err := forwarder.Handle(ctx, testRoute("/")); err != nil {
		t.Fatalf("forwarder.Handle returned unexpected error: %v", err)
	}
	if status := ctx.Response().StatusCode(); status != fiber.StatusInternalServerError {
		t.Fatalf("expected 500 for handler panic, got %d", status)
	}
	if body := string(ctx.Response().Body()); !strings.Contains(body, "handler_panic") {
		t.Fatalf("expected error body to mention handler_panic, got %s", body)
	}
	logs := logBuf.String()
	if !strings.Contains(logs, "handler_panic") || !strings.Contains(logs, "panic-req") {
		t.Fatalf("expected log to mention handler_panic and request id, got %s", logs)
	}
}

func testRoute(scope string) *server.Route {
	origin := &url.URL{Scheme: "https", Host: "app.example.com"}
	return &server.Route{
		Origin:     origin,
		ScopePath:  scope,
		ScopeURL:   &url.URL{Scheme: origin.Scheme, Host: origin.Host, Path: scope},
		ListenPort: 5000,
	}
}
