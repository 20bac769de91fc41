package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/any-hub/asset-worker/internal/config"
)

func TestNewClientUsesConfigTimeout(t *testing.T) {
	cfg := &config.Config{
		Global: config.GlobalConfig{
			UpstreamTimeout: config.Duration(45 * time.Second),
		},
	}

	client := NewClient(cfg)
	if client.Timeout != 45*time.Second {
		t.Fatalf("expected timeout 45s, got %s", client.Timeout)
	}
	if NewClient(&config.Config{}).Timeout != 0 {
		t.Fatalf("zero config should leave timeout to the transport")
	}
}

func TestNewClientDisablesCompression(t *testing.T) {
	transport, ok := NewClient(nil).Transport.(*http.Transport)
	if !ok || !transport.DisableCompression {
		t.Fatalf("transport must keep gzip bodies intact")
	}
}

func TestCopyHeadersSkipsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Add("Connection", "keep-alive")
	src.Add("Keep-Alive", "timeout=5")
	src.Add("X-Test-Header", "1")
	src.Add("x-test-header", "2")

	dst := http.Header{}
	CopyHeaders(dst, src)

	if _, exists := dst["Connection"]; exists {
		t.Fatalf("connection header should not be copied")
	}
	if _, exists := dst["Keep-Alive"]; exists {
		t.Fatalf("keep-alive header should not be copied")
	}

	got := dst.Values("X-Test-Header")
	if len(got) != 2 {
		t.Fatalf("expected 2 values, got %v", got)
	}
}

func TestFetcherResolvesAgainstOrigin(t *testing.T) {
	var gotPath, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.RequestURI()
		gotHeader = r.Header.Get("Cache-Control")
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	fetcher, err := NewFetcher(srv.Client(), srv.URL+"/ignored/path")
	if err != nil {
		t.Fatalf("fetcher error: %v", err)
	}
	body, err := fetcher.ReadAll(context.Background(), "app/main.js?v=1", http.Header{"Cache-Control": []string{"no-cache"}})
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if string(body) != "ok" || gotPath != "/app/main.js?v=1" || gotHeader != "no-cache" {
		t.Fatalf("unexpected request path=%s header=%s body=%s", gotPath, gotHeader, body)
	}
}

func TestFetcherReadAllRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	fetcher, err := NewFetcher(srv.Client(), srv.URL)
	if err != nil {
		t.Fatalf("fetcher error: %v", err)
	}
	if _, err := fetcher.ReadAll(context.Background(), "/missing", nil); err == nil {
		t.Fatalf("expected status error")
	}
}

func TestNewFetcherRequiresAbsoluteOrigin(t *testing.T) {
	if _, err := NewFetcher(http.DefaultClient, "app.example.com"); err == nil {
		t.Fatalf("expected error for relative origin")
	}
}
