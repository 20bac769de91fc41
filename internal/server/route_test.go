package server

import (
	"testing"

	"github.com/any-hub/asset-worker/internal/config"
)

func TestNewRouteNormalizesScope(t *testing.T) {
	route := newTestRoute(t, "https://app.example.com/ignored?x=1", "app")

	if route.Origin.String() != "https://app.example.com" {
		t.Fatalf("unexpected origin %s", route.Origin)
	}
	if route.ScopePath != "/app/" {
		t.Fatalf("unexpected scope path %s", route.ScopePath)
	}
	if route.ScopeURL.String() != "https://app.example.com/app/" {
		t.Fatalf("unexpected scope url %s", route.ScopeURL)
	}
	if route.ListenPort != 5000 {
		t.Fatalf("listen port mismatch: %d", route.ListenPort)
	}
}

func TestRouteContainsAndManifestPath(t *testing.T) {
	route := newTestRoute(t, "https://app.example.com", "/app/")

	cases := []struct {
		path     string
		contains bool
		manifest string
	}{
		{"/app/", true, "/"},
		{"/app", true, "/"},
		{"/app/index.html", true, "/index.html"},
		{"/app/js/main.js", true, "/js/main.js"},
		{"/other/main.js", false, "/other/main.js"},
		{"/application", false, "/application"},
	}
	for _, tc := range cases {
		if got := route.Contains(tc.path); got != tc.contains {
			t.Fatalf("Contains(%s) = %v, want %v", tc.path, got, tc.contains)
		}
		if got := route.ManifestPath(tc.path); got != tc.manifest {
			t.Fatalf("ManifestPath(%s) = %s, want %s", tc.path, got, tc.manifest)
		}
	}
}

func TestRootScopeManifestPathIsIdentity(t *testing.T) {
	route := newTestRoute(t, "https://app.example.com", "")
	if !route.Contains("/anything") || route.ManifestPath("/main.js") != "/main.js" {
		t.Fatalf("root scope should contain every path unchanged")
	}
}

func TestNewRouteRejectsRelativeOrigin(t *testing.T) {
	cfg := &config.Config{Worker: config.WorkerConfig{Origin: "app.example.com"}}
	if _, err := NewRoute(cfg); err == nil {
		t.Fatalf("expected error for relative origin")
	}
}

func newTestRoute(t *testing.T, origin, scope string) *Route {
	t.Helper()
	cfg := &config.Config{
		Global: config.GlobalConfig{ListenPort: 5000},
		Worker: config.WorkerConfig{Origin: origin, Scope: scope},
	}
	route, err := NewRoute(cfg)
	if err != nil {
		t.Fatalf("route error: %v", err)
	}
	return route
}
