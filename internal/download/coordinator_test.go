package download

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	sha256 "github.com/minio/sha256-simd"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/asset-worker/internal/cache"
	"github.com/any-hub/asset-worker/internal/manifest"
	"github.com/any-hub/asset-worker/internal/progress"
	"github.com/any-hub/asset-worker/internal/upstream"
)

func TestGetOrFetchDeduplicatesConcurrentRequests(t *testing.T) {
	var hits int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		<-release
		w.Write([]byte("shared-body"))
	}))
	defer srv.Close()

	hash := strings.Repeat("a", 64)
	asset := manifest.Asset{Path: "/app.js", Size: 11}
	env := newTestEnv(t, srv, indexOf(hash, asset), time.Minute, false)

	const requesters = 8
	var wg sync.WaitGroup
	bodies := make([]string, requesters)
	for i := 0; i < requesters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := env.coord.GetOrFetch(context.Background(), hash, asset)
			if err != nil {
				t.Errorf("fetch %d error: %v", i, err)
				return
			}
			defer resp.Close()
			data, _ := io.ReadAll(resp.Body)
			bodies[i] = string(data)
		}(i)
	}
	// 给所有请求方加入 flight 的时间，再放行上游响应。
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("expected exactly one upstream fetch, got %d", got)
	}
	for i, body := range bodies {
		if body != "shared-body" {
			t.Fatalf("requester %d got %q", i, body)
		}
	}
}

func TestGetOrFetchPersistsVerifiedContent(t *testing.T) {
	payload := []byte("console.log('app')")
	hash := sha256Of(payload)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Cache-Control") != "no-cache" || r.Header.Get("Accept-Encoding") != "gzip" {
			t.Errorf("unexpected request headers: %v", r.Header)
		}
		w.Write(payload)
	}))
	defer srv.Close()

	asset := manifest.Asset{Path: "/app.js"}
	env := newTestEnv(t, srv, indexOf(hash, asset), 0, true)

	drain(t, env.coord, hash, asset)
	if !env.store.HasHash(context.Background(), hash) {
		t.Fatalf("verified download should be persisted by hash")
	}
}

func TestGetOrFetchVerifiesGzipBodies(t *testing.T) {
	payload := []byte(strings.Repeat("compressible ", 100))
	hash := sha256Of(payload)
	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	zw.Write(payload)
	zw.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Length", strconv.Itoa(gz.Len()))
		w.Write(gz.Bytes())
	}))
	defer srv.Close()

	asset := manifest.Asset{Path: "/big.txt", Size: int64(len(payload)), GzipSize: int64(gz.Len())}
	env := newTestEnv(t, srv, indexOf(hash, asset), 0, true)

	body := drain(t, env.coord, hash, asset)
	if !bytes.Equal(body, gz.Bytes()) {
		t.Fatalf("requester should receive the wire bytes unchanged")
	}
	resp, err := env.store.GetByHash(context.Background(), hash)
	if err != nil {
		t.Fatalf("gzip body should be persisted: %v", err)
	}
	defer resp.Close()
	if resp.Header.Get("Content-Encoding") != "gzip" {
		t.Fatalf("stored entry should keep content encoding")
	}
}

func TestGetOrFetchRejectsHashMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tampered"))
	}))
	defer srv.Close()

	hash := sha256Of([]byte("original"))
	asset := manifest.Asset{Path: "/app.js"}
	env := newTestEnv(t, srv, indexOf(hash, asset), 0, true)

	if body := drain(t, env.coord, hash, asset); string(body) != "tampered" {
		t.Fatalf("requester still receives the body, got %q", body)
	}
	if env.store.HasHash(context.Background(), hash) {
		t.Fatalf("mismatched content must not be persisted")
	}
}

func TestGetOrFetchNonOKIsNotPersisted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	hash := strings.Repeat("b", 64)
	asset := manifest.Asset{Path: "/gone.js", Size: 500}
	env := newTestEnv(t, srv, indexOf(hash, asset), 0, false)

	resp, err := env.coord.GetOrFetch(context.Background(), hash, asset)
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	io.ReadAll(resp.Body)
	resp.Close()
	env.coord.Wait()

	if resp.Status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Status)
	}
	if env.store.HasHash(context.Background(), hash) {
		t.Fatalf("non-OK responses must not be persisted")
	}
	if snap := env.tracker.Snapshot(); snap.Total != 0 || snap.Downloaded != 0 {
		t.Fatalf("non-OK responses must not touch progress, got %+v", snap)
	}
}

func TestGetOrFetchNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	env := newTestEnv(t, srv, manifest.Index{}, 0, false)
	srv.Close()

	_, err := env.coord.GetOrFetch(context.Background(), strings.Repeat("c", 64), manifest.Asset{Path: "/x.js"})
	if err == nil {
		t.Fatalf("expected network error")
	}
}

func TestFlightEvictedAfterGrace(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	hash := strings.Repeat("d", 64)
	asset := manifest.Asset{Path: "/x.js"}
	env := newTestEnv(t, srv, indexOf(hash, asset), 20*time.Millisecond, false)

	drain(t, env.coord, hash, asset)
	deadline := time.Now().Add(2 * time.Second)
	for env.coord.InFlight() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("flight should be evicted after the grace period")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGetOrFetchSurvivesCallerCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte("late"))
	}))
	defer srv.Close()

	hash := strings.Repeat("e", 64)
	asset := manifest.Asset{Path: "/late.js"}
	env := newTestEnv(t, srv, indexOf(hash, asset), time.Minute, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := env.coord.GetOrFetch(ctx, hash, asset); err == nil {
		t.Fatalf("cancelled caller should stop waiting")
	}
	close(release)
	if body := drain(t, env.coord, hash, asset); string(body) != "late" {
		t.Fatalf("shared download should continue, got %q", body)
	}
}

type testEnv struct {
	coord   *Coordinator
	store   *cache.ContentStore
	tracker *progress.Tracker
	sub     *progress.Subscription
}

func newTestEnv(t *testing.T, srv *httptest.Server, index manifest.Index, grace time.Duration, verify bool) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	storage, err := cache.NewStorage(t.TempDir())
	if err != nil {
		t.Fatalf("storage error: %v", err)
	}
	c, err := storage.Open("webfx-pwa-cache")
	if err != nil {
		t.Fatalf("open cache error: %v", err)
	}
	scope, _ := url.Parse(srv.URL + "/")
	store, err := cache.NewContentStore(c, scope, logger)
	if err != nil {
		t.Fatalf("content store error: %v", err)
	}
	fetcher, err := upstream.NewFetcher(srv.Client(), srv.URL)
	if err != nil {
		t.Fatalf("fetcher error: %v", err)
	}

	hub := progress.NewHub()
	sub := hub.Subscribe()
	tracker := progress.NewTracker()
	coord, err := New(Options{
		Fetcher:     fetcher,
		Store:       store,
		Index:       index,
		Reporter:    progress.NewReporter(tracker, hub, nil, logger),
		Logger:      logger,
		Grace:       grace,
		Concurrency: 2,
		Verify:      verify,
	})
	if err != nil {
		t.Fatalf("coordinator error: %v", err)
	}
	t.Cleanup(coord.Close)
	return &testEnv{coord: coord, store: store, tracker: tracker, sub: sub}
}

func indexOf(hash string, asset manifest.Asset) manifest.Index {
	return manifest.Index{
		Hashes: manifest.HashIndex{hash: asset},
		Paths:  manifest.PathIndex{asset.Path: hash},
	}
}

func drain(t *testing.T, coord *Coordinator, hash string, asset manifest.Asset) []byte {
	t.Helper()
	resp, err := coord.GetOrFetch(context.Background(), hash, asset)
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	defer resp.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	return body
}

func sha256Of(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
