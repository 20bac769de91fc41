package gc

import (
	"context"
	"io"
	"net/url"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/asset-worker/internal/cache"
	"github.com/any-hub/asset-worker/internal/metrics"
)

func TestCollectPrunesStaleHashesAndDocuments(t *testing.T) {
	storage, store := newTestStore(t)
	ctx := context.Background()

	for _, seed := range []string{"1", "2", "3"} {
		putHash(t, store, hash(seed))
	}
	putDocument(t, store, store.ScopedKey("/index.html"), "old-build")
	putDocument(t, store, store.ScopedKey("/"), "new-build")
	putDocument(t, store, store.ScopedKey("/about.html"), "")

	collector := NewCollector(storage, store, discardLogger(), metrics.New())
	valid := map[string]struct{}{hash("2"): {}, hash("4"): {}}

	res := collector.Collect(ctx, valid, "new-build")
	if res.Hashes != 2 || res.EntryDocuments != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, err := store.GetByPath(ctx, "/index.html"); err == nil {
		t.Fatalf("stale entry document should be removed")
	}
	if _, err := store.GetByPath(ctx, "/"); err != nil {
		t.Fatalf("current entry document should survive: %v", err)
	}
	if _, err := store.GetByPath(ctx, "/about.html"); err != nil {
		t.Fatalf("untagged documents should survive: %v", err)
	}

	again := collector.Collect(ctx, valid, "new-build")
	if again != (Result{}) {
		t.Fatalf("second collection should delete nothing, got %+v", again)
	}
}

func TestCollectWithoutBuildKeepsDocuments(t *testing.T) {
	storage, store := newTestStore(t)
	putDocument(t, store, store.ScopedKey("/index.html"), "old-build")

	res := NewCollector(storage, store, discardLogger(), nil).Collect(context.Background(), nil, "")
	if res.EntryDocuments != 0 {
		t.Fatalf("documents must not be touched without a valid build, got %+v", res)
	}
}

func TestActivateRemovesOtherCaches(t *testing.T) {
	storage, store := newTestStore(t)
	if _, err := storage.Open("webfx-pwa-cache-v0"); err != nil {
		t.Fatalf("open legacy cache error: %v", err)
	}

	res := NewCollector(storage, store, discardLogger(), nil).Activate(context.Background(), nil, "")
	if res.Caches != 1 {
		t.Fatalf("expected one legacy cache removed, got %+v", res)
	}
	names, err := storage.Names()
	if err != nil {
		t.Fatalf("names error: %v", err)
	}
	if len(names) != 1 || names[0] != "webfx-pwa-cache" {
		t.Fatalf("only the active cache should remain, got %v", names)
	}
}

func newTestStore(t *testing.T) (cache.Storage, *cache.ContentStore) {
	t.Helper()
	storage, err := cache.NewStorage(t.TempDir())
	if err != nil {
		t.Fatalf("storage error: %v", err)
	}
	c, err := storage.Open("webfx-pwa-cache")
	if err != nil {
		t.Fatalf("open cache error: %v", err)
	}
	scope, _ := url.Parse("https://app.example.com/app/")
	store, err := cache.NewContentStore(c, scope, discardLogger())
	if err != nil {
		t.Fatalf("content store error: %v", err)
	}
	return storage, store
}

func putHash(t *testing.T, store *cache.ContentStore, h string) {
	t.Helper()
	if _, err := store.PutByHash(context.Background(), h, strings.NewReader(h), cache.PutOptions{}); err != nil {
		t.Fatalf("put hash error: %v", err)
	}
}

func putDocument(t *testing.T, store *cache.ContentStore, key, build string) {
	t.Helper()
	if _, err := store.PutExact(context.Background(), key, strings.NewReader("<html></html>"), cache.PutOptions{Tag: cache.BuildTag(build)}); err != nil {
		t.Fatalf("put document error: %v", err)
	}
}

func hash(seed string) string {
	return strings.Repeat(seed, 64)
}

func discardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
