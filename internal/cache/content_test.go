package cache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
)

func TestContentStoreKeys(t *testing.T) {
	store := newTestContentStore(t, "https://app.example.com/app")

	if got := store.HashKey(testHash("1")); got != "https://app.example.com/app/"+testHash("1") {
		t.Fatalf("unexpected hash key %s", got)
	}
	if got := store.ScopedKey("/index.html"); got != "https://app.example.com/app/index.html" {
		t.Fatalf("unexpected scoped key %s", got)
	}
	if got := store.ScopedKey("main.js"); got != "https://app.example.com/app/main.js" {
		t.Fatalf("unexpected scoped key %s", got)
	}
}

func TestContentStorePutByHashRoundTrip(t *testing.T) {
	store := newTestContentStore(t, "https://app.example.com/")
	ctx := context.Background()
	hash := testHash("a")

	if store.HasHash(ctx, hash) {
		t.Fatalf("empty store should not contain hash")
	}
	entry, err := store.PutByHash(ctx, hash, strings.NewReader("console.log(1)"), PutOptions{})
	if err != nil {
		t.Fatalf("put error: %v", err)
	}
	if entry.Tag != hash {
		t.Fatalf("tag should default to hash, got %q", entry.Tag)
	}

	resp, err := store.GetByHash(ctx, hash)
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	defer resp.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "console.log(1)" || !resp.OK() {
		t.Fatalf("unexpected response %q status=%d", body, resp.Status)
	}
	if !store.HasHash(ctx, hash) {
		t.Fatalf("hash should be present")
	}
	if _, err := store.GetByHash(ctx, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty hash should miss, got %v", err)
	}
}

func TestDeleteHashesNotInPrunesPreviousVersion(t *testing.T) {
	store := newTestContentStore(t, "https://app.example.com/app/")
	ctx := context.Background()

	versionA := []string{testHash("1"), testHash("2"), testHash("3")}
	for _, hash := range versionA {
		putHash(t, store, hash)
	}
	unrelated := []string{
		store.ScopedKey("/index.html"),
		store.ScopedKey("/main.nocache.js"),
		"https://app.example.com/other/" + testHash("9"),
		store.ScopedKey("/nested/" + testHash("8")),
	}
	for _, key := range unrelated {
		if _, err := store.PutExact(ctx, key, bytes.NewReader([]byte("x")), PutOptions{}); err != nil {
			t.Fatalf("put error: %v", err)
		}
	}

	versionB := map[string]struct{}{testHash("2"): {}, testHash("4"): {}}
	putHash(t, store, testHash("4"))

	deleted, err := store.DeleteHashesNotIn(ctx, versionB)
	if err != nil {
		t.Fatalf("gc error: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 deletions, got %d", deleted)
	}

	keys, err := store.Keys(ctx)
	if err != nil {
		t.Fatalf("keys error: %v", err)
	}
	var hashes []string
	for _, key := range keys {
		if hash, ok := store.HashOf(key); ok {
			hashes = append(hashes, hash)
		}
	}
	if diff := cmp.Diff([]string{testHash("2"), testHash("4")}, hashes); diff != "" {
		t.Fatalf("remaining hashes mismatch (-want +got):\n%s", diff)
	}
	if len(keys) != 2+len(unrelated) {
		t.Fatalf("unrelated keys must survive, got %v", keys)
	}

	again, err := store.DeleteHashesNotIn(ctx, versionB)
	if err != nil || again != 0 {
		t.Fatalf("second run should delete nothing, got %d %v", again, err)
	}
}

func TestHashOfAcceptsUppercase(t *testing.T) {
	store := newTestContentStore(t, "https://app.example.com/")
	upper := strings.ToUpper(testHash("c"))
	if _, ok := store.HashOf("https://app.example.com/" + upper); !ok {
		t.Fatalf("uppercase hex should be recognized")
	}
	if _, ok := store.HashOf("https://app.example.com/" + testHash("c")[:63]); ok {
		t.Fatalf("63 characters must not be recognized")
	}
	if _, ok := store.HashOf("https://cdn.example.com/" + testHash("c")); ok {
		t.Fatalf("foreign origin must not be recognized")
	}
}

func testHash(seed string) string {
	return strings.Repeat(seed, 64)[:64]
}

func putHash(t *testing.T, store *ContentStore, hash string) {
	t.Helper()
	if _, err := store.PutByHash(context.Background(), hash, strings.NewReader(hash), PutOptions{}); err != nil {
		t.Fatalf("put %s error: %v", hash, err)
	}
}

func newTestContentStore(t *testing.T, scope string) *ContentStore {
	t.Helper()
	u, err := url.Parse(scope)
	if err != nil {
		t.Fatalf("parse scope: %v", err)
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	store, err := NewContentStore(newTestCache(t, "webfx-pwa-cache"), u, logger)
	if err != nil {
		t.Fatalf("content store error: %v", err)
	}
	return store
}

func TestBuildTagRoundTrip(t *testing.T) {
	if BuildTag("") != "" {
		t.Fatalf("empty timestamp should produce no tag")
	}
	build, ok := BuildOf(BuildTag("2024-05-01T10:00:00Z"))
	if !ok || build != "2024-05-01T10:00:00Z" {
		t.Fatalf("unexpected build %q %v", build, ok)
	}
	if _, ok := BuildOf(testHash("a")); ok {
		t.Fatalf("hash tags are not build tags")
	}
}
