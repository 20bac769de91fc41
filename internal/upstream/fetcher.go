package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Fetcher 以配置的 origin 为基准发起请求。
type Fetcher struct {
	client *http.Client
	origin *url.URL
}

// NewFetcher 构造 Fetcher，origin 仅保留 scheme 与 host。
func NewFetcher(client *http.Client, origin string) (*Fetcher, error) {
	if client == nil {
		return nil, errors.New("http client required")
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("origin %q must be absolute", origin)
	}
	return &Fetcher{
		client: client,
		origin: &url.URL{Scheme: parsed.Scheme, Host: parsed.Host},
	}, nil
}

// Origin 返回 origin 根 URL 的副本。
func (f *Fetcher) Origin() *url.URL {
	clone := *f.origin
	return &clone
}

// Resolve 将站内路径（可含查询串）或绝对 URL 解析为 origin 下的绝对地址。
func (f *Fetcher) Resolve(ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	if !strings.HasPrefix(ref, "/") {
		ref = "/" + ref
	}
	return f.origin.Scheme + "://" + f.origin.Host + ref
}

// Do 发起请求，header 会被完整复制到上游请求。
func (f *Fetcher) Do(ctx context.Context, method, ref string, header http.Header, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, f.Resolve(ref), body)
	if err != nil {
		return nil, err
	}
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	return f.client.Do(req)
}

// Get 是 Do 的 GET 简写。
func (f *Fetcher) Get(ctx context.Context, ref string, header http.Header) (*http.Response, error) {
	return f.Do(ctx, http.MethodGet, ref, header, nil)
}

// ReadAll 发起 GET 并读取完整正文，非 2xx 视为错误。
func (f *Fetcher) ReadAll(ctx context.Context, ref string, header http.Header) ([]byte, error) {
	resp, err := f.Get(ctx, ref, header)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("fetch %s: unexpected status %d", ref, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
