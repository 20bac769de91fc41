package proxy

import "github.com/any-hub/asset-worker/internal/cache"

// Source 取值写入 X-Asset-Worker-Source 响应头。
type Source string

const (
	SourceCacheExact   Source = "cache-exact"
	SourceCacheHash    Source = "cache-hash"
	SourceCachePath    Source = "cache-path"
	SourceDownload     Source = "download"
	SourceNetwork      Source = "network"
	SourceNetworkRetry Source = "network-retry"
	SourceFallback     Source = "fallback"
	SourcePassthrough  Source = "passthrough"
)

// outcome 是路由每一步的显式结果，调用方据此决定是返回、继续还是降级。
type outcome int

const (
	// outcomeMiss：本步骤无可用响应，继续下一步。
	outcomeMiss outcome = iota
	// outcomeHit：得到可直接返回的响应。
	outcomeHit
	// outcomeFailed：本步骤出错（网络/缓存），错误已记录，继续降级。
	outcomeFailed
)

type result struct {
	outcome outcome
	resp    *cache.Response
	source  Source
	err     error
}

func hit(resp *cache.Response, source Source) result {
	return result{outcome: outcomeHit, resp: resp, source: source}
}

func miss() result {
	return result{outcome: outcomeMiss}
}

func failed(err error) result {
	return result{outcome: outcomeFailed, err: err}
}
