// Package manifest 将构建工具产出的资产 manifest 归一化为 hash → 资产信息、路径 → hash 两张只读表。
package manifest

import (
	"sort"
	"strings"
)

// Strategy 描述资产的预取优先级。
type Strategy string

const (
	StrategyCritical   Strategy = "CRITICAL"
	StrategyBackground Strategy = "BACKGROUND"
	StrategyNone       Strategy = "NONE"
)

// DefaultPreCache 是 manifest 条目未声明 preCache 时采用的默认值。
const DefaultPreCache = false

// Asset 是 HashIndex 中的一条记录。
type Asset struct {
	Path     string
	PreCache bool
	Strategy Strategy
	Size     int64
	GzipSize int64
}

// AssumedSize 返回 install 阶段用于估算总量的字节数：优先 gzip 大小，其次原始大小。
func (a Asset) AssumedSize() int64 {
	if a.GzipSize > 0 {
		return a.GzipSize
	}
	if a.Size > 0 {
		return a.Size
	}
	return 0
}

// Critical 表示资产需要在首批下载中完成。
func (a Asset) Critical() bool {
	return a.Strategy == StrategyCritical
}

// Prefetch 表示资产是否属于 install 后台预取集合。
func (a Asset) Prefetch() bool {
	if a.PreCache {
		return true
	}
	return a.Strategy != "" && a.Strategy != StrategyNone
}

// HashIndex 以内容 hash 为键。
type HashIndex map[string]Asset

// PathIndex 以规范化路径为键，值为当前内容 hash。
type PathIndex map[string]string

// Index 组合两张表；一次激活内只读。
type Index struct {
	Hashes HashIndex
	Paths  PathIndex
}

// Entry 是带 hash 的资产，用于需要稳定顺序的遍历。
type Entry struct {
	Hash  string
	Asset Asset
}

// Lookup 根据路径返回 hash 与资产信息。
func (idx Index) Lookup(path string) (string, Asset, bool) {
	hash, ok := idx.Paths[path]
	if !ok {
		return "", Asset{}, false
	}
	asset, ok := idx.Hashes[hash]
	return hash, asset, ok
}

// HashSet 返回当前有效 hash 集合。
func (idx Index) HashSet() map[string]struct{} {
	set := make(map[string]struct{}, len(idx.Hashes))
	for hash := range idx.Hashes {
		set[hash] = struct{}{}
	}
	return set
}

// PrefetchList 返回需要后台预取的资产，按路径排序。
func (idx Index) PrefetchList() []Entry {
	var out []Entry
	for hash, asset := range idx.Hashes {
		if asset.Prefetch() {
			out = append(out, Entry{Hash: hash, Asset: asset})
		}
	}
	sortEntries(out)
	return out
}

// CriticalList 返回所有 CRITICAL 资产，按路径排序。
func (idx Index) CriticalList() []Entry {
	var out []Entry
	for hash, asset := range idx.Hashes {
		if asset.Critical() {
			out = append(out, Entry{Hash: hash, Asset: asset})
		}
	}
	sortEntries(out)
	return out
}

// Len 返回有效 hash 数量。
func (idx Index) Len() int {
	return len(idx.Hashes)
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Asset.Path == entries[j].Asset.Path {
			return entries[i].Hash < entries[j].Hash
		}
		return entries[i].Asset.Path < entries[j].Asset.Path
	})
}

func normalizeStrategy(raw string) Strategy {
	return Strategy(strings.ToUpper(strings.TrimSpace(raw)))
}
