package manifest

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mitchellh/mapstructure"
)

// Document 是一次 manifest 加载的结果。BuildTimestamp 仅在包装格式中出现。
type Document struct {
	BuildTimestamp string
	Index          Index
}

// assetRecord 对应 manifest 中的对象形式条目。hash 单独校验，不经过弱类型转换。
type assetRecord struct {
	PreCache *bool  `mapstructure:"preCache"`
	Size     int64  `mapstructure:"size"`
	GzipSize int64  `mapstructure:"gzipSize"`
	Strategy string `mapstructure:"strategy"`
}

// Parse 解析 manifest JSON。既支持 {path: hash|record} 形式，也支持
// {"buildTimestamp": "...", "assetManifest": {...}} 包装形式。
// JSON 无法解析时返回空 Document 与错误，调用方记录日志后继续运行。
func Parse(data []byte, defaultPreCache bool) (*Document, error) {
	doc := &Document{Index: Normalize(nil, defaultPreCache)}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return doc, fmt.Errorf("decode manifest: %w", err)
	}

	assets := raw
	if nested, ok := raw["assetManifest"].(map[string]interface{}); ok {
		assets = nested
		doc.BuildTimestamp = stringField(raw, "buildTimestamp", "mavenBuildTimestamp")
	}
	doc.Index = Normalize(assets, defaultPreCache)
	return doc, nil
}

// Normalize 将原始 manifest 映射拆成 HashIndex 与 PathIndex。
// 非法条目（缺失或非字符串 hash）被静默跳过，永不失败。
func Normalize(raw map[string]interface{}, defaultPreCache bool) Index {
	idx := Index{
		Hashes: make(HashIndex),
		Paths:  make(PathIndex),
	}

	paths := make([]string, 0, len(raw))
	for path := range raw {
		paths = append(paths, path)
	}
	// 同一 hash 出现在多个路径时，按字典序第一个路径登记到 HashIndex。
	sort.Strings(paths)

	for _, path := range paths {
		if path == "" {
			continue
		}
		hash, asset, ok := normalizeEntry(path, raw[path], defaultPreCache)
		if !ok {
			continue
		}
		if _, exists := idx.Hashes[hash]; !exists {
			idx.Hashes[hash] = asset
		}
		idx.Paths[path] = hash
	}
	return idx
}

func normalizeEntry(path string, value interface{}, defaultPreCache bool) (string, Asset, bool) {
	switch v := value.(type) {
	case string:
		if v == "" {
			return "", Asset{}, false
		}
		return v, Asset{Path: path, PreCache: defaultPreCache}, true
	case map[string]interface{}:
		hash, ok := v["hash"].(string)
		if !ok || hash == "" {
			return "", Asset{}, false
		}
		var rec assetRecord
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &rec,
		})
		if err == nil {
			// 字段类型异常时保留已成功解析的部分，其余使用默认值。
			_ = decoder.Decode(v)
		}
		asset := Asset{
			Path:     path,
			PreCache: defaultPreCache,
			Strategy: normalizeStrategy(rec.Strategy),
			Size:     nonNegative(rec.Size),
			GzipSize: nonNegative(rec.GzipSize),
		}
		if rec.PreCache != nil {
			asset.PreCache = *rec.PreCache
		}
		return hash, asset, true
	default:
		return "", Asset{}, false
	}
}

func stringField(raw map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if s, ok := raw[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
