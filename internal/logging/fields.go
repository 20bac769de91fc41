package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 scope/路径/响应来源字段，供 fetch 路由日志复用。
func RequestFields(scope, path, class, source string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"scope":     scope,
		"path":      path,
		"class":     class,
		"source":    source,
		"cache_hit": cacheHit,
	}
}

// AssetFields 描述单个资产（hash + 路径），供下载与清理日志复用。
func AssetFields(action, hash, path string) logrus.Fields {
	return logrus.Fields{
		"action": action,
		"hash":   hash,
		"path":   path,
	}
}
