package profile

// Metadata 记录一个运行时 profile 的静态约定，供配置默认值与诊断端使用。
type Metadata struct {
	Key             string
	Description     string
	BootstrapSuffix string
	ManifestPath    string
	BuildMarker     string
	InstallPrecache []string
}

// DefaultKey 返回内置 webfx profile 的键值。
func DefaultKey() string {
	return defaultProfileKey
}
