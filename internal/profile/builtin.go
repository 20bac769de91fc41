package profile

// webfx：GWT 编译产物，bootstrap 脚本以 .nocache.js 结尾，构建时间戳由 maven 注入。
// generic：普通 SPA，无 bootstrap 脚本，仅依赖入口文档做版本检测。
func init() {
	MustRegister(Metadata{
		Key:             defaultProfileKey,
		Description:     "WebFX / GWT application with .nocache.js bootstrap",
		BootstrapSuffix: ".nocache.js",
		ManifestPath:    "/webfx-pwa-asset.json",
		BuildMarker:     "mavenBuildTimestamp",
		InstallPrecache: []string{"index.html", "pwa-manifest.json"},
	})
	MustRegister(Metadata{
		Key:             "generic",
		Description:     "Single page application without bootstrap script",
		ManifestPath:    "/pwa-asset.json",
		BuildMarker:     "buildTimestamp",
		InstallPrecache: []string{"index.html"},
	})
}
