package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/asset-worker/internal/cache"
	"github.com/any-hub/asset-worker/internal/config"
	"github.com/any-hub/asset-worker/internal/logging"
	"github.com/any-hub/asset-worker/internal/metrics"
	"github.com/any-hub/asset-worker/internal/proxy"
	"github.com/any-hub/asset-worker/internal/server"
	"github.com/any-hub/asset-worker/internal/server/routes"
	"github.com/any-hub/asset-worker/internal/upstream"
	"github.com/any-hub/asset-worker/internal/version"
	"github.com/any-hub/asset-worker/internal/worker"
)

const (
	startupTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}
	if cfg.Worker.BuildTimestamp == "" {
		cfg.Worker.BuildTimestamp = version.BuildTimestamp
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["origin"] = cfg.Worker.Origin
		fields["scope"] = cfg.Worker.Scope
		fields["profile"] = cfg.Worker.Profile
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 日志 → 磁盘缓存 → 运行时（安装 + 激活）→ Fiber server。
	storage, err := cache.NewStorage(cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存目录失败: %v\n", err)
		return 1
	}
	route, err := server.NewRoute(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "解析 origin 失败: %v\n", err)
		return 1
	}
	fetcher, err := upstream.NewFetcher(upstream.NewClient(cfg), cfg.Worker.Origin)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化上游客户端失败: %v\n", err)
		return 1
	}

	var m *metrics.Metrics
	if cfg.Global.EnableMetrics {
		m = metrics.New()
	}

	rt, err := worker.NewRuntime(worker.RuntimeOptions{
		Config:  cfg,
		Route:   route,
		Storage: storage,
		Fetcher: fetcher,
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "初始化 worker 失败: %v\n", err)
		return 1
	}
	defer rt.Close()

	fields := logging.BaseFields("startup", opts.configPath)
	fields["origin"] = cfg.Worker.Origin
	fields["scope"] = route.ScopePath
	fields["listen_port"] = cfg.Global.ListenPort
	fields["build"] = cfg.Worker.BuildTimestamp
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	startCtx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	err = rt.Start(startCtx)
	cancel()
	if err != nil {
		fmt.Fprintf(stdErr, "worker 启动失败: %v\n", err)
		return 1
	}

	forwarder := proxy.NewForwarder(rt, proxy.NewPassthrough(fetcher, logger), logger)
	if err := startHTTPServer(cfg, route, rt, forwarder, m, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("asset-worker", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 ASSET_WORKER_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("ASSET_WORKER_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func startHTTPServer(
	cfg *config.Config,
	route *server.Route,
	rt *worker.Runtime,
	proxyHandler server.ProxyHandler,
	m *metrics.Metrics,
	logger *logrus.Logger,
) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:  logger,
		Route:   route,
		Proxy:   proxyHandler,
		Metrics: m,
	})
	if err != nil {
		return err
	}
	routes.RegisterDiagnostics(app, rt, m)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		logger.WithField("action", "shutdown").Info("收到退出信号，停止服务")
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			logger.WithField("action", "shutdown").WithError(err).Warn("服务关闭超时")
		}
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
}
