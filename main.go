package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/egitim-takip/egitim-cache/internal/cache"
	"github.com/egitim-takip/egitim-cache/internal/config"
	"github.com/egitim-takip/egitim-cache/internal/logging"
	"github.com/egitim-takip/egitim-cache/internal/proxy"
	"github.com/egitim-takip/egitim-cache/internal/server"
	"github.com/egitim-takip/egitim-cache/internal/server/routes"
	"github.com/egitim-takip/egitim-cache/internal/version"
	"github.com/egitim-takip/egitim-cache/internal/worker"
)

// configEnv 可覆盖默认配置文件路径，优先级低于 -config。
const configEnv = "EGITIM_CACHE_CONFIG"

const shutdownTimeout = 10 * time.Second

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath   string
	checkOnly    bool
	showVersion  bool
	cacheVersion string
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(ctx context.Context, opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["origin"] = cfg.Worker.Origin
		fields["precache"] = len(cfg.Worker.Precache)
		fields["store_driver"] = cfg.Global.StoreDriver
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动遵循“配置 → 缓存存储 → install → activate → Fiber server”顺序，
	// 服务开始监听时 worker 已处于 activated。
	storage, err := cache.NewStorage(cfg.Global.StoreDriver, cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存存储失败: %v\n", err)
		return 1
	}
	defer storage.Close()

	mgr, err := buildManager(cfg, storage, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "构建缓存管理器失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["origin"] = cfg.Worker.Origin
	fields["store_driver"] = cfg.Global.StoreDriver
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startWorker(ctx, mgr, logger); err != nil {
		fmt.Fprintf(stdErr, "预缓存安装失败: %v\n", err)
		return 1
	}

	if err := startHTTPServer(ctx, cfg, mgr, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// startWorker 依次执行 install 与 activate。当前版本已完整安装时 install 不会回源，
// 因此重启时源站不可达也能继续以离线缓存提供服务。
func startWorker(ctx context.Context, mgr *worker.Manager, logger *logrus.Logger) error {
	if err := mgr.OnInstall(ctx); err != nil {
		logger.WithError(err).WithFields(logrus.Fields{
			"action": "install",
			"state":  mgr.State(),
		}).Error("install_failed")
		return err
	}
	if err := mgr.OnActivate(ctx); err != nil {
		logger.WithError(err).WithField("action", "activate").Warn("activate_incomplete")
	}
	return nil
}

// loadConfig 读取配置文件并应用 -cache-version 覆盖。
func loadConfig(opts cliOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.cacheVersion != "" {
		if err := config.ValidateCacheVersion(opts.cacheVersion); err != nil {
			return nil, fmt.Errorf("-cache-version: %w", err)
		}
		cfg.Worker.CacheVersion = opts.cacheVersion
	}
	return cfg, nil
}

func buildManager(cfg *config.Config, storage cache.Storage, logger *logrus.Logger) (*worker.Manager, error) {
	origin := cfg.Worker.OriginURL()
	if origin == nil {
		return nil, errors.New("invalid origin")
	}
	fetcher, err := proxy.NewFetcher(server.NewUpstreamClient(cfg), origin)
	if err != nil {
		return nil, err
	}
	return worker.NewManager(worker.Config{
		Version:         cfg.Worker.CacheVersion,
		Manifest:        cfg.Worker.Precache,
		Origin:          origin,
		OfflineFallback: cfg.Worker.OfflineFallback,
	}, storage, fetcher, logger)
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("egitim-cache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag   string
		checkOnly    bool
		showVer      bool
		cacheVersion string
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 "+configEnv+" 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.StringVar(&cacheVersion, "cache-version", "", "覆盖缓存版本标签（优先于配置文件与 "+config.VersionEnv+"）")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv(configEnv)
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:   path,
		checkOnly:    checkOnly,
		showVersion:  showVer,
		cacheVersion: cacheVersion,
	}, nil
}

func newHTTPApp(cfg *config.Config, mgr *worker.Manager, logger *logrus.Logger) (*fiber.App, error) {
	handler, err := proxy.NewHandler(mgr, cfg.Worker.OriginURL(), logger)
	if err != nil {
		return nil, err
	}
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      proxy.NewForwarder(handler, mgr, logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterStatusRoutes(app, mgr)
	return app, nil
}

func startHTTPServer(ctx context.Context, cfg *config.Config, mgr *worker.Manager, logger *logrus.Logger) error {
	app, err := newHTTPApp(cfg, mgr, logger)
	if err != nil {
		return err
	}

	port := cfg.Global.ListenPort
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	go func() {
		<-ctx.Done()
		logger.WithField("action", "shutdown").Info("收到退出信号，停止服务")
		_ = app.ShutdownWithTimeout(shutdownTimeout)
	}()

	return app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
}
