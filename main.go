package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mezcal-hub/mezcal/internal/cache"
	"github.com/mezcal-hub/mezcal/internal/config"
	"github.com/mezcal-hub/mezcal/internal/imaging"
	"github.com/mezcal-hub/mezcal/internal/logging"
	"github.com/mezcal-hub/mezcal/internal/origin"
	"github.com/mezcal-hub/mezcal/internal/proxy"
	"github.com/mezcal-hub/mezcal/internal/server"
	"github.com/mezcal-hub/mezcal/internal/server/routes"
	"github.com/mezcal-hub/mezcal/internal/tracing"
	"github.com/mezcal-hub/mezcal/internal/version"
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

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	auth, err := origin.NewAuthenticator(cfg.Global.AuthType())
	if err != nil {
		fmt.Fprintf(stdErr, "加载源仓库凭证失败: %v\n", err)
		return 1
	}

	normalizer := imaging.New(imaging.Options{
		MaxPixels:     cfg.Global.MaxImagePixels,
		Quality:       cfg.Global.JPEGQuality,
		MaxConcurrent: cfg.Global.MaxConcurrentNormalizations,
	}, logger)

	// 启动顺序为 “配置 → 凭证 → 归一化器 → 磁盘缓存 → Fiber server”，
	// 所有请求共享同一个 Store，进程内锁表因此对全部请求生效。
	store, err := cache.NewStore(cfg.Global.StoragePath, cfg.Global.Layout(), normalizer, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存目录失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["layout"] = store.Layout().String()
		fields["auth_type"] = string(cfg.Global.AuthType())
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	shutdown, err := tracing.Setup(context.Background(), cfg.Global.TracingEndpoint, "mezcal", version.Version)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化链路追踪失败: %v\n", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			logger.WithError(err).Warn("tracing_shutdown_failed")
		}
	}()

	client := origin.NewClient(cfg.Global.RepoBaseURL, server.NewUpstreamClient(cfg), auth, logger)
	handler := proxy.NewHandler(store, client, logger, cfg.Global.LockTimeout.DurationValue())

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_path"] = store.Root()
	fields["layout"] = store.Layout().String()
	fields["repository"] = client.BaseURL()
	fields["auth_type"] = string(cfg.Global.AuthType())
	fields["tracing"] = cfg.Global.TracingEndpoint != ""
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(cfg, store, handler, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
// 配置文件是可选的：路径为空时只读取环境变量。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("mezcal", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（可被 MEZCAL_CONFIG 提供，缺省时仅使用环境变量）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("MEZCAL_CONFIG")
	if configFlag != "" {
		path = configFlag
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func startHTTPServer(cfg *config.Config, store *cache.Store, images server.ImageHandler, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:       logger,
		Images:       images,
		ListenPort:   port,
		ServerHeader: "mezcal/" + version.Version,
	})
	if err != nil {
		return err
	}
	routes.RegisterEntryRoutes(app, store)

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
