package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	hertzconfig "github.com/cloudwego/hertz/pkg/common/config"
	glog "github.com/cloudwego/hertz/pkg/common/hlog"
	hertzadapter "github.com/hertz-contrib/logger/zerolog"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"
	"github.com/spf13/pflag"

	"resume-matcher/internal/api/handler"
	"resume-matcher/internal/api/router"
	"resume-matcher/internal/config"
	"resume-matcher/internal/constants"
	"resume-matcher/internal/embedding"
	"resume-matcher/internal/ingest"
	"resume-matcher/internal/llm"
	appCoreLogger "resume-matcher/internal/logger"
	"resume-matcher/internal/matcher"
	"resume-matcher/internal/outbox"
	"resume-matcher/internal/pool"
	"resume-matcher/internal/storage"
	"resume-matcher/internal/taxonomy"
	"resume-matcher/internal/tracing"
)

var version = "1.0.0" //nolint:gochecknoglobals

func main() {
	var configPath string
	pflag.StringVarP(&configPath, "config", "c", "", "Path to config file")
	pflag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		appCoreLogger.Fatal().Err(err).Msg("加载配置失败")
	}
	initLogger(cfg)
	glog.Info("配置加载成功")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var serverOpts []hertzconfig.Option
	var tracingCfg *hertztracing.Config
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint != "" {
		shutdown, err := tracing.InitTracer(ctx, tracing.ProviderConfig{
			Endpoint:    cfg.Tracing.Endpoint,
			ServiceName: cfg.Tracing.ServiceName,
			Version:     version,
			SampleRatio: cfg.Tracing.SampleRatio,
		})
		if err != nil {
			glog.Warnf("初始化追踪失败，继续运行: %v", err)
		} else {
			defer func() {
				sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer scancel()
				if err := shutdown(sctx); err != nil {
					glog.Warnf("关闭追踪导出器失败: %v", err)
				}
			}()
			var tracerOpt hertzconfig.Option
			tracerOpt, tracingCfg = hertztracing.NewServerTracer()
			serverOpts = append(serverOpts, tracerOpt)
			glog.Infof("OpenTelemetry追踪已启用，导出到 %s", cfg.Tracing.Endpoint)
		}
	}

	storageManager, err := storage.NewStorage(ctx, cfg)
	if err != nil {
		glog.Fatalf("初始化存储失败: %v", err)
	}
	defer storageManager.Close()
	glog.Info("存储服务初始化成功")

	// 简历池
	var store pool.Store
	if storageManager.Persistent() {
		store = pool.NewPersistentStore(storageManager.MySQL, storageManager.Qdrant)
		glog.Info("简历池使用 MySQL + Qdrant 持久化")
	} else {
		store = pool.NewMemoryStore()
		glog.Warn("未同时配置MySQL和Qdrant，简历池仅保存在内存中")
	}

	// 关键词抽取
	chatModel, err := llm.NewChatModel(llm.ConfigFromApp(cfg))
	if err != nil {
		glog.Fatalf("初始化大模型客户端失败: %v", err)
	}
	// 重试由抽取器负责，限流层不再重试
	limited := llm.NewWithRateLimit(chatModel, cfg.Taxonomy.ModelName, cfg.ModelQPMLimits, cfg.Taxonomy.QPM, 0, 0)
	extractorOpts := taxonomy.OptionsFromConfig(cfg.Taxonomy)
	if storageManager.Redis != nil && cfg.Taxonomy.CacheTTL != "" {
		extractorOpts = append(extractorOpts, taxonomy.WithCache(storageManager.Redis, config.GetDuration(cfg.Taxonomy.CacheTTL, 0)))
	}
	extractor := taxonomy.NewExtractor(limited, extractorOpts...)
	glog.Info("关键词抽取器初始化成功")

	// 向量
	aliyunEmbedder, err := embedding.NewAliyunEmbedder(cfg.Aliyun.APIKey, cfg.Aliyun.Embedding)
	if err != nil {
		glog.Fatalf("初始化阿里云Embedder失败: %v", err)
	}
	var cacheOpts []embedding.CacheOption
	if cfg.EmbeddingCache.UseRedis && storageManager.Redis != nil {
		cacheOpts = append(cacheOpts, embedding.WithSecondLevel(storageManager.Redis))
	}
	embedder := embedding.NewCachedEmbedder(aliyunEmbedder, aliyunEmbedder.Model(),
		cfg.EmbeddingCache.Capacity, config.GetDuration(cfg.EmbeddingCache.TTL, 24*time.Hour), cacheOpts...)
	glog.Infof("Embedder初始化成功 (model=%s, dim=%d)", aliyunEmbedder.Model(), aliyunEmbedder.GetDimensions())

	// 入库
	var ingestOpts []ingest.Option
	if storageManager.Persistent() && storageManager.Redis != nil {
		ingestOpts = append(ingestOpts,
			ingest.WithRegistry(storageManager.Redis),
			ingest.WithLocker(storageManager.Redis, constants.IngestLockDuration),
		)
	}
	ingestor := ingest.NewIngestor(store, embedder, embedder.ModelVersion(), ingestOpts...)

	// 匹配
	var matcherOpts []matcher.Option
	switch {
	case storageManager.MySQL != nil:
		exchange := ""
		if storageManager.RabbitMQ != nil && cfg.Matching.PublishEvents {
			exchange = cfg.RabbitMQ.MatchEventsExchange
		}
		matcherOpts = append(matcherOpts, matcher.WithRecorder(
			matcher.NewAuditRecorder(storageManager.MySQL, exchange, cfg.RabbitMQ.MatchCompletedRoutingKey)))
	case storageManager.RabbitMQ != nil && cfg.Matching.PublishEvents:
		matcherOpts = append(matcherOpts, matcher.WithRecorder(
			matcher.NewPublishRecorder(storageManager.RabbitMQ, cfg.RabbitMQ.MatchEventsExchange, cfg.RabbitMQ.MatchCompletedRoutingKey)))
	}
	svc, err := matcher.NewService(extractor, store, embedder, matcher.ConfigFromApp(cfg.Matching), matcherOpts...)
	if err != nil {
		glog.Fatalf("初始化匹配服务失败: %v", err)
	}
	glog.Info("匹配服务初始化成功")

	if mq := storageManager.RabbitMQ; mq != nil {
		if err := setupMessaging(ctx, cfg, mq, storageManager.MinIO, ingestor); err != nil {
			glog.Fatalf("初始化消息队列失败: %v", err)
		}
		if storageManager.MySQL != nil {
			go outbox.NewMessageRelay(outbox.NewGormStore(storageManager.MySQL.DB()), mq).Run(ctx)
			glog.Info("消息中继服务已启动")
		}
	}

	handlerOpts := []handler.Option{
		handler.WithRequestTimeout(config.GetDuration(cfg.Server.RequestTimeout, 120*time.Second)),
	}
	if storageManager.Redis != nil {
		handlerOpts = append(handlerOpts, handler.WithHealthCheck("redis", storageManager.Redis.Ping))
	}
	if storageManager.MySQL != nil {
		handlerOpts = append(handlerOpts, handler.WithHealthCheck("mysql", storageManager.MySQL.Ping))
	}
	matchHandler := handler.NewMatchHandler(svc, ingestor, handlerOpts...)

	serverOpts = append(serverOpts,
		server.WithHostPorts(cfg.Server.Address),
		server.WithHandleMethodNotAllowed(true),
	)
	h := server.New(serverOpts...)
	if tracingCfg != nil {
		h.Use(hertztracing.ServerMiddleware(tracingCfg))
	}
	h.Use(func(c context.Context, ctx *app.RequestContext) {
		start := time.Now()
		ctx.Next(c)
		glog.CtxInfof(c, "%s %s -> %d (%s)", string(ctx.Method()), string(ctx.Path()), ctx.Response.StatusCode(), time.Since(start))
	})

	router.RegisterRoutes(h, matchHandler, cfg.Server.APIKeys...)
	glog.Info("HTTP路由注册成功")

	glog.Infof("HTTP 服务器启动中，监听地址: %s", cfg.Server.Address)
	go func() {
		if err := h.Run(); err != nil {
			glog.Errorf("HTTP服务器退出: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	glog.Info("接收到终止信号，正在优雅退出...")

	// 先停止消费者和中继
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := h.Shutdown(shutdownCtx); err != nil {
		glog.Errorf("服务器关闭失败: %v", err)
	}
	hits, misses := embedder.Stats()
	glog.Infof("向量缓存命中 %d 次，未命中 %d 次", hits, misses)
	glog.Info("优雅退出完成")
}

// setupMessaging 声明交换机和队列并启动入库消费者
func setupMessaging(ctx context.Context, cfg *config.Config, mq *storage.RabbitMQ, minio *storage.MinIO, ingestor *ingest.Ingestor) error {
	r := cfg.RabbitMQ
	if r.MatchEventsExchange != "" {
		if err := mq.EnsureExchange(r.MatchEventsExchange, "topic", true); err != nil {
			return err
		}
	}
	if r.ResumeEventsExchange == "" || r.IngestQueue == "" {
		glog.Info("未配置入库队列，跳过消费者")
		return nil
	}
	if err := mq.EnsureExchange(r.ResumeEventsExchange, "topic", true); err != nil {
		return err
	}
	if err := mq.EnsureQueue(r.IngestQueue, true); err != nil {
		return err
	}
	if err := mq.BindQueue(r.IngestQueue, r.ResumeEventsExchange, r.ParsedRoutingKey); err != nil {
		return err
	}

	var texts storage.TextSource
	if minio != nil {
		texts = minio
	}
	consumer := ingest.NewConsumer(ingestor, texts)
	done, err := mq.StartConsumer(ctx, r.IngestQueue, r.PrefetchCount, r.ConsumerWorkers, consumer.Handle)
	if err != nil {
		return err
	}
	go func() {
		<-done
		if !errors.Is(ctx.Err(), context.Canceled) {
			glog.Warn("入库消费者意外退出")
		}
	}()
	glog.Infof("入库消费者已启动，队列: %s, 工作协程: %d", r.IngestQueue, r.ConsumerWorkers)
	return nil
}

func initLogger(cfg *config.Config) {
	appCoreLogger.Init(appCoreLogger.Config{
		Level:        cfg.Logger.Level,
		Format:       cfg.Logger.Format,
		TimeFormat:   cfg.Logger.TimeFormat,
		ReportCaller: cfg.Logger.ReportCaller,
	})

	// Hertz 的 hlog 复用同一个 zerolog 实例
	glog.SetLogger(hertzadapter.From(appCoreLogger.Logger))
	if cfg.Logger.Level == "debug" {
		glog.SetLevel(glog.LevelDebug)
	} else {
		glog.SetLevel(glog.LevelInfo)
	}
}
