package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"groupon_system/collaborator"
	"groupon_system/config"
	"groupon_system/global"
	"groupon_system/handler"
	"groupon_system/notification"
	"groupon_system/repository"
	"groupon_system/scheduler"
	"groupon_system/service"
	"groupon_system/tracing"
	"groupon_system/web/router"
)

// 程序主入口
func main() {
	// 加载配置文件
	if err := config.InitConfig("conf/conf.yaml"); err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg := config.AppConfig

	// 初始化数据库和中间件连接
	global.InitMySQL()
	global.InitRedis()
	global.InitKafka()
	global.InitEtcd()
	if cfg.UseRabbitMQ() {
		global.InitRabbitMQ()
	}
	if err := tracing.InitTracer(cfg.Tracing); err != nil {
		slog.Error("failed to init tracer", "error", err)
		os.Exit(1)
	}

	// 仓库层
	grouponRepo := repository.NewGrouponRepository()
	redisRepo := repository.NewRedisRepository()
	kafkaRepo := repository.NewKafkaRepository()
	etcdRepo := repository.NewETCDRepository()

	var publisher notification.Publisher = kafkaRepo
	var rabbitRepo *repository.RabbitMQRepository
	if cfg.UseRabbitMQ() {
		rabbitRepo = repository.NewRabbitMQRepository()
		publisher = rabbitRepo
	}

	// 外部协作方与结算核心
	orders := collaborator.NewOrderService(
		collaborator.NewWechatRefunder(cfg.Groupon.WechatRefundURL, 10*time.Second, tracing.Tracer()),
		collaborator.OfflineRefunder{},
	)
	notifier := notification.NewDispatcher(publisher)
	settlement := handler.NewSettlementHandler(handler.SettlementDeps{
		Store:             grouponRepo,
		Orders:            orders,
		Cache:             redisRepo,
		Notifier:          notifier,
		Preference:        etcdRepo,
		Tracer:            tracing.Tracer(),
		RefundConcurrency: cfg.Groupon.RefundConcurrency,
	})
	campaign := handler.NewCampaignTaskHandler(grouponRepo, redisRepo, cfg.Groupon.ExpireTolerance(), nil)
	canceler := handler.NewAutoCancelHandler(grouponRepo, orders, settlement)

	taskClient := scheduler.NewClient(redisRepo, kafkaRepo)
	grouponService := service.NewGrouponService(service.Deps{
		Store:           grouponRepo,
		Orders:          orders,
		Cache:           redisRepo,
		Tasks:           taskClient,
		Config:          etcdRepo,
		Settlement:      settlement,
		Campaign:        campaign,
		Canceler:        canceler,
		Notifier:        notifier,
		MaxWindow:       cfg.Groupon.MaxWindow(),
		AutoCancelDelay: cfg.Groupon.AutoCancelDelay(),
		PausedRetry:     cfg.Groupon.PausedRetry(),
	})

	// 后台任务：配置监听、延时任务执行、补偿扫描
	bgCtx, bgCancel := context.WithCancel(context.Background())
	grouponService.StartConfigWatcher(bgCtx)

	registry := scheduler.NewRegistry()
	grouponService.RegisterTasks(registry)
	worker := scheduler.NewWorker(taskClient, kafkaRepo, registry, cfg.Groupon.DelayPollInterval())
	worker.Start(bgCtx)

	sweeper := scheduler.NewSweeper(cfg.Groupon.SweepCron, grouponRepo, etcdRepo, taskClient, global.EtcdKeySweeperLock)
	if err := sweeper.Start(); err != nil {
		slog.Error("failed to start sweeper", "error", err)
		os.Exit(1)
	}

	// 配置HTTP服务器
	gatewayServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router.InitRouter(grouponService),
	}

	// 启动HTTP服务
	go func() {
		slog.Info("🚀 Groupon gateway service started", "port", cfg.Server.Port)
		if err := gatewayServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Groupon gateway service failed", "error", err)
			os.Exit(1)
		}
	}()

	// 监听终止信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down server...")

	// 设置优雅关闭超时时间
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// 先停止接收请求，再等待后台任务执行完
	if err := gatewayServer.Shutdown(ctx); err != nil {
		slog.Warn("Gateway forced to shutdown", "error", err)
	} else {
		slog.Info("Gateway gracefully stopped")
	}
	if err := sweeper.Stop(ctx); err != nil {
		slog.Warn("Sweeper stop timed out", "error", err)
	}
	bgCancel()
	if err := worker.Stop(ctx); err != nil {
		slog.Warn("Task worker stop timed out", "error", err)
	}
	if err := tracing.Shutdown(ctx); err != nil {
		slog.Warn("Tracer shutdown failed", "error", err)
	}
	if rabbitRepo != nil {
		rabbitRepo.Close()
	}

	// 释放所有资源
	cleanupResources()
	slog.Info("Server exited")
}

// 关闭所有服务连接
func cleanupResources() {
	global.CloseMysql()
	global.CloseRedis()
	global.CloseKafka()
	global.CloseEtcd()
	global.CloseRabbitMQ()
}
