package app

import (
	"errors"

	"github.com/dujiao-next/memberpay/internal/config"
	"github.com/dujiao-next/memberpay/internal/models"
	"github.com/dujiao-next/memberpay/internal/provider"
	"github.com/dujiao-next/memberpay/internal/router"
	"github.com/dujiao-next/memberpay/internal/worker"
)

// BuildRunner 构建服务运行器
func BuildRunner(cfg *config.Config, mode string) (*Runner, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	mode, err := ParseMode(mode)
	if err != nil {
		return nil, err
	}
	if models.DB == nil {
		return nil, errors.New("database not initialized")
	}

	container, err := provider.NewContainer(cfg, models.DB)
	if err != nil {
		return nil, err
	}

	var services []Service

	// 初始化 HTTP 服务
	if servesHTTP(mode) {
		engine := router.SetupRouter(cfg, container)
		services = append(services, NewHTTPService(cfg.Server, engine))
	}

	// 初始化 Worker 服务
	if servesWorker(mode) {
		consumer := worker.NewConsumer(container.PaymentOrderService, cfg.Queue.ReconcileBatchSize)
		var outboxRunner worker.OutboxRunner
		if container.OutboxDispatcher != nil {
			outboxRunner = container.OutboxDispatcher
		}
		workerService, err := worker.NewService(&cfg.Queue, consumer, outboxRunner)
		if err != nil {
			container.Close()
			return nil, err
		}
		services = append(services, workerService)
	}

	if len(services) == 0 {
		container.Close()
		return nil, errors.New("no services initialized (check mode and config)")
	}

	return NewRunner(services...).WithCleanup(container.Close), nil
}

// Run 应用启动入口
func Run(opts Options) error {
	opts = normalizeOptions(opts)
	if opts.Config == nil {
		return errors.New("config is nil")
	}

	runner, err := BuildRunner(opts.Config, opts.Mode)
	if err != nil {
		return err
	}

	addr := opts.Config.Server.Host + ":" + opts.Config.Server.Port
	opts.Logger.Infow("app_start", "addr", addr, "mode", opts.Mode)
	return RunWithOptions(runner, opts)
}
