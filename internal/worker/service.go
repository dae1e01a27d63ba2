package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dujiao-next/memberpay/internal/config"
	"github.com/dujiao-next/memberpay/internal/logger"
	"github.com/dujiao-next/memberpay/internal/queue"

	"github.com/hibiken/asynq"
)

const defaultReconcileInterval = time.Minute

// OutboxRunner 发件箱投递循环
type OutboxRunner interface {
	Run(ctx context.Context)
	Close() error
}

// Service 后台任务服务：队列消费、定时对账、发件箱投递
type Service struct {
	name              string
	server            *asynq.Server
	mux               *asynq.ServeMux
	consumer          *Consumer
	outbox            OutboxRunner
	reconcileInterval time.Duration
	wg                sync.WaitGroup
}

// NewService 创建后台任务服务，队列未启用时只运行定时循环
func NewService(cfg *config.QueueConfig, consumer *Consumer, outbox OutboxRunner) (*Service, error) {
	if consumer == nil {
		return nil, errors.New("consumer is nil")
	}
	interval := defaultReconcileInterval
	if cfg != nil && cfg.ReconcileIntervalSeconds > 0 {
		interval = time.Duration(cfg.ReconcileIntervalSeconds) * time.Second
	}
	s := &Service{
		name:              "worker",
		consumer:          consumer,
		outbox:            outbox,
		reconcileInterval: interval,
	}
	if cfg != nil && cfg.Enabled {
		opt, serverCfg := queue.BuildServerConfig(cfg)
		s.server = asynq.NewServer(opt, serverCfg)
		s.mux = asynq.NewServeMux()
		consumer.Register(s.mux)
	}
	return s, nil
}

// Name 服务名称
func (s *Service) Name() string {
	if s == nil || s.name == "" {
		return "worker"
	}
	return s.name
}

// Start 启动服务，阻塞直到 ctx 结束
func (s *Service) Start(ctx context.Context) error {
	if s == nil || s.consumer == nil {
		return errors.New("worker not initialized")
	}
	if s.server != nil {
		if err := s.server.Start(s.mux); err != nil {
			return err
		}
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runReconcileLoop(ctx)
	}()
	if s.outbox != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.outbox.Run(ctx)
		}()
	}
	<-ctx.Done()
	return nil
}

// Stop 停止服务
func (s *Service) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if s.server != nil {
		s.server.Shutdown()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warnw("worker_stop_timeout")
	}
	if s.outbox != nil {
		return s.outbox.Close()
	}
	return nil
}

func (s *Service) runReconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(s.reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.consumer.reconcileOnce(ctx, s.consumer.reconcileBatch)
		}
	}
}
