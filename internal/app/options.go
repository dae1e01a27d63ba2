package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dujiao-next/memberpay/internal/config"
	"github.com/dujiao-next/memberpay/internal/logger"

	"go.uber.org/zap"
)

// 启动模式：api 只接收请求与回调，worker 只处理超时关单、对账与发件箱
const (
	ModeAll    = "all"
	ModeAPI    = "api"
	ModeWorker = "worker"
)

const defaultShutdownTimeout = 15 * time.Second

// Options 应用启动选项
type Options struct {
	Config          *config.Config
	Logger          *zap.SugaredLogger
	Signals         []os.Signal
	ShutdownTimeout time.Duration // 为零时取 server.shutdown_timeout_seconds
	Mode            string
}

// ParseMode 校验 -mode 参数
func ParseMode(raw string) (string, error) {
	switch mode := strings.ToLower(strings.TrimSpace(raw)); mode {
	case "":
		return ModeAll, nil
	case ModeAll, ModeAPI, ModeWorker:
		return mode, nil
	default:
		return "", fmt.Errorf("unknown mode %q (want all, api or worker)", raw)
	}
}

func servesHTTP(mode string) bool   { return mode == ModeAll || mode == ModeAPI }
func servesWorker(mode string) bool { return mode == ModeAll || mode == ModeWorker }

func normalizeOptions(opts Options) Options {
	if opts.Logger == nil {
		opts.Logger = logger.Named("app")
	}
	if opts.ShutdownTimeout <= 0 && opts.Config != nil {
		opts.ShutdownTimeout = seconds(opts.Config.Server.ShutdownTimeoutSeconds)
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	if mode, err := ParseMode(opts.Mode); err == nil {
		opts.Mode = mode
	}
	return opts
}
