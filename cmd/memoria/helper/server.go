package helper

import (
	"context"
	"errors"
	"net/http"
	"time"

	"k8s.io/klog/v2"

	"github.com/raids-lab/memoria/internal"
	"github.com/raids-lab/memoria/internal/handler"
	"github.com/raids-lab/memoria/pkg/config"
)

// ServerRunner 封装服务器运行逻辑
type ServerRunner struct {
	backendConfig *config.Config
}

// NewServerRunner 创建新的ServerRunner实例
func NewServerRunner(backendConfig *config.Config) *ServerRunner {
	return &ServerRunner{
		backendConfig: backendConfig,
	}
}

var (
	readHeaderTimeout = 10 * time.Second // 设置读取头部的超时时间
	cancelTimeout     = 10 * time.Second // 设置取消操作的超时时间
)

// StartServer 启动HTTP服务器和定时任务，ctx 结束后优雅退出
func (sr *ServerRunner) StartServer(ctx context.Context, registerConfig *handler.RegisterConfig) {
	klog.Info("starting server")
	backend := internal.Register(registerConfig)

	// reference: https://gin-gonic.com/en/docs/examples/graceful-restart-or-stop
	srv := &http.Server{
		Addr:              sr.backendConfig.ServerAddr,
		Handler:           backend,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		// service connections
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.Fatalf("listen: %s\n", err)
		}
	}()

	// cron drives the webhook queue worker and the periodic permission sync
	if err := registerConfig.CronJobManager.Start(ctx); err != nil {
		klog.Errorf("start cron scheduler: %v", err)
	}

	<-ctx.Done()
	klog.Info("Shutdown Gin Server ...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		klog.Info("Gin Server Shutdown:", err)
	}
	registerConfig.CronJobManager.Stop(shutdownCtx)
	klog.Info("Gin Server exiting")
}
