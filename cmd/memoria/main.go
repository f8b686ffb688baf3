package main

import (
	"context"
	"os/signal"
	"syscall"

	"k8s.io/klog/v2"

	"github.com/raids-lab/memoria/cmd/memoria/helper"
)

// @title						Memoria API
// @version						1.0.0
// @description					Workspace and project resolution with GitHub permission sync for the Memoria context backend.
// @securityDefinitions.apikey	Bearer
// @in							header
// @name						Authorization
// @description					使用管理员接口签发的 TOKEN，填入 'Bearer ${TOKEN}' 以访问受保护的接口
func main() {
	// kill (no params) by default sends syscall.SIGTERM
	// kill -2 is syscall.SIGINT
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	configInit := helper.NewConfigInitializer()

	// Load debug environment before the config file is read
	if err := configInit.LoadDebugEnvironment(); err != nil {
		klog.Fatalf("Failed to load env: %s", err)
	}
	backendConfig := configInit.GetBackendConfig()

	// Initialize register config and dependencies
	registerConfig, err := configInit.InitializeRegisterConfig(ctx)
	if err != nil {
		klog.Fatalf("Failed to register config: %s\n", err)
	}

	// Start HTTP server
	serverRunner := helper.NewServerRunner(backendConfig)
	serverRunner.StartServer(ctx, registerConfig)
}
