package helper

import (
	"context"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"gorm.io/gorm"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/raids-lab/memoria/dao/query"
	"github.com/raids-lab/memoria/internal/handler"
	"github.com/raids-lab/memoria/internal/util"
	"github.com/raids-lab/memoria/pkg/access"
	"github.com/raids-lab/memoria/pkg/alert"
	"github.com/raids-lab/memoria/pkg/audit"
	"github.com/raids-lab/memoria/pkg/config"
	"github.com/raids-lab/memoria/pkg/cronjob"
	"github.com/raids-lab/memoria/pkg/ghclient"
	"github.com/raids-lab/memoria/pkg/githubsync"
	"github.com/raids-lab/memoria/pkg/mapping"
	"github.com/raids-lab/memoria/pkg/permcache"
	"github.com/raids-lab/memoria/pkg/recompute"
	"github.com/raids-lab/memoria/pkg/reconciler"
	"github.com/raids-lab/memoria/pkg/resolver"
	"github.com/raids-lab/memoria/pkg/webhookqueue"
)

// ConfigInitializer 封装配置初始化逻辑
type ConfigInitializer struct {
	backendConfig *config.Config
}

// NewConfigInitializer 创建新的ConfigInitializer实例
func NewConfigInitializer() *ConfigInitializer {
	return &ConfigInitializer{}
}

// GetBackendConfig 获取后端配置，首次调用时读取配置文件
func (ci *ConfigInitializer) GetBackendConfig() *config.Config {
	if ci.backendConfig == nil {
		ci.backendConfig = config.GetConfig()
	}
	return ci.backendConfig
}

// LoadDebugEnvironment 加载调试环境变量，需要在读取配置文件之前调用
func (ci *ConfigInitializer) LoadDebugEnvironment() error {
	if gin.Mode() != gin.DebugMode {
		return nil
	}

	if err := godotenv.Load(".debug.env"); err != nil {
		return err
	}

	be := os.Getenv("MEMORIA_BE_PORT")
	if be == "" {
		panic("MEMORIA_BE_PORT is not set")
	}
	ci.GetBackendConfig().ServerAddr = ":" + be
	return nil
}

// InitializeRegisterConfig 初始化数据库、GitHub 客户端以及各个服务
func (ci *ConfigInitializer) InitializeRegisterConfig(ctx context.Context) (*handler.RegisterConfig, error) {
	cfg := ci.GetBackendConfig()
	clk := clock.RealClock{}

	// init db
	db := query.GetDB()
	if err := query.Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	// init github app client
	key, err := cfg.GithubPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("read github private key: %w", err)
	}
	gh, err := ghclient.NewAppClient(ghclient.Options{
		AppID:      cfg.Github.AppID,
		PrivateKey: key,
		BaseURL:    cfg.Github.APIBaseURL,
		Timeout:    cfg.GithubRequestTimeout(),
		Clock:      clk,
	})
	if err != nil {
		return nil, err
	}

	recorder := newAuditRecorder(cfg)
	cache := permcache.New(db, clk)
	rec := reconciler.New(db, gh, cache, cfg.Github.FetchConcurrency)
	syncer := githubsync.New(db, gh, cache, rec, recorder, cfg.Github.FetchConcurrency)

	throttle, err := newThrottle(cfg, db, clk)
	if err != nil {
		return nil, err
	}
	router := recompute.NewRouter(db, cache, throttle, syncer, rec)

	queue := webhookqueue.New(db, router, recorder, alert.GetAlertMgr(), clk, webhookqueue.Options{
		Secret:         []byte(cfg.Github.WebhookSecret),
		BatchSize:      cfg.WebhookQueue.BatchSize,
		MaxAttempts:    cfg.WebhookQueue.MaxAttempts,
		AttemptTimeout: secondsOf(cfg.WebhookQueue.AttemptTimeoutSeconds),
		StaleAfter:     minutesOf(cfg.WebhookQueue.StaleProcessingMinutes),
	})
	if len(cfg.Github.WebhookSecret) == 0 {
		klog.Warning("github.webhookSecret is empty, every webhook delivery will be rejected")
	}

	cronJobManager := cronjob.NewCronJobManager(db, queue, syncer, clk)
	if err := cronJobManager.EnsureDefaultJobs(ctx, cfg); err != nil {
		return nil, fmt.Errorf("ensure default cron jobs: %w", err)
	}

	return &handler.RegisterConfig{
		DB:             db,
		Audit:          recorder,
		Tokens:         util.GetTokenMgr(),
		ServiceToken:   cfg.Auth.ServiceToken,
		Access:         access.New(db, recorder),
		Resolver:       resolver.New(db, recorder),
		Mappings:       mapping.NewStore(db),
		Syncer:         syncer,
		Reconciler:     rec,
		TeamAdmin:      reconciler.NewAdmin(db, recorder),
		WebhookQueue:   queue,
		CronJobManager: cronJobManager,
	}, nil
}

// newAuditRecorder always logs audit events and forwards them to the sink when one is configured.
func newAuditRecorder(cfg *config.Config) audit.Recorder {
	if cfg.Audit.SinkURL == "" {
		return audit.LogRecorder{}
	}
	return audit.Multi{
		audit.LogRecorder{},
		audit.NewHTTPRecorder(cfg.Audit.SinkURL, secondsOf(cfg.Audit.TimeoutSeconds)),
	}
}

// newThrottle picks the debounce store. The database store shares marks between instances.
func newThrottle(cfg *config.Config, db *gorm.DB, clk clock.PassiveClock) (recompute.RecomputeThrottle, error) {
	switch cfg.Recompute.Throttle {
	case "memory":
		return recompute.NewMemoryThrottle(clk, cfg.DebounceWindow(), cfg.Recompute.MaxEntries), nil
	case "database":
		return recompute.NewDBThrottle(db, clk, cfg.DebounceWindow()), nil
	default:
		return nil, fmt.Errorf("unknown recompute.throttle %q, want memory or database", cfg.Recompute.Throttle)
	}
}
