package config

import (
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"
	"sigs.k8s.io/yaml"
)

type Config struct {
	// Port Settings
	Host       string `json:"host"`       // The domain name of the server.
	ServerAddr string `json:"serverAddr"` // The address the server endpoint binds to.

	Auth struct {
		AccessTokenSecret     string `json:"accessTokenSecret"`
		AccessTokenExpiryHour int    `json:"accessTokenExpiryHour"`
		// Callers presenting this token act as the service principal and reach the admin routes.
		ServiceToken string `json:"serviceToken"`
	} `json:"auth"`

	// DB Settings
	Postgres struct {
		Host     string   `json:"host"`
		Port     string   `json:"port"`
		DBName   string   `json:"dbname"`
		User     string   `json:"user"`
		Password string   `json:"password"`
		SSLMode  string   `json:"sslmode"`
		TimeZone string   `json:"TimeZone"`
		Replicas []string `json:"replicas"` // DSNs of read replicas, optional
	} `json:"postgres"`

	Github struct {
		AppID                 int64  `json:"appID"`
		PrivateKey            string `json:"privateKey"`     // PEM content, takes precedence over PrivateKeyPath
		PrivateKeyPath        string `json:"privateKeyPath"` // PEM file
		WebhookSecret         string `json:"webhookSecret"`
		APIBaseURL            string `json:"apiBaseURL"` // empty for api.github.com
		RequestTimeoutSeconds int    `json:"requestTimeoutSeconds"`
		FetchConcurrency      int    `json:"fetchConcurrency"`
	} `json:"github"`

	WebhookQueue struct {
		Schedule               string `json:"schedule"` // cron spec for "process one batch"
		BatchSize              int    `json:"batchSize"`
		MaxAttempts            int    `json:"maxAttempts"`
		AttemptTimeoutSeconds  int    `json:"attemptTimeoutSeconds"`
		StaleProcessingMinutes int    `json:"staleProcessingMinutes"`
	} `json:"webhookQueue"`

	Recompute struct {
		Throttle         string `json:"throttle"` // memory | database
		DebounceWindowMS int    `json:"debounceWindowMS"`
		MaxEntries       int    `json:"maxEntries"`
	} `json:"recompute"`

	PermissionSync struct {
		Schedule string `json:"schedule"` // cron spec of the periodic full sync, empty disables it
	} `json:"permissionSync"`

	Audit struct {
		SinkURL        string `json:"sinkURL"` // empty logs audit events only
		TimeoutSeconds int    `json:"timeoutSeconds"`
	} `json:"audit"`

	Alert struct {
		Enable bool `json:"enable"`
		SMTP   struct {
			Host     string   `json:"host"`
			Port     int      `json:"port"`
			User     string   `json:"user"`
			Password string   `json:"password"`
			From     string   `json:"from"`
			Notify   []string `json:"notify"`
		} `json:"smtp"`
		Robot struct {
			WebhookAddress string `json:"webhookAddress"`
		} `json:"robot"`
	} `json:"alert"`
}

const (
	defaultRequestTimeoutSeconds = 15
	defaultFetchConcurrency      = 4
	defaultBatchSize             = 20
	defaultMaxAttempts           = 3
	defaultAttemptTimeout        = 30
	defaultStaleMinutes          = 10
	defaultDebounceWindowMS      = 8000
	defaultDebounceMaxEntries    = 5000
	defaultAuditTimeoutSeconds   = 5
	defaultAccessTokenExpiryHour = 24
)

var (
	once   sync.Once
	config *Config
)

func GetConfig() *Config {
	once.Do(func() {
		config = initConfig()
	})
	return config
}

func IsDebugMode() bool {
	return gin.Mode() == gin.DebugMode
}

// initConfig reads the configuration file.
// In debug mode the path comes from MEMORIA_DEBUG_CONFIG_PATH (default ./etc/debug-config.yaml),
// otherwise MEMORIA_CONFIG_PATH (default /etc/memoria/config.yaml).
func initConfig() *Config {
	config := &Config{}
	var configPath string
	if IsDebugMode() {
		if os.Getenv("MEMORIA_DEBUG_CONFIG_PATH") != "" {
			configPath = os.Getenv("MEMORIA_DEBUG_CONFIG_PATH")
		} else {
			configPath = "./etc/debug-config.yaml"
		}
	} else if os.Getenv("MEMORIA_CONFIG_PATH") != "" {
		configPath = os.Getenv("MEMORIA_CONFIG_PATH")
	} else {
		configPath = "/etc/memoria/config.yaml"
	}
	klog.Info("config path: ", configPath)

	err := ReadConfig(configPath, config)
	if err != nil {
		klog.Error("init config", err)
		panic(err)
	}
	return config
}

// ReadConfig parses the YAML file at filePath into config and fills defaults.
func ReadConfig(filePath string, config *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	if err = yaml.Unmarshal(data, config); err != nil {
		return err
	}
	config.ApplyDefaults()
	return nil
}

// ApplyDefaults fills zero values with the built-in defaults.
func (c *Config) ApplyDefaults() {
	if c.Auth.AccessTokenExpiryHour <= 0 {
		c.Auth.AccessTokenExpiryHour = defaultAccessTokenExpiryHour
	}
	if c.Github.RequestTimeoutSeconds <= 0 {
		c.Github.RequestTimeoutSeconds = defaultRequestTimeoutSeconds
	}
	if c.Github.FetchConcurrency <= 0 {
		c.Github.FetchConcurrency = defaultFetchConcurrency
	}
	if c.WebhookQueue.Schedule == "" {
		c.WebhookQueue.Schedule = "@every 5s"
	}
	if c.WebhookQueue.BatchSize <= 0 {
		c.WebhookQueue.BatchSize = defaultBatchSize
	}
	if c.WebhookQueue.MaxAttempts <= 0 {
		c.WebhookQueue.MaxAttempts = defaultMaxAttempts
	}
	if c.WebhookQueue.AttemptTimeoutSeconds <= 0 {
		c.WebhookQueue.AttemptTimeoutSeconds = defaultAttemptTimeout
	}
	if c.WebhookQueue.StaleProcessingMinutes <= 0 {
		c.WebhookQueue.StaleProcessingMinutes = defaultStaleMinutes
	}
	if c.Recompute.Throttle == "" {
		c.Recompute.Throttle = "memory"
	}
	if c.Recompute.DebounceWindowMS <= 0 {
		c.Recompute.DebounceWindowMS = defaultDebounceWindowMS
	}
	if c.Recompute.MaxEntries <= 0 {
		c.Recompute.MaxEntries = defaultDebounceMaxEntries
	}
	if c.Audit.TimeoutSeconds <= 0 {
		c.Audit.TimeoutSeconds = defaultAuditTimeoutSeconds
	}
}

func (c *Config) GithubRequestTimeout() time.Duration {
	return time.Duration(c.Github.RequestTimeoutSeconds) * time.Second
}

func (c *Config) DebounceWindow() time.Duration {
	return time.Duration(c.Recompute.DebounceWindowMS) * time.Millisecond
}

// GithubPrivateKey returns the PEM encoded App key.
func (c *Config) GithubPrivateKey() ([]byte, error) {
	if c.Github.PrivateKey != "" {
		return []byte(c.Github.PrivateKey), nil
	}
	if c.Github.PrivateKeyPath == "" {
		return nil, nil
	}
	return os.ReadFile(c.Github.PrivateKeyPath)
}
