package config

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/vault-client-go"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var config = viper.New()

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Otel struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"OTEL"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Queue struct {
		Concurrency     int           `mapstructure:"CONCURRENCY"`
		ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`
		// Weights overrides the per queue priority, keyed by queue name.
		Weights map[string]int `mapstructure:"WEIGHTS"`
	} `mapstructure:"QUEUE"`
	Flagsmith struct {
		Addr   string `mapstructure:"ADDR"`
		ApiKey string `mapstructure:"API_KEY"`
	} `mapstructure:"FLAGSMITH"`
	Vault struct {
		Enable    bool   `mapstructure:"ENABLE"`
		MountPath string `mapstructure:"MOUNT_PATH"`
	} `mapstructure:"VAULT"`
	Twilio struct {
		AccountSID string `mapstructure:"ACCOUNT_SID"`
		AuthToken  string `mapstructure:"AUTH_TOKEN"`
		FromNumber string `mapstructure:"FROM_NUMBER"`
		BaseURL    string `mapstructure:"BASE_URL"`
	} `mapstructure:"TWILIO"`
	AWS struct {
		Region    string `mapstructure:"REGION"`
		SESSender string `mapstructure:"SES_SENDER"`
	} `mapstructure:"AWS"`
	// Platform is the root of the tenant hierarchy, created at boot.
	Platform struct {
		Name string `mapstructure:"NAME"`
		Slug string `mapstructure:"SLUG"`
	} `mapstructure:"PLATFORM"`
	// APIKeys maps an API key to its casbin role.
	APIKeys map[string]string `mapstructure:"API_KEYS"`
	// RewardCodeKey encrypts gift card codes at rest. 32 bytes after sha256.
	RewardCodeKey string `mapstructure:"REWARD_CODE_KEY"`

	Fulfillment Fulfillment `mapstructure:"FULFILLMENT"`
}

type Fulfillment struct {
	RetryCeiling       int           `mapstructure:"RETRY_CEILING"`
	SweepBatchSize     int           `mapstructure:"SWEEP_BATCH_SIZE"`
	SweepInterval      time.Duration `mapstructure:"SWEEP_INTERVAL"`
	SendTimeout        time.Duration `mapstructure:"SEND_TIMEOUT"`
	ClaimAttempts      int           `mapstructure:"CLAIM_ATTEMPTS"`
	CircuitThreshold   int           `mapstructure:"CIRCUIT_THRESHOLD"`
	CircuitCooldown    time.Duration `mapstructure:"CIRCUIT_COOLDOWN"`
	RevalidationWindow time.Duration `mapstructure:"REVALIDATION_WINDOW"`
	ConditionCacheTTL  time.Duration `mapstructure:"CONDITION_CACHE_TTL"`
	// HandoffGrace is how long a completed condition may wait for its first
	// dispatch before the sweep hands it off again.
	HandoffGrace time.Duration `mapstructure:"HANDOFF_GRACE"`
}

// Defaults fills zero values with the production constants.
func (f Fulfillment) Defaults() Fulfillment {
	if f.RetryCeiling <= 0 {
		f.RetryCeiling = 3
	}
	if f.SweepBatchSize <= 0 {
		f.SweepBatchSize = 10
	}
	if f.SweepInterval <= 0 {
		f.SweepInterval = 5 * time.Minute
	}
	if f.SendTimeout <= 0 {
		f.SendTimeout = 10 * time.Second
	}
	if f.ClaimAttempts <= 0 {
		f.ClaimAttempts = 3
	}
	if f.CircuitThreshold <= 0 {
		f.CircuitThreshold = 5
	}
	if f.CircuitCooldown <= 0 {
		f.CircuitCooldown = 30 * time.Minute
	}
	if f.RevalidationWindow <= 0 {
		f.RevalidationWindow = 30 * 24 * time.Hour
	}
	if f.ConditionCacheTTL <= 0 {
		f.ConditionCacheTTL = time.Minute
	}
	if f.HandoffGrace <= 0 {
		f.HandoffGrace = time.Minute
	}
	return f
}

// StaleAfter is how long a pending delivery may go without a stage write
// before another worker may take it over.
func (f Fulfillment) StaleAfter() time.Duration {
	return 3 * f.SendTimeout
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

func LoadConfig(p Params) *Config {
	// .env is optional; real deployments inject the environment directly.
	_ = godotenv.Load()

	config.SetConfigName("config")
	config.SetConfigType("yaml")
	config.AddConfigPath(".")

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()

	if err := config.ReadInConfig(); err != nil {
		zap.L().Error("failed to read config", zap.Error(err))
		os.Exit(1)
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		zap.L().Error("failed to unmarshal config", zap.Error(err))
		os.Exit(1)
	}
	cfg.Fulfillment = cfg.Fulfillment.Defaults()

	if p.Vault != nil && cfg.Vault.Enable {
		mount := cfg.Vault.MountPath
		if mount == "" {
			mount = "secret"
		}

		zap.L().Info("Starting Get Secrets", zap.String("path", cfg.AppEnv))
		secret, err := p.Vault.Secrets.KvV2Read(context.Background(), cfg.AppEnv, vault.WithMountPath(mount))
		if err != nil {
			zap.L().Error("failed get secret from vault", zap.Error(err))
			os.Exit(1)
		}
		zap.L().Info("Success Get Secret")

		get := func(key string) string {
			if val, ok := secret.Data.Data[key].(string); ok {
				return val
			}
			return ""
		}

		cfg.Database.User = get("postgres_user")
		cfg.Database.Password = get("postgres_password")
		cfg.Redis.Password = get("redis_password")
		cfg.Flagsmith.ApiKey = get("flagsmith_api_key")
		cfg.Twilio.AuthToken = get("twilio_auth_token")
		cfg.RewardCodeKey = get("reward_code_key")
	}

	return &cfg
}
