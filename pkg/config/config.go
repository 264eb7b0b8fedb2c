package config

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/hashicorp/vault-client-go"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	NodeID     int64  `mapstructure:"NODE_ID"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Otel struct {
		Addr     string `mapstructure:"ADDR"`
		Protocol string `mapstructure:"PROTOCOL"`
	} `mapstructure:"OTEL"`
	Pyroscope struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"PYROSCOPE"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Grpc struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"GRPC_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		Path           string `mapstructure:"PATH"`
		Metrics        bool   `mapstructure:"METRICS"`
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
	Flagsmith struct {
		Addr   string `mapstructure:"ADDR"`
		ApiKey string `mapstructure:"API_KEY"`
	} `mapstructure:"FLAGSMITH"`
	Minio struct {
		Endpoint   string `mapstructure:"ENDPOINT"`
		AccessKey  string `mapstructure:"ACCESS_KEY"`
		SecretKey  string `mapstructure:"SECRET_KEY"`
		Secure     bool   `mapstructure:"SECURE"`
		BucketName string `mapstructure:"BUCKET_NAME"`
	} `mapstructure:"MINIO"`
	Processor Processor             `mapstructure:"PROCESSOR"`
	Balance   Balance               `mapstructure:"BALANCE"`
	Rails     map[string]RailConfig `mapstructure:"RAILS"`
}

// Processor tunes the payout job worker pool.
type Processor struct {
	Workers         int             `mapstructure:"WORKERS"`
	BatchSize       int             `mapstructure:"BATCH_SIZE"`
	PollInterval    time.Duration   `mapstructure:"POLL_INTERVAL"`
	ErrorBackoff    time.Duration   `mapstructure:"ERROR_BACKOFF"`
	MaxAttempts     int             `mapstructure:"MAX_ATTEMPTS"`
	BackoffLadder   []time.Duration `mapstructure:"BACKOFF_LADDER"`
	JitterRatio     float64         `mapstructure:"JITTER_RATIO"`
	StatsTTL        time.Duration   `mapstructure:"STATS_TTL"`
	Retention       time.Duration   `mapstructure:"RETENTION"`
	ClaimTimeout    time.Duration   `mapstructure:"CLAIM_TIMEOUT"`
	ProviderTimeout time.Duration   `mapstructure:"PROVIDER_TIMEOUT"`
	PollBatch       int             `mapstructure:"POLL_BATCH"`
}

// Balance tunes the balance read-view cache.
type Balance struct {
	CacheTTL time.Duration `mapstructure:"CACHE_TTL"`
}

// RailConfig carries provider credentials and the per-rail money policy.
// Amounts are minor units, fees are basis points.
type RailConfig struct {
	Enabled         *bool    `mapstructure:"ENABLED"`
	BaseURL         string   `mapstructure:"BASE_URL"`
	APIKey          string   `mapstructure:"API_KEY"`
	APISecret       string   `mapstructure:"API_SECRET"`
	PlatformFeeBps  int64    `mapstructure:"PLATFORM_FEE_BPS"`
	ProviderFeeBps  int64    `mapstructure:"PROVIDER_FEE_BPS"`
	ProviderFeeFlat int64    `mapstructure:"PROVIDER_FEE_FLAT"`
	ProviderFeeMin  int64    `mapstructure:"PROVIDER_FEE_MIN"`
	MinAmount       int64    `mapstructure:"MIN_AMOUNT"`
	MaxAmount       int64    `mapstructure:"MAX_AMOUNT"`
	DailyLimit      int64    `mapstructure:"DAILY_LIMIT"`
	MonthlyLimit    int64    `mapstructure:"MONTHLY_LIMIT"`
	Countries       []string `mapstructure:"COUNTRIES"`
	Currencies      []string `mapstructure:"CURRENCIES"`
	RateLimitRPS    float64  `mapstructure:"RATE_LIMIT_RPS"`
	// BackoffLadder overrides PROCESSOR.BACKOFF_LADDER for this rail when set.
	BackoffLadder []time.Duration `mapstructure:"BACKOFF_LADDER"`
}

// IsEnabled treats an unset ENABLED key as enabled.
func (r RailConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Rail returns the merged settings for a rail id, falling back to defaults.
func (c *Config) Rail(id string) RailConfig {
	if rc, ok := c.Rails[id]; ok {
		return rc
	}
	return DefaultRails()[id]
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

func LoadConfig(p Params) (*Config, error) {
	cfg, err := Load("")
	if err != nil {
		return nil, err
	}

	if p.Vault != nil {
		if err := applyVaultSecrets(context.Background(), p.Vault, cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Load reads config.yaml (from path when given, otherwise the working
// directory) and the environment. A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		zap.L().Warn("config file not found, using defaults and environment")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.Processor = cfg.Processor.normalize()
	cfg.Rails = mergeRails(cfg.Rails, v.IsSet)

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultProcessor()

	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "payout-engine")
	v.SetDefault("NODE_ID", 1)
	v.SetDefault("HTTP_SERVER.ADDR", "8080")
	v.SetDefault("HTTP_SERVER.READ_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.WRITE_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.IDLE_TIMEOUT", 60*time.Second)
	v.SetDefault("GRPC_SERVER.ADDR", "9090")
	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("DATABASE.SSLMODE", "disable")
	v.SetDefault("DATABASE.TIMEZONE", "UTC")
	v.SetDefault("REDIS.ADDR", "127.0.0.1:6379")
	v.SetDefault("REDIS.POOL_SIZE", 10)
	v.SetDefault("REDIS.POOL_TIMEOUT", 4*time.Second)
	v.SetDefault("BALANCE.CACHE_TTL", time.Minute)

	v.SetDefault("PROCESSOR.WORKERS", d.Workers)
	v.SetDefault("PROCESSOR.BATCH_SIZE", d.BatchSize)
	v.SetDefault("PROCESSOR.POLL_INTERVAL", d.PollInterval)
	v.SetDefault("PROCESSOR.ERROR_BACKOFF", d.ErrorBackoff)
	v.SetDefault("PROCESSOR.MAX_ATTEMPTS", d.MaxAttempts)
	v.SetDefault("PROCESSOR.JITTER_RATIO", d.JitterRatio)
	v.SetDefault("PROCESSOR.STATS_TTL", d.StatsTTL)
	v.SetDefault("PROCESSOR.RETENTION", d.Retention)
	v.SetDefault("PROCESSOR.CLAIM_TIMEOUT", d.ClaimTimeout)
	v.SetDefault("PROCESSOR.PROVIDER_TIMEOUT", d.ProviderTimeout)
	v.SetDefault("PROCESSOR.POLL_BATCH", d.PollBatch)
}

func applyVaultSecrets(ctx context.Context, client *vault.Client, cfg *Config) error {
	zap.L().Info("Starting Get Secrets", zap.String("path", cfg.AppEnv))
	secret, err := client.Secrets.KvV2Read(ctx, cfg.AppEnv, vault.WithMountPath("secret"))
	if err != nil {
		zap.L().Error("failed get secret from vault", zap.Error(err))
		return err
	}
	zap.L().Info("Success Get Secret")

	get := func(key string) string {
		if val, ok := secret.Data.Data[key].(string); ok {
			return val
		}
		return ""
	}

	override := func(dst *string, key string) {
		if v := get(key); v != "" {
			*dst = v
		}
	}

	override(&cfg.Database.User, "postgres_user")
	override(&cfg.Database.Password, "postgres_password")
	override(&cfg.Redis.Password, "redis_password")
	override(&cfg.Flagsmith.ApiKey, "flagsmith_api_key")
	override(&cfg.Minio.SecretKey, "minio_secret_key")

	for id, rc := range cfg.Rails {
		override(&rc.APIKey, id+"_api_key")
		override(&rc.APISecret, id+"_api_secret")
		cfg.Rails[id] = rc
	}

	return nil
}
