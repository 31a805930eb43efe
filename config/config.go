package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config holds all runtime settings. Keys map to upper-snake environment
// variables, e.g. database.host -> DATABASE_HOST.
type Config struct {
	Port        string `mapstructure:"port"`
	Environment string `mapstructure:"environment"`
	JWTSecret   string `mapstructure:"jwt_secret"`

	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Mongo     MongoConfig     `mapstructure:"mongo"`
	Log       LogConfig       `mapstructure:"log"`
	PriceAPI  PriceAPIConfig  `mapstructure:"price_api"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Analytics AnalyticsConfig `mapstructure:"analytics"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // postgres, mysql, sqlite
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
	Path     string `mapstructure:"path"` // sqlite file
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"` // empty disables redis
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	PriceTTL time.Duration `mapstructure:"price_ttl"`
}

type MongoConfig struct {
	URI      string `mapstructure:"uri"` // empty disables the snapshot archive
	Database string `mapstructure:"database"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

type PriceAPIConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	APIKey        string        `mapstructure:"api_key"`
	QuoteCurrency string        `mapstructure:"quote_currency"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type StreamConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	URL          string        `mapstructure:"url"`
	Symbols      []string      `mapstructure:"symbols"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
	PongWait     time.Duration `mapstructure:"pong_wait"`
	MaxFailures  int           `mapstructure:"max_failures"`
	MaxClients   int           `mapstructure:"max_clients"`
}

type NotifyConfig struct {
	FirebaseCredentialsFile string `mapstructure:"firebase_credentials_file"`
	TelegramBotToken        string `mapstructure:"telegram_bot_token"`
}

type ExchangeConfig struct {
	EncryptionKey  string `mapstructure:"encryption_key"`
	BinanceTestnet bool   `mapstructure:"binance_testnet"`
	EthereumRPCURL string `mapstructure:"ethereum_rpc_url"`
}

type JobsConfig struct {
	PriceRefreshInterval time.Duration `mapstructure:"price_refresh_interval"`
	AlertInterval        time.Duration `mapstructure:"alert_interval"`
	SnapshotInterval     time.Duration `mapstructure:"snapshot_interval"`
	SyncInterval         time.Duration `mapstructure:"sync_interval"`
	PruneAt              string        `mapstructure:"prune_at"`
	HistoryRetention     time.Duration `mapstructure:"history_retention"`
}

type AnalyticsConfig struct {
	RiskFreeRate float64 `mapstructure:"risk_free_rate"`
}

var AppConfig *Config
var DB *gorm.DB

// LoadConfig reads defaults, an optional config file, .env and the environment.
func LoadConfig() (*Config, error) {
	v := viper.New()
	return loadWith(v, true)
}

func loadWith(v *viper.Viper, readFiles bool) (*Config, error) {
	if readFiles {
		// Load .env file if it exists
		_ = godotenv.Load()
	}

	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvAliases(v)
	setDefaults(v)

	if readFiles {
		v.SetConfigName("config.local")
		if err := v.ReadInConfig(); err != nil {
			v.SetConfigName("config")
			if err := v.ReadInConfig(); err != nil {
				var notFound viper.ConfigFileNotFoundError
				if !errors.As(err, &notFound) {
					return nil, fmt.Errorf("read config file: %w", err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Stream.Symbols = normalizeList(cfg.Stream.Symbols)

	AppConfig = &cfg
	return &cfg, nil
}

// bindEnvAliases accepts the short variable names used in deployment docs
// next to the upper-snake key names.
func bindEnvAliases(v *viper.Viper) {
	_ = v.BindEnv("database.driver", "DATABASE_DRIVER", "DB_DRIVER")
	_ = v.BindEnv("jobs.price_refresh_interval", "JOBS_PRICE_REFRESH_INTERVAL", "PRICE_REFRESH_INTERVAL")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("environment", "development")
	v.SetDefault("jwt_secret", "change-me")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "crypto_tracker")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.path", "data/tracker.db")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.price_ttl", 5*time.Minute)

	v.SetDefault("mongo.uri", "")
	v.SetDefault("mongo.database", "crypto_tracker")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file_path", "")
	v.SetDefault("log.max_size", 200)
	v.SetDefault("log.max_age", 30)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.compress", false)

	v.SetDefault("price_api.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("price_api.api_key", "")
	v.SetDefault("price_api.quote_currency", "usd")
	v.SetDefault("price_api.timeout", 15*time.Second)

	v.SetDefault("stream.enabled", true)
	v.SetDefault("stream.url", "wss://stream.binance.com:9443")
	v.SetDefault("stream.symbols", []string{"BTC", "ETH", "SOL", "BNB", "XRP", "ADA"})
	v.SetDefault("stream.ping_interval", 30*time.Second)
	v.SetDefault("stream.pong_wait", 60*time.Second)
	v.SetDefault("stream.max_failures", 5)
	v.SetDefault("stream.max_clients", 500)

	v.SetDefault("notify.firebase_credentials_file", "")
	v.SetDefault("notify.telegram_bot_token", "")

	v.SetDefault("exchange.encryption_key", "")
	v.SetDefault("exchange.binance_testnet", false)
	v.SetDefault("exchange.ethereum_rpc_url", "")

	v.SetDefault("jobs.price_refresh_interval", time.Minute)
	v.SetDefault("jobs.alert_interval", time.Minute)
	v.SetDefault("jobs.snapshot_interval", time.Hour)
	v.SetDefault("jobs.sync_interval", 15*time.Minute)
	v.SetDefault("jobs.prune_at", "03:00")
	v.SetDefault("jobs.history_retention", 90*24*time.Hour)

	v.SetDefault("analytics.risk_free_rate", 0.0)
}

// InitDB opens the configured database and verifies the connection.
func InitDB() (*gorm.DB, error) {
	if AppConfig == nil {
		return nil, errors.New("config not loaded")
	}
	dbCfg := AppConfig.Database

	zap.L().Info("Connecting to database",
		zap.String("driver", dbCfg.Driver),
		zap.String("host", maskHost(dbCfg.Host)),
		zap.String("port", dbCfg.Port),
		zap.String("user", dbCfg.User),
		zap.String("dbname", dbCfg.Name),
	)

	dialector, err := dialectorFor(dbCfg)
	if err != nil {
		return nil, err
	}

	logLevel := logger.Info
	if AppConfig.Environment == "production" {
		logLevel = logger.Error
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	zap.L().Info("Database connection verified")
	DB = db
	return db, nil
}

func dialectorFor(c DatabaseConfig) (gorm.Dialector, error) {
	switch strings.ToLower(c.Driver) {
	case "", "postgres", "postgresql":
		dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
			c.Host, c.User, c.Password, c.Name, c.Port, c.SSLMode)
		return postgres.Open(dsn), nil
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			c.User, c.Password, c.Host, c.Port, c.Name)
		return mysql.Open(dsn), nil
	case "sqlite", "sqlite3":
		if dir := filepath.Dir(c.Path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
		return sqlite.Open(c.Path), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", c.Driver)
	}
}

// maskHost masks host for logging, preserving domain structure
func maskHost(host string) string {
	if len(host) <= 3 {
		return "***"
	}
	if len(host) <= 15 {
		return host[:3] + "***"
	}
	return host[:8] + "***" + host[len(host)-10:]
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, raw := range in {
		for _, s := range strings.Split(raw, ",") {
			s = strings.ToUpper(strings.TrimSpace(s))
			if s == "" || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
