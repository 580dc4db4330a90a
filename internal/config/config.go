package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ストアのドライバー名
const (
	DriverMemory    = "memory"
	DriverFirestore = "firestore"
	DriverRedis     = "redis"
	DriverPostgres  = "postgres"
)

type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Firestore FirestoreConfig `yaml:"firestore" mapstructure:"firestore"`
	Redis     RedisConfig     `yaml:"redis" mapstructure:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres" mapstructure:"postgres"`
	Query     QueryConfig     `yaml:"query" mapstructure:"query"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

type StoreConfig struct {
	Driver     string `yaml:"driver" mapstructure:"driver"`
	Collection string `yaml:"collection" mapstructure:"collection"`
	OrderField string `yaml:"order_field" mapstructure:"order_field"`
}

type FirestoreConfig struct {
	ProjectID       string `yaml:"project_id" mapstructure:"project_id"`
	CredentialsFile string `yaml:"credentials_file" mapstructure:"credentials_file"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr" mapstructure:"addr"`
	Password  string `yaml:"password" mapstructure:"password"`
	DB        int    `yaml:"db" mapstructure:"db"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
}

type PostgresConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Channel     string `yaml:"channel" mapstructure:"channel"`
}

// QueryConfig ライブクエリの購読整理の設定
type QueryConfig struct {
	CleanupInterval        time.Duration `yaml:"cleanup_interval" mapstructure:"cleanup_interval"`
	CleanupDebounce        time.Duration `yaml:"cleanup_debounce" mapstructure:"cleanup_debounce"`
	MaxRangesBeforeCleanup int           `yaml:"max_ranges_before_cleanup" mapstructure:"max_ranges_before_cleanup"`
}

type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load .env、config.yaml、GEOQUERY_* 環境変数の順に設定を読み込む
// path を指定した場合はそのファイルを設定ファイルとして使う
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		zap.L().Debug(".env file not found, using system environment variables")
	}

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("GEOQUERY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.collection", "locations")
	v.SetDefault("store.order_field", "g")
	v.SetDefault("firestore.project_id", "")
	v.SetDefault("firestore.credentials_file", "")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.namespace", "geoquery")
	v.SetDefault("postgres.database_url", "")
	v.SetDefault("postgres.channel", "geo_locations_changes")
	v.SetDefault("query.cleanup_interval", "10s")
	v.SetDefault("query.cleanup_debounce", "10ms")
	v.SetDefault("query.max_ranges_before_cleanup", 25)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); path != "" || !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ドライバーごとの必須項目を検証する
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory, DriverRedis:
	case DriverFirestore:
		if c.Firestore.ProjectID == "" {
			return eris.New("config: firestore.project_id is required for the firestore driver")
		}
	case DriverPostgres:
		if c.Postgres.DatabaseURL == "" {
			return eris.New("config: postgres.database_url is required for the postgres driver")
		}
	default:
		return eris.Errorf("config: unknown store.driver %q (memory, firestore, redis, postgres)", c.Store.Driver)
	}
	if c.Store.OrderField != "g" && c.Store.OrderField != ".priority" {
		return eris.Errorf("config: store.order_field must be \"g\" or \".priority\", got %q", c.Store.OrderField)
	}
	if c.Query.MaxRangesBeforeCleanup <= 0 {
		return eris.New("config: query.max_ranges_before_cleanup must be positive")
	}
	return nil
}

// InitLogger zapのグローバルロガーを設定する
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)
	return nil
}
