package config

import (
	"time"

	"github.com/lk2023060901/auth-garden-go/pkg/log"
	"github.com/lk2023060901/auth-garden-go/pkg/util/merr"
	zviper "github.com/lk2023060901/auth-garden-go/pkg/util/viper"
)

const envPrefix = "AUTHD"

// ServerConfig 对外 TCP 服务配置。
type ServerConfig struct {
	ListenAddr     string        `mapstructure:"listen-addr"`
	MaxPayloadSize int           `mapstructure:"max-payload-size"`
	ReadTimeout    time.Duration `mapstructure:"read-timeout"`
	WriteTimeout   time.Duration `mapstructure:"write-timeout"`
}

// RegistryConfig 会话注册表配置。
type RegistryConfig struct {
	// IdleTimeout 为 PreLogin/LoggedIn 会话允许的最大空闲时间。
	IdleTimeout time.Duration `mapstructure:"idle-timeout"`
	// MaxSessions 为同时在线会话上限，0 表示不限。
	MaxSessions int `mapstructure:"max-sessions"`
}

// GuardConfig 连接 IP 会话仲裁服务的配置。
type GuardConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Addr             string        `mapstructure:"addr"`
	DialTimeout      time.Duration `mapstructure:"dial-timeout"`
	ReconnectInitial time.Duration `mapstructure:"reconnect-initial"`
	ReconnectMax     time.Duration `mapstructure:"reconnect-max"`
}

// WorldConfig 单个世界服务器的静态描述。
type WorldConfig struct {
	ID       int    `mapstructure:"id"`
	Name     string `mapstructure:"name"`
	Addr     string `mapstructure:"addr"`
	MaxUsers int    `mapstructure:"max-users"`
}

// ProductConfig 单个可购买商品的静态描述。
type ProductConfig struct {
	SKU         string `mapstructure:"sku"`
	Name        string `mapstructure:"name"`
	Points      int32  `mapstructure:"points"`
	Recoverable bool   `mapstructure:"recoverable"`
}

// TxnConfig 交易管理配置。
type TxnConfig struct {
	Workers      int `mapstructure:"workers"`
	QueueSize    int `mapstructure:"queue-size"`
	MaxBatchSize int `mapstructure:"max-batch-size"`
}

// StoreConfig 持久化层配置。
// Driver 取值 postgres 或 memory。
type StoreConfig struct {
	Driver       string        `mapstructure:"driver"`
	DSN          string        `mapstructure:"dsn"`
	MaxOpenConns int           `mapstructure:"max-open-conns"`
	MaxIdleConns int           `mapstructure:"max-idle-conns"`
	ConnLifetime time.Duration `mapstructure:"conn-lifetime"`
}

// MetricsConfig Prometheus 指标服务配置。
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen-addr"`
}

// Config authd 进程的顶层配置。
type Config struct {
	Server   ServerConfig    `mapstructure:"server"`
	Registry RegistryConfig  `mapstructure:"registry"`
	Guard    GuardConfig     `mapstructure:"guard"`
	Worlds   []WorldConfig   `mapstructure:"worlds"`
	Products []ProductConfig `mapstructure:"products"`
	Txn      TxnConfig       `mapstructure:"txn"`
	Store    StoreConfig     `mapstructure:"store"`
	Metrics  MetricsConfig   `mapstructure:"metrics"`
	Log      log.Config      `mapstructure:"log"`
}

func setDefaults(cfg *zviper.Config) {
	cfg.SetDefault("server.listen-addr", ":2106")
	cfg.SetDefault("server.max-payload-size", 4096)
	cfg.SetDefault("server.read-timeout", "30s")
	cfg.SetDefault("server.write-timeout", "10s")

	cfg.SetDefault("registry.idle-timeout", "5m")
	cfg.SetDefault("registry.max-sessions", 10000)

	cfg.SetDefault("guard.enabled", true)
	cfg.SetDefault("guard.addr", "127.0.0.1:2110")
	cfg.SetDefault("guard.dial-timeout", "5s")
	cfg.SetDefault("guard.reconnect-initial", "1s")
	cfg.SetDefault("guard.reconnect-max", "30s")

	cfg.SetDefault("txn.workers", 4)
	cfg.SetDefault("txn.queue-size", 1024)
	cfg.SetDefault("txn.max-batch-size", 8)

	cfg.SetDefault("store.driver", "memory")
	cfg.SetDefault("store.max-open-conns", 16)
	cfg.SetDefault("store.max-idle-conns", 4)
	cfg.SetDefault("store.conn-lifetime", "1h")

	cfg.SetDefault("metrics.listen-addr", ":9091")

	cfg.SetDefault("log.level", "info")
	cfg.SetDefault("log.format", "text")
}

// Load 从配置文件读取 authd 配置。
// path 为空时只使用默认值和环境变量。
func Load(path string) (*Config, error) {
	cfg := zviper.New()
	cfg.BindEnv(envPrefix)
	setDefaults(cfg)

	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}

	var out Config
	if err := cfg.Unmarshal(&out); err != nil {
		return nil, err
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

// Validate 检查配置的基本合法性。
func (c *Config) Validate() error {
	if c.Server.MaxPayloadSize <= 0 || c.Server.MaxPayloadSize > 0xFFFF {
		return merr.WrapErrParameterInvalidMsg("server.max-payload-size out of range: %d", c.Server.MaxPayloadSize)
	}
	if c.Registry.IdleTimeout <= 0 {
		return merr.WrapErrParameterInvalidMsg("registry.idle-timeout must be positive: %v", c.Registry.IdleTimeout)
	}
	if c.Registry.MaxSessions < 0 {
		return merr.WrapErrParameterInvalidMsg("registry.max-sessions must not be negative: %d", c.Registry.MaxSessions)
	}
	if c.Guard.Enabled && c.Guard.Addr == "" {
		return merr.WrapErrParameterInvalidMsg("guard.addr required when guard is enabled")
	}
	if c.Txn.Workers <= 0 {
		return merr.WrapErrParameterInvalidMsg("txn.workers must be positive: %d", c.Txn.Workers)
	}
	switch c.Store.Driver {
	case "postgres":
		if c.Store.DSN == "" {
			return merr.WrapErrParameterInvalidMsg("store.dsn required for postgres driver")
		}
	case "memory":
	default:
		return merr.WrapErrParameterInvalidMsg("unknown store.driver: %s", c.Store.Driver)
	}
	seen := make(map[int]struct{}, len(c.Worlds))
	for _, w := range c.Worlds {
		if w.ID <= 0 || w.ID > 0x7F {
			return merr.WrapErrParameterInvalidMsg("world id out of range: %d", w.ID)
		}
		if _, dup := seen[w.ID]; dup {
			return merr.WrapErrParameterInvalidMsg("duplicate world id: %d", w.ID)
		}
		seen[w.ID] = struct{}{}
	}
	skus := make(map[string]struct{}, len(c.Products))
	for _, p := range c.Products {
		if p.SKU == "" {
			return merr.WrapErrParameterInvalidMsg("product sku must not be empty")
		}
		if _, dup := skus[p.SKU]; dup {
			return merr.WrapErrParameterInvalidMsg("duplicate product sku: %s", p.SKU)
		}
		skus[p.SKU] = struct{}{}
	}
	return nil
}
