package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	apperrors "github.com/Ivaniiiii/ChessInBse/internal/errors"
)

// Config 全局配置结构体
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	WebSocket  WebSocketConfig  `mapstructure:"websocket"`
	Log        LogConfig        `mapstructure:"log"`
	Security   SecurityConfig   `mapstructure:"security"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Game       GameConfig       `mapstructure:"game"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	System     SystemConfig     `mapstructure:"system"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogLevel        string        `mapstructure:"log_level"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// WebSocketConfig WebSocket配置
type WebSocketConfig struct {
	Path              string        `mapstructure:"path"`
	ReadBufferSize    int           `mapstructure:"read_buffer_size"`
	WriteBufferSize   int           `mapstructure:"write_buffer_size"`
	MaxMessageSize    int64         `mapstructure:"max_message_size"`
	PingInterval      time.Duration `mapstructure:"ping_interval"`
	PongTimeout       time.Duration `mapstructure:"pong_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	EnableCompression bool          `mapstructure:"enable_compression"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level   string            `mapstructure:"level"`
	Format  string            `mapstructure:"format"`
	Output  string            `mapstructure:"output"`
	File    LogFileConfig     `mapstructure:"file"`
	Modules map[string]string `mapstructure:"modules"`
}

// LogFileConfig 日志文件配置
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// SecurityConfig 安全配置
type SecurityConfig struct {
	JWT JWTConfig `mapstructure:"jwt"`
}

// JWTConfig JWT配置
type JWTConfig struct {
	Secret       string `mapstructure:"secret"`
	Issuer       string `mapstructure:"issuer"`
	ExpireHours  int    `mapstructure:"expire_hours"`
	RefreshHours int    `mapstructure:"refresh_hours"`
}

// LedgerConfig 账本配置
type LedgerConfig struct {
	// CommissionRate 平台抽成比例，十进制字符串，例如 "0.05"
	CommissionRate  string `mapstructure:"commission_rate"`
	PlatformAccount string `mapstructure:"platform_account"`
}

// Rate 解析抽成比例
func (c LedgerConfig) Rate() (decimal.Decimal, error) {
	return decimal.NewFromString(c.CommissionRate)
}

// GameConfig 对局配置
type GameConfig struct {
	JoinTimeout   time.Duration `mapstructure:"join_timeout"`
	GameTimeout   time.Duration `mapstructure:"game_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// SettlementConfig 链上结算配置
type SettlementConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	OracleAddress  string        `mapstructure:"oracle_address"`
	Confirmations  int           `mapstructure:"confirmations"`
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	Chain          ChainConfig   `mapstructure:"chain"`
}

// ChainConfig 内存链配置
type ChainConfig struct {
	BlockInterval time.Duration `mapstructure:"block_interval"`
	AutoMine      bool          `mapstructure:"auto_mine"`
}

// MetricsConfig 监控指标配置
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// SystemConfig 系统配置
type SystemConfig struct {
	Timezone string `mapstructure:"timezone"`
	MaxProcs int    `mapstructure:"max_procs"`
}

var (
	cfg  *Config
	once sync.Once
	mu   sync.RWMutex
	v    *viper.Viper
)

// Init 初始化配置
func Init(configPath string) error {
	var err error
	once.Do(func() {
		v = viper.New()

		if configPath != "" {
			v.SetConfigFile(configPath)
		} else {
			v.SetConfigName("config")
			v.SetConfigType("yaml")
			v.AddConfigPath("./config")
			v.AddConfigPath(".")
		}

		v.SetEnvPrefix("CHESS_BET")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()

		setDefaults(v)

		if err = v.ReadInConfig(); err != nil {
			// 配置文件不存在时使用默认配置
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return
			}
			err = nil
		}

		loaded := &Config{}
		if err = v.Unmarshal(loaded); err != nil {
			return
		}
		if err = loaded.Validate(); err != nil {
			return
		}
		cfg = loaded
	})

	return err
}

// Default 返回仅包含默认值的配置，不影响全局实例
func Default() *Config {
	dv := viper.New()
	setDefaults(dv)
	c := &Config{}
	_ = dv.Unmarshal(c)
	return c
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	// 服务器默认配置
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "development")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// 数据库默认配置
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/chess-bet.db")
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.max_open_conns", 100)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.auto_migrate", true)

	// WebSocket默认配置
	v.SetDefault("websocket.path", "/ws")
	v.SetDefault("websocket.read_buffer_size", 1024)
	v.SetDefault("websocket.write_buffer_size", 1024)
	v.SetDefault("websocket.max_message_size", 8192)
	v.SetDefault("websocket.ping_interval", "54s")
	v.SetDefault("websocket.pong_timeout", "60s")
	v.SetDefault("websocket.write_timeout", "10s")
	v.SetDefault("websocket.enable_compression", false)

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "both")
	v.SetDefault("log.file.path", "./logs")
	v.SetDefault("log.file.filename", "chess-bet.log")
	v.SetDefault("log.file.max_size", 100)
	v.SetDefault("log.file.max_age", 30)
	v.SetDefault("log.file.max_backups", 7)
	v.SetDefault("log.file.compress", true)

	// 安全默认配置
	v.SetDefault("security.jwt.secret", "change-me-in-production")
	v.SetDefault("security.jwt.issuer", "chess-bet")
	v.SetDefault("security.jwt.expire_hours", 24)
	v.SetDefault("security.jwt.refresh_hours", 168)

	// 账本默认配置
	v.SetDefault("ledger.commission_rate", "0.05")
	v.SetDefault("ledger.platform_account", "platform")

	// 对局默认配置
	v.SetDefault("game.join_timeout", "10m")
	v.SetDefault("game.game_timeout", "30m")
	v.SetDefault("game.sweep_interval", "30s")

	// 结算默认配置
	v.SetDefault("settlement.enabled", true)
	v.SetDefault("settlement.oracle_address", "0x00000000000000000000000000000000000000a1")
	v.SetDefault("settlement.confirmations", 1)
	v.SetDefault("settlement.confirm_timeout", "30s")
	v.SetDefault("settlement.retry_delay", "10s")
	v.SetDefault("settlement.max_attempts", 5)
	v.SetDefault("settlement.poll_interval", "5s")
	v.SetDefault("settlement.chain.block_interval", "2s")
	v.SetDefault("settlement.chain.auto_mine", false)

	// 监控默认配置
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("system.timezone", "UTC")
	v.SetDefault("system.max_procs", 0)
}

// Validate 校验配置
func (c *Config) Validate() error {
	rate, err := c.Ledger.Rate()
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrConfigValidate, "抽成比例无法解析: %q", c.Ledger.CommissionRate)
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return apperrors.Newf(apperrors.ErrConfigValidate, "抽成比例超出范围[0,1): %s", rate.String())
	}
	if c.Ledger.PlatformAccount == "" {
		return apperrors.New(apperrors.ErrConfigValidate, "平台账户名不能为空")
	}
	if c.Settlement.Confirmations < 1 {
		return apperrors.Newf(apperrors.ErrConfigValidate, "确认数必须至少为1: %d", c.Settlement.Confirmations)
	}
	if c.Settlement.MaxAttempts < 1 {
		return apperrors.Newf(apperrors.ErrConfigValidate, "最大重试次数必须至少为1: %d", c.Settlement.MaxAttempts)
	}
	if c.Settlement.Enabled && c.Settlement.OracleAddress == "" {
		return apperrors.New(apperrors.ErrConfigValidate, "启用结算时必须配置预言机地址")
	}
	return nil
}

// Get 获取配置实例
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// Watch 监听配置文件变化
func Watch(callback func(*Config)) {
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		mu.Lock()
		defer mu.Unlock()

		newCfg := &Config{}
		if err := v.Unmarshal(newCfg); err != nil {
			fmt.Printf("配置重载失败: %v\n", err)
			return
		}
		if err := newCfg.Validate(); err != nil {
			fmt.Printf("新配置校验失败，保留旧配置: %v\n", err)
			return
		}

		cfg = newCfg

		if callback != nil {
			callback(cfg)
		}

		fmt.Println("配置已重新加载")
	})
}

// GetString 获取字符串配置
func GetString(key string) string {
	return v.GetString(key)
}

// GetDuration 获取时间间隔配置
func GetDuration(key string) time.Duration {
	return v.GetDuration(key)
}

// IsSet 检查配置项是否存在
func IsSet(key string) bool {
	return v.IsSet(key)
}
