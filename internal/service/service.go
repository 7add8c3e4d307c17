package service

import (
	"time"

	"go.uber.org/zap"

	"github.com/Ivaniiiii/ChessInBse/internal/config"
	"github.com/Ivaniiiii/ChessInBse/internal/repository"
	"github.com/Ivaniiiii/ChessInBse/internal/utils"
)

// Config 服务配置
type Config struct {
	JWTSecret          string
	Issuer             string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
	// Password 为nil时使用utils.DefaultPasswordConfig
	Password *utils.PasswordConfig
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		JWTSecret:          "change-me-in-production",
		Issuer:             "chess-bet",
		AccessTokenExpiry:  24 * time.Hour,
		RefreshTokenExpiry: 7 * 24 * time.Hour,
	}
}

// ConfigFromJWT 由全局JWT配置生成服务配置
func ConfigFromJWT(cfg config.JWTConfig) *Config {
	c := DefaultConfig()
	if cfg.Secret != "" {
		c.JWTSecret = cfg.Secret
	}
	if cfg.Issuer != "" {
		c.Issuer = cfg.Issuer
	}
	if cfg.ExpireHours > 0 {
		c.AccessTokenExpiry = time.Duration(cfg.ExpireHours) * time.Hour
	}
	if cfg.RefreshHours > 0 {
		c.RefreshTokenExpiry = time.Duration(cfg.RefreshHours) * time.Hour
	}
	return c
}

// Services 服务集合
type Services struct {
	Auth AuthService
	User UserService
	JWT  *utils.JWTManager
}

// NewServices 创建服务集合
func NewServices(repos *repository.Manager, cfg *Config, log *zap.Logger) *Services {
	jwtManager := utils.NewJWTManager(
		cfg.JWTSecret,
		cfg.Issuer,
		cfg.AccessTokenExpiry,
		cfg.RefreshTokenExpiry,
	)

	password := cfg.Password
	if password == nil {
		password = utils.DefaultPasswordConfig
	}

	return &Services{
		Auth: NewAuthService(repos, jwtManager, password, log),
		User: NewUserService(repos, password, log),
		JWT:  jwtManager,
	}
}
