// Package api HTTP接口层
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Ivaniiiii/ChessInBse/internal/config"
	"github.com/Ivaniiiii/ChessInBse/internal/game"
	"github.com/Ivaniiiii/ChessInBse/internal/ledger"
	"github.com/Ivaniiiii/ChessInBse/internal/middleware"
	"github.com/Ivaniiiii/ChessInBse/internal/models"
	"github.com/Ivaniiiii/ChessInBse/internal/service"
	"github.com/Ivaniiiii/ChessInBse/internal/websocket"
)

// Dependencies 路由依赖
type Dependencies struct {
	DB       *gorm.DB
	Services *service.Services
	Ledger   *ledger.Service
	Games    *game.GameService
	// Settlement 未启用外部结算时为nil
	Settlement SettlementAdmin
	// WebSocket 为nil时不注册实时网关
	WebSocket     *websocket.GameHandler
	WebSocketPath string
	Metrics       config.MetricsConfig
	Logger        *zap.Logger
}

// Router API路由器
type Router struct {
	engine         *gin.Engine
	db             *gorm.DB
	authHandler    *AuthHandler
	walletHandler  *WalletHandler
	gameHandler    *GameHandler
	adminHandler   *AdminHandler
	wsHandler      *websocket.GameHandler
	wsPath         string
	metrics        config.MetricsConfig
	authMiddleware *middleware.AuthMiddleware
	log            *zap.Logger
}

// NewRouter 创建路由器
func NewRouter(deps *Dependencies) *Router {
	engine := gin.New()

	// 全局中间件
	engine.Use(middleware.RequestIDMiddleware())
	engine.Use(middleware.RecoveryMiddleware())
	engine.Use(middleware.LoggerMiddleware())

	wsPath := deps.WebSocketPath
	if wsPath == "" {
		wsPath = "/ws"
	}

	router := &Router{
		engine:         engine,
		db:             deps.DB,
		authHandler:    NewAuthHandler(deps.Services.Auth, deps.Services.User, deps.Logger),
		walletHandler:  NewWalletHandler(deps.Ledger, deps.Logger),
		gameHandler:    NewGameHandler(deps.Games, deps.Logger),
		adminHandler:   NewAdminHandler(deps.Settlement, deps.Games, deps.Ledger, deps.Services.User, deps.Logger),
		wsHandler:      deps.WebSocket,
		wsPath:         wsPath,
		metrics:        deps.Metrics,
		authMiddleware: middleware.NewAuthMiddleware(deps.Services.Auth),
		log:            deps.Logger,
	}

	router.setupRoutes()

	return router
}

// setupRoutes 设置路由
func (r *Router) setupRoutes() {
	r.engine.GET("/health", r.healthCheck)

	if r.metrics.Enabled {
		path := r.metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.engine.GET(path, gin.WrapH(promhttp.Handler()))
	}

	registerOpenAPIRoutes(r.engine)
	registerSwaggerRoutes(r.engine)

	v1 := r.engine.Group("/api/v1")
	{
		// 认证相关路由（不需要认证）
		auth := v1.Group("/auth")
		{
			auth.POST("/register", r.authHandler.Register)
			auth.POST("/login", r.authHandler.Login)
			auth.POST("/refresh", r.authHandler.RefreshToken)
		}

		users := v1.Group("/users")
		users.Use(r.authMiddleware.RequireAuth())
		{
			users.GET("/me", r.authHandler.GetProfile)
			users.PUT("/me/password", r.authHandler.UpdatePassword)
			users.PUT("/me/wallet", r.authHandler.BindWallet)
		}

		wallet := v1.Group("/wallet")
		wallet.Use(r.authMiddleware.RequireAuth())
		{
			wallet.GET("/balance", r.walletHandler.GetBalance)
			wallet.GET("/balances", r.walletHandler.GetBalances)
			wallet.GET("/transactions", r.walletHandler.GetTransactions)
			wallet.POST("/withdraw", r.walletHandler.Withdraw)
		}

		games := v1.Group("/games")
		games.Use(r.authMiddleware.RequireAuth())
		{
			games.POST("", r.gameHandler.CreateGame)
			games.GET("", r.gameHandler.ListGames)
			games.GET("/:id", r.gameHandler.GetGame)
			games.GET("/:id/moves", r.gameHandler.ListMoves)
			games.POST("/:id/join", r.gameHandler.JoinGame)
			games.POST("/:id/moves", r.gameHandler.MakeMove)
			games.POST("/:id/cancel", r.gameHandler.CancelGame)
			games.POST("/:id/force-finish", r.gameHandler.ForceFinish)
		}

		// 管理员路由（需要管理员权限）
		admin := v1.Group("/admin")
		admin.Use(r.authMiddleware.RequireRole(models.RoleAdmin))
		{
			admin.POST("/wallet/deposit", r.walletHandler.Deposit)
			admin.GET("/settlements/pending", r.adminHandler.ListPendingSettlements)
			admin.GET("/games/attention", r.adminHandler.ListAttentionGames)
			admin.POST("/games/:id/requeue", r.adminHandler.RequeueGame)
			admin.PUT("/users/:id/status", r.adminHandler.UpdateUserStatus)
			admin.GET("/users/:id/audit", r.adminHandler.AuditUser)
		}
	}

	// WebSocket在握手时自行校验令牌
	if r.wsHandler != nil {
		r.engine.GET(r.wsPath, r.wsHandler.ServeWS)
	}

	r.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"message": "接口不存在",
		})
	})
}

// healthCheck 健康检查
func (r *Router) healthCheck(c *gin.Context) {
	sqlDB, err := r.db.DB()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "unhealthy",
			"message": "数据库连接失败",
		})
		return
	}

	if err := sqlDB.PingContext(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "unhealthy",
			"message": "数据库ping失败",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"message": "服务运行正常",
	})
}

// Handler 返回http.Handler，供http.Server使用
func (r *Router) Handler() http.Handler {
	return r.engine
}

// GetEngine 获取Gin引擎（用于测试）
func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}
