package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/Ivaniiiii/ChessInBse/internal/api"
	"github.com/Ivaniiiii/ChessInBse/internal/config"
	"github.com/Ivaniiiii/ChessInBse/internal/database"
	apperrors "github.com/Ivaniiiii/ChessInBse/internal/errors"
	"github.com/Ivaniiiii/ChessInBse/internal/escrow"
	"github.com/Ivaniiiii/ChessInBse/internal/game"
	"github.com/Ivaniiiii/ChessInBse/internal/ledger"
	"github.com/Ivaniiiii/ChessInBse/internal/logger"
	"github.com/Ivaniiiii/ChessInBse/internal/repository"
	"github.com/Ivaniiiii/ChessInBse/internal/service"
	"github.com/Ivaniiiii/ChessInBse/internal/settlement"
	"github.com/Ivaniiiii/ChessInBse/internal/websocket"
)

// 版本信息
var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Server 服务器实例
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	db         *gorm.DB
	repos      *repository.Manager
	ledger     *ledger.Service
	chain      *escrow.MemoryLedger
	reconciler *settlement.Reconciler
	worker     *settlement.RetryWorker
	listener   *settlement.EventListener
	games      *game.GameService
	sweeper    *game.Sweeper
	hub        *websocket.Hub
	httpServer *http.Server

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

func main() {
	var (
		configPath  = flag.String("config", "", "配置文件路径")
		showVersion = flag.Bool("version", false, "显示版本信息")
		showHelp    = flag.Bool("help", false, "显示帮助信息")
	)

	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	if *showHelp {
		printHelp()
		os.Exit(0)
	}

	if err := config.Init(*configPath); err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}

	cfg := config.Get()

	if err := logger.Init(&cfg.Log); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Cleanup()

	setupSystem(&cfg.System)
	printStartInfo(cfg)

	server := NewServer(cfg)

	if err := server.Start(); err != nil {
		logger.Fatal("服务器启动失败", zap.Error(err))
	}

	server.WaitForShutdown()

	if err := server.Shutdown(); err != nil {
		logger.Error("服务器关闭失败", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("服务器已安全关闭")
}

// NewServer 创建服务器实例
func NewServer(cfg *config.Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		cfg:    cfg,
		logger: logger.GetLogger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start 初始化组件并启动后台任务
func (s *Server) Start() error {
	s.logger.Info("正在启动对局结算服务...",
		zap.String("version", Version),
		zap.String("mode", s.cfg.Server.Mode),
	)

	if err := s.initComponents(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrUnknown, "初始化组件失败")
	}

	s.startServices()

	config.Watch(func(newCfg *config.Config) {
		s.logger.Info("配置已更新，正在重新加载...")
		s.reloadConfig(newCfg)
	})

	s.logger.Info("服务器启动成功",
		zap.String("http", s.httpServer.Addr),
		zap.String("websocket", s.cfg.WebSocket.Path),
		zap.Bool("settlement", s.cfg.Settlement.Enabled),
	)

	return nil
}

// initComponents 按依赖顺序初始化组件
func (s *Server) initComponents() error {
	if err := s.initDatabase(); err != nil {
		return err
	}

	s.repos = repository.NewManager(s.db)

	ls, err := ledger.NewService(s.ctx, s.repos, s.cfg.Ledger, logger.WithModule("ledger"))
	if err != nil {
		return err
	}
	s.ledger = ls

	s.initSettlement()

	// 未启用外部结算时Settler必须是nil接口，外部币种的对局会被拒绝
	var settler game.Settler
	var settlementAdmin api.SettlementAdmin
	if s.reconciler != nil {
		settler = s.reconciler
		settlementAdmin = s.reconciler
	}

	s.hub = websocket.NewHub(logger.WithModule("websocket"))
	s.games = game.NewGameService(&game.GameServiceConfig{
		Repos:    s.repos,
		Ledger:   s.ledger,
		Settler:  settler,
		Notifier: s.hub,
		Game:     s.cfg.Game,
		Logger:   logger.WithModule("game"),
	})
	s.sweeper = game.NewSweeper(s.games, logger.WithModule("sweeper"))

	services := service.NewServices(s.repos, service.ConfigFromJWT(s.cfg.Security.JWT), logger.WithModule("service"))
	wsHandler := websocket.NewGameHandler(s.hub, s.games, services.Auth, s.cfg.WebSocket, logger.WithModule("websocket"))

	gin.SetMode(ginMode(s.cfg.Server.Mode))
	router := api.NewRouter(&api.Dependencies{
		DB:            s.db,
		Services:      services,
		Ledger:        s.ledger,
		Games:         s.games,
		Settlement:    settlementAdmin,
		WebSocket:     wsHandler,
		WebSocketPath: s.cfg.WebSocket.Path,
		Metrics:       s.cfg.Metrics,
		Logger:        logger.WithModule("api"),
	})

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler:      router.Handler(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	s.logger.Info("所有组件初始化完成")
	return nil
}

// initDatabase 初始化数据库
func (s *Server) initDatabase() error {
	s.logger.Info("初始化数据库...")

	if err := database.Init(&s.cfg.Database); err != nil {
		return apperrors.Wrap(err, apperrors.ErrDatabaseConnect, "初始化数据库连接失败")
	}

	if s.cfg.Database.AutoMigrate {
		s.logger.Info("执行数据库自动迁移...")
		if err := database.AutoMigrate(s.cfg.Ledger.PlatformAccount); err != nil {
			return apperrors.Wrap(err, apperrors.ErrDatabaseConnect, "数据库迁移失败")
		}
	}

	if !database.IsConnected() {
		return apperrors.New(apperrors.ErrDatabaseConnect, "数据库连接检查失败")
	}

	s.db = database.GetDB()
	s.logger.Info("数据库初始化完成")
	return nil
}

// initSettlement 创建托管链与结算组件，未启用时全部为nil
func (s *Server) initSettlement() {
	sc := s.cfg.Settlement
	if !sc.Enabled {
		s.logger.Info("外部结算未启用，仅支持内部币种")
		return
	}

	s.chain = escrow.NewMemoryLedger(escrow.MemoryConfig{
		Oracle:        sc.OracleAddress,
		BlockInterval: sc.Chain.BlockInterval,
		AutoMine:      sc.Chain.AutoMine,
	}, logger.WithModule("escrow"))

	settleLog := logger.WithModule("settlement")
	s.reconciler = settlement.NewReconciler(s.chain, s.repos, sc, settleLog)
	s.worker = settlement.NewRetryWorker(s.reconciler, s.repos, sc, settleLog)
	s.listener = settlement.NewEventListener(s.chain, s.repos, settleLog)
}

// startServices 在同一个errgroup中启动后台任务，任一失败都会停止其余任务
func (s *Server) startServices() {
	group, ctx := errgroup.WithContext(s.ctx)
	s.group = group

	group.Go(func() error { return s.hub.Run(ctx) })
	group.Go(func() error { return s.sweeper.Run(ctx) })

	if s.chain != nil {
		group.Go(func() error { return s.chain.Run(ctx) })
		group.Go(func() error { return s.worker.Run(ctx) })
		group.Go(func() error { return s.listener.Run(ctx) })
	}

	group.Go(func() error {
		s.logger.Info("HTTP服务监听", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP服务异常退出: %w", err)
		}
		return nil
	})

	// 后台任务异常退出时主动关闭HTTP服务，让errgroup能够结束
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	})
}

// WaitForShutdown 等待退出信号或后台任务失败
func (s *Server) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh,
		syscall.SIGINT,  // Ctrl+C
		syscall.SIGTERM, // kill命令
		syscall.SIGQUIT, // Ctrl+\
	)
	defer signal.Stop(sigCh)

	failed := make(chan error, 1)
	go func() { failed <- s.group.Wait() }()

	select {
	case sig := <-sigCh:
		s.logger.Info("收到退出信号", zap.String("signal", sig.String()))
	case err := <-failed:
		s.logger.Error("后台任务退出", zap.Error(err))
	}
}

// Shutdown 优雅关闭服务器
func (s *Server) Shutdown() error {
	s.logger.Info("正在优雅关闭服务器...")

	s.cancel()

	done := make(chan error, 1)
	go func() { done <- s.group.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			s.logger.Warn("后台任务退出时返回错误", zap.Error(err))
		}
		s.logger.Info("所有服务已正常关闭")
	case <-time.After(s.shutdownTimeout()):
		s.logger.Warn("关闭超时，强制退出")
		return apperrors.New(apperrors.ErrTimeout, "关闭超时")
	}

	if s.chain != nil {
		s.chain.Close()
	}
	if err := database.Close(); err != nil {
		s.logger.Error("关闭数据库失败", zap.Error(err))
	}

	if err := logger.Sync(); err != nil {
		fmt.Printf("同步日志失败: %v\n", err)
	}
	return nil
}

func (s *Server) shutdownTimeout() time.Duration {
	if s.cfg.Server.ShutdownTimeout > 0 {
		return s.cfg.Server.ShutdownTimeout
	}
	return 30 * time.Second
}

// reloadConfig 热更新只作用于日志级别，其余配置需要重启
func (s *Server) reloadConfig(newCfg *config.Config) {
	logger.SetLevel(newCfg.Log.Level)
	s.logger.Info("配置重新加载完成", zap.String("log_level", newCfg.Log.Level))
}

// ginMode 服务模式到gin模式的映射
func ginMode(mode string) string {
	switch mode {
	case "production", "release":
		return gin.ReleaseMode
	case "test":
		return gin.TestMode
	default:
		return gin.DebugMode
	}
}

// setupSystem 设置系统参数
func setupSystem(cfg *config.SystemConfig) {
	if cfg.Timezone != "" {
		if loc, err := time.LoadLocation(cfg.Timezone); err == nil {
			time.Local = loc
		}
	}

	if cfg.MaxProcs > 0 {
		runtime.GOMAXPROCS(cfg.MaxProcs)
	}
}

// printVersion 打印版本信息
func printVersion() {
	fmt.Printf("国际象棋对局结算服务\n")
	fmt.Printf("版本: %s\n", Version)
	fmt.Printf("构建时间: %s\n", BuildTime)
	fmt.Printf("Git提交: %s\n", GitCommit)
	fmt.Printf("Go版本: %s\n", runtime.Version())
	fmt.Printf("操作系统: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

// printHelp 打印帮助信息
func printHelp() {
	fmt.Println("国际象棋对局结算服务")
	fmt.Println()
	fmt.Println("用法:")
	fmt.Println("  chess-bet-server [选项]")
	fmt.Println()
	fmt.Println("选项:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("环境变量:")
	fmt.Println("  CHESS_BET_SERVER_PORT          监听端口")
	fmt.Println("  CHESS_BET_SECURITY_JWT_SECRET  JWT密钥")
	fmt.Println("  CHESS_BET_SETTLEMENT_ENABLED   是否启用链上托管结算")
	fmt.Println()
	fmt.Println("示例:")
	fmt.Println("  chess-bet-server -config=/path/to/config.yaml")
	fmt.Println("  chess-bet-server -version")
}

// printStartInfo 打印启动信息
func printStartInfo(cfg *config.Config) {
	fmt.Println("═══════════════════════════════════════════════════════════════")
	fmt.Println("  Chess Bet · 国际象棋押注对局与结算服务")
	fmt.Println("═══════════════════════════════════════════════════════════════")
	fmt.Printf("版本: %s | 模式: %s | PID: %d\n", Version, cfg.Server.Mode, os.Getpid())
	fmt.Printf("数据库: %s | 结算: %v\n", cfg.Database.Driver, cfg.Settlement.Enabled)
	fmt.Println("═══════════════════════════════════════════════════════════════")
}
