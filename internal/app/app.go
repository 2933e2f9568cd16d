package app

import (
	"context"
	"errors"
	"fmt"
	"habit_tracker_backend/internal/clock"
	"habit_tracker_backend/internal/config"
	"habit_tracker_backend/internal/controller"
	"habit_tracker_backend/internal/repository"
	"habit_tracker_backend/internal/service"
	"habit_tracker_backend/pkg/database"
	"habit_tracker_backend/pkg/logger"
	"habit_tracker_backend/pkg/monitoring"
	"habit_tracker_backend/pkg/security"
	"habit_tracker_backend/pkg/tracing"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type App struct {
	Router *gin.Engine
	DB     *gorm.DB
	Redis  *redis.Client

	config          atomic.Pointer[config.Config]
	tracer          *sdktrace.TracerProvider
	// 后台协程（限流清理等）的生命周期，close 时取消
	ctx             context.Context
	cancel          context.CancelFunc
	services        *services
	mu              sync.Mutex
	configCallbacks []func(*config.Config)
}

type repositories struct {
	user     *repository.UserRepository
	habit    *repository.HabitRepository
	habitLog *repository.HabitLogRepository
	cache    *repository.HabitCache
}

type services struct {
	auth  *service.AuthService
	habit *service.HabitService
}

type controllers struct {
	auth   *controller.AuthController
	habit  *controller.HabitController
	health *controller.HealthController
}

// Config 当前生效的配置
func (a *App) Config() *config.Config {
	return a.config.Load()
}

func (a *App) RegisterConfigCallback(callback func(*config.Config)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.configCallbacks = append(a.configCallbacks, callback)
}

// ReloadConfig 配置文件变更后调用。时区、数据库、JWT 和监听端口需要重启才会生效。
func (a *App) ReloadConfig(cfg *config.Config) {
	old := a.config.Swap(cfg)
	if old != nil && old.Habit.Timezone != cfg.Habit.Timezone {
		logger.Log.Warn("habit.timezone changed, restart required",
			zap.String("current", old.Habit.Timezone),
			zap.String("configured", cfg.Habit.Timezone),
		)
	}

	logger.SetLevel(cfg)

	a.mu.Lock()
	callbacks := append([]func(*config.Config){}, a.configCallbacks...)
	a.mu.Unlock()
	for _, cb := range callbacks {
		cb(cfg)
	}
	logger.Log.Info("Config reloaded", zap.String("logLevel", logger.Level().String()))
}

func (a *App) initRepositories(db *gorm.DB, rdb *redis.Client, cfg *config.Config) *repositories {
	return &repositories{
		user:     repository.NewUserRepository(db),
		habit:    repository.NewHabitRepository(db),
		habitLog: repository.NewHabitLogRepository(db),
		cache:    repository.NewHabitCache(rdb, cfg.Redis.CacheTTL),
	}
}

func (a *App) initServices(repos *repositories, cfg *config.Config, db *gorm.DB, clk clock.Clock) *services {
	s := &services{}

	s.auth = service.NewAuthService(repos.user, cfg)
	s.habit = service.NewHabitService(
		db,
		repos.habit,
		repos.habitLog,
		repos.cache,
		clk,
		service.HabitOptionsFromConfig(&cfg.Habit),
	)
	a.RegisterConfigCallback(s.habit.ApplyConfig)

	return s
}

func (a *App) initControllers(s *services, clk clock.Clock) *controllers {
	return &controllers{
		auth:   controller.NewAuthController(s.auth),
		habit:  controller.NewHabitController(s.habit),
		health: controller.NewHealthController(a.DB, a.Redis, clk),
	}
}

func (a *App) setupMiddlewares(router *gin.Engine, cfg *config.Config) {
	router.Use(security.CORS(cfg.CORS))
	router.Use(security.Secure())

	window := time.Duration(cfg.RateLimit.WindowMinutes) * time.Minute
	if cfg.RateLimit.MaxRequests > 0 && window > 0 {
		router.Use(security.RateLimiter(a.ctx, cfg.RateLimit.MaxRequests, window))
	}

	// 分布式追踪中间件
	if cfg.Tracing.Enabled {
		router.Use(tracing.GinMiddleware())
	}

	router.Use(monitoring.MetricsMiddleware())
}

// Migrate 只执行数据库迁移
func Migrate(cfg *config.Config) error {
	logger.InitLogger(cfg)
	defer logger.Log.Sync()

	db, err := database.InitDB(&cfg.Database)
	if err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	logger.Log.Info("Database migrated", zap.String("driver", cfg.Database.Driver))

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func NewApp(cfg *config.Config) (*App, error) {
	logger.InitLogger(cfg)
	logger.Log.Info("Logger initialized successfully")

	gin.SetMode(cfg.Server.Mode)

	clk, err := clock.NewSystem(cfg.Habit.Timezone)
	if err != nil {
		return nil, fmt.Errorf("habit.timezone: %w", err)
	}

	db, err := database.InitDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	rdb, err := database.InitRedis(&cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("initialize redis: %w", err)
	}

	app := &App{
		DB:    db,
		Redis: rdb,
	}
	app.ctx, app.cancel = context.WithCancel(context.Background())
	app.config.Store(cfg)

	repos := app.initRepositories(db, rdb, cfg)
	app.services = app.initServices(repos, cfg, db, clk)
	controllers := app.initControllers(app.services, clk)

	// 监控初始化
	monitoring.Init()

	if cfg.Tracing.Enabled {
		tp, err := tracing.InitTracer("habit-tracker", cfg.Tracing.CollectorEndpoint)
		if err != nil {
			app.close(context.Background())
			return nil, fmt.Errorf("initialize tracing: %w", err)
		}
		app.tracer = tp
	}

	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	app.Router = router

	app.setupMiddlewares(router, cfg)
	app.registerRoutes(router, controllers)

	logger.Log.Info("Application initialized",
		zap.String("timezone", clk.Location.String()),
		zap.String("today", clock.FormatDay(clk.Today())),
		zap.Bool("cache", rdb != nil),
	)
	return app, nil
}

func (a *App) Run() {
	cfg := a.Config()
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 启动服务器
	go func() {
		logger.Log.Info("Server running", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Fatal("listen", zap.Error(err))
		}
	}()

	// 等待中断信号优雅地关闭服务器（设置5秒的超时时间）
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Log.Error("Server forced to shutdown", zap.Error(err))
	}

	a.close(ctx)
	logger.Log.Info("Server exiting")
	logger.Log.Sync()
}

func (a *App) close(ctx context.Context) {
	if a.cancel != nil {
		a.cancel()
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			logger.Log.Error("Failed to shutdown tracer provider", zap.Error(err))
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			logger.Log.Error("Failed to close redis", zap.Error(err))
		}
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			logger.Log.Error("Failed to close database", zap.Error(err))
		}
	}
}
