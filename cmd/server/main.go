package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/Brownie44l1/renal-scan/internal/config"
	"github.com/Brownie44l1/renal-scan/internal/handlers"
	"github.com/Brownie44l1/renal-scan/internal/logging"
	"github.com/Brownie44l1/renal-scan/internal/model"
	"github.com/Brownie44l1/renal-scan/internal/preprocess"
	"github.com/Brownie44l1/renal-scan/internal/repository"
	"github.com/Brownie44l1/renal-scan/internal/usecase"
)

func main() {
	cfg := config.Load()

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	root := projectRoot(logger)
	modelPath := resolvePath(root, cfg.ModelPath)
	metadataPath := resolvePath(root, cfg.MetadataPath)

	logger.Info("loading model", zap.String("path", modelPath))

	modelServer, err := model.NewServer(model.Options{
		ModelPath:    modelPath,
		MetadataPath: metadataPath,
		LibraryPath:  cfg.OnnxLibPath,
		ImageSize:    cfg.ImageSize,
	}, logger)
	if err != nil {
		logger.Fatal("failed to initialize model server", zap.Error(err))
	}
	defer modelServer.Close()

	if modelServer.ImageSize() != cfg.ImageSize {
		logger.Warn("fixed model input size overrides configured image size",
			zap.Int("configured", cfg.ImageSize), zap.Int("model", modelServer.ImageSize()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var cache usecase.Cache
	if cfg.RedisAddr != "" {
		redisClient := initRedis(ctx, cfg.RedisAddr, logger)
		defer redisClient.Close()
		cache = usecase.NewRedisCache(redisClient)
	}

	var history usecase.DiagnosisRepository
	if cfg.HistoryDriver != "" {
		repo := initHistory(ctx, cfg.HistoryDriver, cfg.HistoryDSN, logger)
		defer repo.Close()
		history = repo
	}

	preprocessor := preprocess.New(modelServer.ImageSize())
	preprocessor.MaxPixels = cfg.MaxImagePixels

	uc := usecase.NewDiagnosisUseCase(modelServer, preprocessor, cache, history, cfg.CacheTTL, logger)

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger), enableCORS())
	r.MaxMultipartMemory = cfg.MaxUploadBytes

	handlers.NewHandler(uc, handlers.ModelInfo{
		Name:       filepath.Base(modelPath),
		InputShape: modelServer.Metadata.InputShape,
		Rule:       modelServer.Rule(),
	}, cfg.MaxUploadBytes, logger).Register(r)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	logger.Info("server starting",
		zap.String("addr", server.Addr),
		zap.Strings("classes", modelServer.Metadata.Classes),
		zap.Stringer("rule", modelServer.Rule()),
		zap.Bool("cache", cache != nil),
		zap.Bool("history", history != nil),
		zap.Strings("endpoints", []string{
			"GET /", "POST /", "GET /health", "POST /predict", "POST /predict/image", "GET /result/:id",
		}))

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := listenAndServe(sigCtx, server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// projectRoot returns the working directory, stepping out of cmd/server when
// the binary is run from there.
func projectRoot(logger *zap.Logger) string {
	execPath, err := os.Getwd()
	if err != nil {
		logger.Fatal("failed to get working directory", zap.Error(err))
	}
	if filepath.Base(execPath) == "server" {
		execPath = filepath.Join(execPath, "../..")
	}
	return execPath
}

func resolvePath(root, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

func initRedis(ctx context.Context, addr string, logger *zap.Logger) *redis.Client {
	redisCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(redisCtx).Err(); err != nil {
		logger.Fatal("redis connection failed", zap.Error(err), zap.String("addr", addr))
	}
	return client
}

func initHistory(ctx context.Context, driver, dsn string, logger *zap.Logger) *repository.DiagnosisRepository {
	db, err := repository.Open(driver, dsn)
	if err != nil {
		logger.Fatal("failed to open history database", zap.Error(err), zap.String("driver", driver))
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("failed to access db handle", zap.Error(err))
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		logger.Fatal("database ping failed", zap.Error(err))
	}

	repo := repository.NewDiagnosisRepository(db)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}
	return repo
}

func enableCORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	httpLogger := logger.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		httpLogger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
