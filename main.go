package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/uniform-check/internal/auth"
	"github.com/example/uniform-check/internal/classifier"
	"github.com/example/uniform-check/internal/config"
	"github.com/example/uniform-check/internal/decision"
	"github.com/example/uniform-check/internal/grpcserver"
	"github.com/example/uniform-check/internal/handlers"
	"github.com/example/uniform-check/internal/imageprocessor"
	"github.com/example/uniform-check/internal/logging"
	"github.com/example/uniform-check/internal/metrics"
	"github.com/example/uniform-check/internal/model"
	"github.com/example/uniform-check/internal/repository"
	"github.com/example/uniform-check/internal/tensor"
	"github.com/example/uniform-check/internal/usecase"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		os.Exit(runHealthcheck(cfg, logger))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	store, closeStore := initStore(ctx, cfg, logger)
	defer closeStore()

	table := initLabelTable(cfg, logger)

	alloc := tensor.NewAllocator()
	normalizer, err := imageprocessor.NewNormalizer(imageprocessor.Options{
		Size:      cfg.InputSize,
		Layout:    imageprocessor.Layout(cfg.TensorLayout),
		Mode:      imageprocessor.ResizeMode(cfg.ResizeMode),
		MaxPixels: cfg.MaxImagePixels,
	}, alloc)
	if err != nil {
		logger.Fatal("invalid preprocessing configuration", zap.Error(err))
	}

	metricsManager := metrics.NewManager()
	metricsManager.TrackOutstandingTensors(alloc.Outstanding)
	grpcServer := grpcserver.New(logger)

	guard := model.NewGuard(
		onnxLoader(cfg, normalizer.Shape(), table.Len(), logger),
		logger,
		metricsManager.ObserveModelState,
		grpcServer.ObserveModelState,
	)
	guard.BeginLoad(context.Background())
	// Runs after both servers have drained.
	defer func() {
		if err := guard.Close(); err != nil {
			logger.Error("failed to close model", zap.Error(err))
		}
	}()

	opts := []usecase.Option{
		usecase.WithRecorder(metricsManager),
		usecase.WithRecentLimitMax(cfg.RecentLimitMax),
	}
	if cfg.RedisAddr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		defer redisCancel()
		redisClient := initRedis(redisCtx, cfg.RedisAddr, logger)
		defer redisClient.Close()
		opts = append(opts, usecase.WithCache(usecase.NewRedisCache(redisClient, "uniform"), cfg.CacheTTL))
	}

	uc := usecase.NewDetectionUseCase(usecase.Pipeline{
		Normalizer: normalizer,
		Models:     guard,
		Decider:    table,
	}, store, logger, opts...)

	r := gin.Default()
	r.MaxMultipartMemory = cfg.MaxUploadBytes

	authMiddleware := auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience)
	handlers.RegisterRoutes(r, uc, guard, authMiddleware, handlers.Options{
		MaxUploadBytes: cfg.MaxUploadBytes,
		ReportRole:     cfg.ReportRole,
		Metrics:        metricsManager.Handler(),
		Observer:       metricsManager,
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("failed to listen for grpc", zap.Error(err), zap.String("addr", cfg.GRPCAddr))
	}

	logger.Info("uniform-check listening", zap.String("http_addr", cfg.HTTPAddr), zap.String("grpc_addr", cfg.GRPCAddr))
	if err := serveComponents([]component{
		httpComponent(server, nil),
		grpcComponent(grpcServer, grpcListener),
	}, shutdownTimeout, logger, nil); err != nil {
		logger.Error("server failed", zap.Error(err))
	}
}

func initStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (usecase.DetectionStore, func()) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		logger.Warn("using in-memory detection log; events are lost on restart")
		return repository.NewMemoryStore(), func() {}
	}

	db := initDatabase(ctx, cfg.DatabaseDSN, logger)
	repo := repository.NewDetectionRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}
	return repo, func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func initLabelTable(cfg *config.Config, logger *zap.Logger) decision.LabelTable {
	if cfg.LabelsPath == "" {
		return decision.DefaultTable()
	}
	table, err := decision.LoadLabelTable(cfg.LabelsPath, cfg.CompliantLabels)
	if errors.Is(err, os.ErrNotExist) {
		logger.Warn("labels file not found, using the default two-class table", zap.String("path", cfg.LabelsPath))
		return decision.DefaultTable()
	}
	if err != nil {
		logger.Fatal("failed to load labels", zap.Error(err), zap.String("path", cfg.LabelsPath))
	}
	logger.Info("label table loaded", zap.Int("classes", table.Len()), zap.String("path", cfg.LabelsPath))
	return table
}

func onnxLoader(cfg *config.Config, inputShape []int64, numLabels int, logger *zap.Logger) model.Loader {
	return func(ctx context.Context) (classifier.Classifier, error) {
		c, err := classifier.LoadONNX(classifier.ONNXConfig{
			ModelPath:      cfg.ModelPath,
			LibraryPath:    cfg.ONNXLibraryPath,
			InputName:      cfg.ModelInputName,
			OutputName:     cfg.ModelOutputName,
			InputShape:     inputShape,
			NumLabels:      numLabels,
			IntraOpThreads: cfg.IntraOpThreads,
		}, logger)
		if err != nil {
			return nil, err
		}
		return classifier.NewBounded(c, cfg.InferenceConcurrency), nil
	}
}

func runHealthcheck(cfg *config.Config, logger *zap.Logger) int {
	addr := cfg.GRPCAddr
	if host, port, err := net.SplitHostPort(addr); err == nil && host == "" {
		addr = net.JoinHostPort("127.0.0.1", port)
	}
	status, err := grpcserver.Probe(context.Background(), addr, logger)
	if err != nil || status != healthpb.HealthCheckResponse_SERVING {
		logger.Warn("service not serving", zap.String("status", status.String()), zap.Error(err))
		return 1
	}
	return 0
}

// component is a long-running server with a graceful stop.
type component struct {
	name     string
	serve    func() error
	shutdown func(ctx context.Context) error
}

func httpComponent(server *http.Server, listener net.Listener) component {
	return component{
		name: "http",
		serve: func() error {
			var err error
			if listener != nil {
				err = server.Serve(listener)
			} else {
				err = server.ListenAndServe()
			}
			if errors.Is(err, http.ErrServerClosed) {
				err = nil
			}
			return err
		},
		shutdown: func(ctx context.Context) error {
			if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}

func grpcComponent(server *grpcserver.Server, listener net.Listener) component {
	return component{
		name: "grpc",
		serve: func() error {
			err := server.Serve(listener)
			if errors.Is(err, grpc.ErrServerStopped) {
				err = nil
			}
			return err
		},
		shutdown: func(ctx context.Context) error {
			server.Shutdown(ctx)
			return nil
		},
	}
}

// serveComponents runs every component until a shutdown signal arrives or one
// of them fails, then stops all of them within shutdownTimeout.
func serveComponents(components []component, shutdownTimeout time.Duration, logger *zap.Logger, signalCh <-chan os.Signal) error {
	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	g, gctx := errgroup.WithContext(context.Background())
	stopping := make(chan struct{})

	for _, c := range components {
		g.Go(func() error {
			err := c.serve()
			select {
			case <-stopping:
			default:
				if err == nil {
					err = fmt.Errorf("%s server exited unexpectedly", c.name)
				}
			}
			if err != nil {
				return fmt.Errorf("%s: %w", c.name, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		select {
		case sig, ok := <-sigCh:
			if ok {
				logger.Info("received shutdown signal", zap.String("signal", sig.String()))
			}
		case <-gctx.Done():
			logger.Warn("component failed, shutting down")
		}
		close(stopping)

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, c := range components {
			if err := c.shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("%s shutdown: %w", c.name, err))
			}
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}
