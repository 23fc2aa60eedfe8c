package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"go-tabletop/config"
	"go-tabletop/controller"
	"go-tabletop/middleware"
	"go-tabletop/notifier"
	"go-tabletop/repository"
	"go-tabletop/router"
	"go-tabletop/service"
	"go-tabletop/ws"
)

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	return cfg.Build()
}

func newStore(ctx context.Context, cfg config.Config) (repository.Store, error) {
	if cfg.Store != config.StoreRedis {
		return repository.NewMemoryStore(), nil
	}
	rdb, err := repository.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		return nil, err
	}
	// 进程意外退出时让 key 自行过期，有连接的房间由清扫续期
	return repository.NewRedisStore(rdb, 3*cfg.IdleTimeout), nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := newStore(ctx, cfg)
	if err != nil {
		logger.Fatal("init store", zap.String("store", cfg.Store), zap.Error(err))
	}

	opts := []service.Option{}
	var publisher *notifier.NATSPublisher
	if cfg.NATSURL != "" {
		nc, err := notifier.Connect(cfg.NATSURL)
		if err != nil {
			logger.Fatal("connect nats", zap.String("url", cfg.NATSURL), zap.Error(err))
		}
		publisher = notifier.NewNATSPublisher(nc, logger)
		opts = append(opts, service.WithPublisher(publisher))
	}

	registry := service.NewRegistry(store, logger, opts...)
	go registry.StartSweeper(ctx, cfg.SweepInterval, cfg.IdleTimeout)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(middleware.ZapLogger(logger), middleware.Recovery(logger))

	corsConfig := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(cfg.AllowOrigins) == 0 || cfg.AllowOrigins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.AllowOrigins
	}
	r.Use(cors.New(corsConfig))

	socket := ws.NewHandler(registry, logger, ws.Options{
		PingInterval:   cfg.PingInterval,
		PongWait:       cfg.PongWait,
		WriteWait:      cfg.WriteWait,
		SendBuffer:     cfg.SendBuffer,
		MaxMessageSize: ws.DefaultOptions().MaxMessageSize,
	})
	router.InitRouter(r, controller.NewRoomController(registry, logger), socket)

	srv := &http.Server{Addr: cfg.Addr(), Handler: r}
	go func() {
		logger.Info("listening", zap.String("addr", srv.Addr), zap.String("store", cfg.Store))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = multierr.Combine(
		srv.Shutdown(shutdownCtx),
		registry.Close(),
		store.Close(),
	)
	if publisher != nil {
		err = multierr.Append(err, publisher.Close())
	}
	if err != nil {
		logger.Warn("shutdown", zap.Error(err))
		os.Exit(1)
	}
}
