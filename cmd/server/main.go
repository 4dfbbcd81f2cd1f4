package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"listmail/backend/internal/app"
	jwtpkg "listmail/backend/internal/auth/jwt"
	"listmail/backend/internal/config"
	"listmail/backend/internal/health"
	"listmail/backend/internal/logger"
	"listmail/backend/internal/middleware"
	"listmail/backend/internal/monitoring"
	"listmail/backend/internal/pool"
	"listmail/backend/internal/service"
	"listmail/backend/internal/storage/memory"
	httptransport "listmail/backend/internal/transport/http"
)

const (
	pruneInterval = time.Hour
	gaugeInterval = 15 * time.Second
)

// main 启动订阅服务的 HTTP 进程。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	log, err := logger.NewLogger(logger.FromConfig(cfg.Log))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("server exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	startedAt := time.Now()
	log.Info("starting listmail server",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
		zap.String("public_url", cfg.Server.PublicURL),
	)

	store, err := app.OpenStore(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	metrics := monitoring.NewMetrics()
	healthChecker := health.NewHealthChecker(store, log)

	stack, err := app.NewMailStack(cfg, store, metrics, log)
	if err != nil {
		return fmt.Errorf("init mail stack: %w", err)
	}
	defer stack.Transport.Close()

	settings := service.NewSettingsService(store, stack.Transport, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.SeedSettings(ctx, settings, cfg, log); err != nil {
		return err
	}
	if _, ok := store.(*memory.Store); ok && cfg.Log.Development {
		list, err := app.CreateList(ctx, store, "Development list", "dev")
		if err == nil {
			log.Info("created development list", zap.String("cid", list.CID))
		}
	}

	// 异步发信工作池
	workers := pool.NewWorkerPool(cfg.Dispatch.Workers, cfg.Dispatch.QueueSize, log)
	workers.OnPanic = func(any) { metrics.RecordPanic() }
	workers.Start(ctx)

	tokens := service.NewConfirmationTokenStore(store, cfg.Confirmation.TTL)
	subscriptions := service.NewSubscriptionService(store, tokens, stack.Dispatcher, workers, service.SubscriptionOptions{
		PublicURL:       cfg.Server.PublicURL,
		DispatchTimeout: cfg.Dispatch.Timeout,
		Recorder:        metrics,
		PublicKeys:      stack.Transport,
	}, log)

	var jwtManager *jwtpkg.Manager
	if cfg.JWT.Secret != "" {
		jwtManager = jwtpkg.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Expiry)
	} else {
		log.Warn("JWT secret not set, admin API disabled")
	}

	var limiter *middleware.IPRateLimiter
	if cfg.RateLimit.PerMinute > 0 {
		limiter = middleware.NewIPRateLimiter(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst)
		limiter.OnBlocked = func(c *gin.Context) { metrics.RecordRateLimitBlock(c.FullPath()) }
		defer limiter.Stop()
	}

	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:        cfg,
		Subscriptions: subscriptions,
		Settings:      settings,
		JWTManager:    jwtManager,
		Health:        healthChecker,
		Metrics:       metrics,
		RateLimiter:   limiter,
		Logger:        log,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// SIGHUP 让传输在下次发送时按最新设置重建
	group.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-hup:
				stack.Transport.Invalidate()
				log.Info("mail transport invalidated by SIGHUP")
			}
		}
	})

	if pruner, ok := store.(app.ConfirmationPruner); ok {
		group.Go(func() error {
			ticker := time.NewTicker(pruneInterval)
			defer ticker.Stop()
			for {
				select {
				case <-groupCtx.Done():
					return nil
				case <-ticker.C:
					n, err := pruner.PruneConfirmations(groupCtx, time.Now().Add(-cfg.Confirmation.TTL))
					if err != nil {
						log.Error("failed to prune confirmations", zap.Error(err))
					} else if n > 0 {
						log.Info("expired confirmations pruned", zap.Int("count", n))
					}
				}
			}
		})
	}

	group.Go(func() error {
		ticker := time.NewTicker(gaugeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				metrics.UpdateSystemUptime(time.Since(startedAt))
				metrics.UpdateDispatchQueue(workers.Pending())
			}
		}
	})

	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		workers.Stop()
		return nil
	})

	if err := group.Wait(); err != nil {
		return err
	}
	log.Info("server stopped")
	return nil
}
