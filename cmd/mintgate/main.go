package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ginpkg "github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mintgate/mintgate"
	"github.com/mintgate/mintgate/config"
	"github.com/mintgate/mintgate/ledger"
	"github.com/mintgate/mintgate/mint"
	gatemw "github.com/mintgate/mintgate/pkg/gin"
	"github.com/mintgate/mintgate/upstream"
)

func main() {
	configPath := flag.String("config", "mintgate.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	setupLogging(cfg)

	store := buildLedger(cfg)

	client := mint.NewClient(&mint.ClientConfig{
		Timeout: cfg.SwapTimeout,
		Logger:  log.StandardLogger(),
	})
	guard := mintgate.NewTrustGuard(client, cfg.Mint.Trusted)

	coordinator := mintgate.NewCoordinator(guard, cfg.Pricing,
		mintgate.WithUnit(cfg.Mint.Unit),
		mintgate.WithRedemptionCache(mintgate.NewRedemptionCache(cfg.CacheTTL)),
		mintgate.WithLedger(store),
		mintgate.WithLogger(log.StandardLogger()),
	)

	dispatcher, err := upstream.NewDispatcher(&upstream.Config{
		BaseURL: cfg.Upstream.BaseURL,
		APIKey:  cfg.Upstream.APIKey,
		Timeout: cfg.UpstreamTimeout,
		Logger:  log.StandardLogger(),
	})
	if err != nil {
		log.WithError(err).Fatal("failed to build upstream dispatcher")
	}

	ginpkg.SetMode(ginpkg.ReleaseMode)
	router := ginpkg.New()
	router.Use(ginpkg.Recovery())

	router.GET("/healthz", func(c *ginpkg.Context) {
		c.JSON(http.StatusOK, ginpkg.H{"status": "ok"})
	})

	router.Use(gatemw.Settlement(coordinator))
	router.NoRoute(func(c *ginpkg.Context) {
		result, err := dispatcher.Do(c.Request.Context(), c.Request)
		if err != nil {
			c.JSON(http.StatusBadGateway, ginpkg.H{
				"error":   mintgate.ErrCodeUpstreamFailed,
				"message": err.Error(),
			})
			return
		}
		if err := result.Write(c.Writer); err != nil {
			log.WithError(err).Warn("failed to write upstream response")
		}
	})

	srv := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.WithField("listen", cfg.Server.Listen).Info("gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown failed")
	}
}

func setupLogging(cfg *config.ParsedConfig) {
	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	if cfg.Log.File != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
		})
	}
}

func buildLedger(cfg *config.ParsedConfig) ledger.Store {
	if cfg.Redis.Addr == "" {
		return ledger.NewMemory()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.WithError(err).Fatal("redis unreachable")
	}
	return ledger.NewRedis(rdb)
}
