package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gridshare/gridshare/internal/auth"
	"github.com/gridshare/gridshare/internal/cache"
	"github.com/gridshare/gridshare/internal/config"
	"github.com/gridshare/gridshare/internal/gateway"
	"github.com/gridshare/gridshare/internal/hub"
	"github.com/gridshare/gridshare/internal/matching"
	"github.com/gridshare/gridshare/internal/simulation"
	"github.com/gridshare/gridshare/internal/store"
	"github.com/gridshare/gridshare/internal/telemetry"
	"github.com/gridshare/gridshare/pkg/leader"
	"github.com/gridshare/gridshare/pkg/messaging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil && err != context.Canceled {
		logger.Fatal("gridshare exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Store: Postgres when configured, in-memory for dev.
	var st store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pg.Close()
		st = pg
		logger.Info("using postgres store")
	} else {
		st = store.NewMemory()
		logger.Info("using in-memory store")
	}

	// Event bus: NATS when configured, in-process otherwise.
	var bus messaging.Bus
	if cfg.NATSURL != "" {
		nb, err := messaging.ConnectNATS(messaging.NATSConfig{
			URL:            cfg.NATSURL,
			Name:           "gridshare",
			ReconnectWait:  time.Second,
			MaxReconnects:  60,
			ConnectTimeout: 10 * time.Second,
		})
		if err != nil {
			return err
		}
		bus = nb
		logger.Info("using NATS event bus", zap.String("url", cfg.NATSURL))
	} else {
		bus = messaging.NewLocalBus()
	}
	defer bus.Close()

	// Optional community-stats cache.
	var stats *cache.Stats
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		stats = cache.NewStats(rdb, cfg.StatsCacheTTL)
		logger.Info("stats cache enabled", zap.String("addr", cfg.RedisAddr))
	}

	// Optional telemetry.
	var tele *telemetry.Writer
	if cfg.InfluxURL != "" {
		tele = telemetry.NewWriter(telemetry.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		})
		defer tele.Close()
		logger.Info("telemetry enabled", zap.String("url", cfg.InfluxURL))
	}

	authSvc := auth.NewService(st, cfg.JWTSecret)
	engine := matching.NewEngine(st, bus, logger.Named("matching"),
		matching.WithFallbackPrice(cfg.FallbackPrice))

	h := hub.New(logger.Named("hub"), cfg.HeartbeatInterval)
	if err := h.AttachBus(bus); err != nil {
		return err
	}

	sim := simulation.New(st, bus, stats, tele,
		func(ctx context.Context, requestID int64) error {
			_, err := engine.Match(ctx, requestID)
			return err
		},
		logger.Named("simulation"),
		simulation.Config{
			Interval:          cfg.SimulationInterval,
			UtilizationFactor: cfg.UtilizationFactor,
			RematchPending:    cfg.RematchPending,
		})

	srv := gateway.NewServer(gateway.Config{
		Addr:            cfg.Addr,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
	}, st, authSvc, engine, h, bus, stats, logger.Named("gateway"))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return h.Run(ctx) })

	g.Go(func() error {
		if len(cfg.EtcdEndpoints) == 0 {
			return sim.Run(ctx)
		}
		elector, err := leader.New(leader.Config{Endpoints: cfg.EtcdEndpoints}, logger.Named("leader"))
		if err != nil {
			return err
		}
		defer elector.Close()
		hostname, _ := os.Hostname()
		return elector.RunWhenLeader(ctx, hostname, sim.Run)
	})

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
