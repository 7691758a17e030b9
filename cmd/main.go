package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"sync/atomic"
	"syscall"
	"time"

	"rpcgateway/internal"
	"rpcgateway/internal/backend"
	"rpcgateway/internal/cache"
	"rpcgateway/internal/config"
	"rpcgateway/internal/dispatcher"
	"rpcgateway/internal/handlers"
	_ "rpcgateway/internal/logger"
	"rpcgateway/internal/middlewares"
	_ "rpcgateway/internal/monitoring"
	"rpcgateway/internal/pool"
	"rpcgateway/internal/ratelimit"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("fatal panic in main",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			os.Exit(1)
		}
	}()

	configPath := flag.String("config", "config.toml", "path to the gateway's TOML config file")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	slog.Info("starting rpcgateway",
		"chain_id", cfg.App.ChainID,
		"balanced_rpcs", len(cfg.BalancedRPCs),
		"private_rpcs", len(cfg.PrivateRPCs),
	)

	remoteCounter, err := ratelimit.NewRedisCounter(
		cfg.App.RemoteCounterURL,
		"rpcgateway",
		time.Duration(cfg.App.RemoteCounterPeriodSeconds)*time.Second,
	)
	if err != nil {
		log.Fatalf("failed to connect to remote counter: %v", err)
	}
	defer remoteCounter.Close()

	drlCfg := ratelimit.DefaultConfig("rpcgateway")
	drlCfg.Period = time.Duration(cfg.App.RemoteCounterPeriodSeconds) * time.Second
	drlCfg.MaxEntries = cfg.App.DeferredLimiterCacheSize
	drlCfg.SyncThreshold = cfg.App.DeferredLimiterSyncThreshold
	hardLimiter := ratelimit.New(remoteCounter, drlCfg, func(url string) string { return url })
	defer hardLimiter.Close()

	var bestHead atomic.Uint64

	balancedByTier := map[int][]*backend.Connection{}
	var allConns []*backend.Connection
	for _, b := range cfg.BalancedRPCs {
		conn, err := backend.Dial(ctx, backend.Config{
			Name:      b.Name,
			URL:       b.URL,
			WSURL:     b.WSURL,
			SoftLimit: b.SoftLimit,
			HardLimit: b.HardLimit,
			Backup:    b.Backup,
			Tier:      b.Tier,
		}, &bestHead, hardLimiter)
		if err != nil {
			log.Fatalf("failed to dial balanced backend %s: %v", b.Name, err)
		}
		balancedByTier[b.Tier] = append(balancedByTier[b.Tier], conn)
		allConns = append(allConns, conn)
	}
	defer func() {
		for _, c := range allConns {
			c.Close()
		}
	}()

	tiers := buildTiers(cfg.App.ChainID, cfg.App.AllowedHeadLag, &bestHead, balancedByTier)

	var privatePool *pool.Pool
	if len(cfg.PrivateRPCs) > 0 {
		var privateConns []*backend.Connection
		for _, b := range cfg.PrivateRPCs {
			conn, err := backend.Dial(ctx, backend.Config{
				Name:      b.Name,
				URL:       b.URL,
				WSURL:     b.WSURL,
				SoftLimit: b.SoftLimit,
				HardLimit: b.HardLimit,
				Backup:    b.Backup,
			}, &bestHead, hardLimiter)
			if err != nil {
				log.Fatalf("failed to dial private backend %s: %v", b.Name, err)
			}
			privateConns = append(privateConns, conn)
			allConns = append(allConns, conn)
		}
		privatePool = pool.New(cfg.App.ChainID, cfg.App.AllowedHeadLag, &bestHead, privateConns)
	}

	responseCache := cache.New(cfg.App.ResponseCacheCapacity)

	d := dispatcher.New(cfg.App.ChainID, &bestHead, tiers, privatePool, responseCache, dispatcher.Config{
		MaxRetryWait: time.Duration(cfg.App.DispatchDeadlineSeconds) * time.Second,
	})

	rpcHandler := handlers.NewRPCHandler(d)

	publicLimiter := middlewares.NewRateLimiter(middlewares.RateLimiterConfig{
		BucketQPS:       float64(cfg.App.PublicRateLimitPerMinute) / 60,
		BucketSize:      cfg.App.PublicRateLimitPerMinute,
		BaseDelay:       time.Second,
		MaxDelay:        60 * time.Second,
		CoolDown:        2 * time.Minute,
		BackoffFactor:   2.0,
		CleanupInterval: 5 * time.Minute,
	})
	defer publicLimiter.Close()

	router := internal.NewRouter(rpcHandler, publicLimiter)

	healthHandler := handlers.NewHealthHandler(func() error {
		for _, t := range tiers {
			if t.HeadSynced() {
				return nil
			}
		}
		return fmt.Errorf("no backend pool is synced to the chain head")
	})

	adminSrv := internal.NewAdminServer(internal.AdminConfig{
		Addr:        cfg.Admin.Addr,
		EnablePprof: cfg.Admin.EnablePprof,
	}, healthHandler)

	go func() {
		if err := adminSrv.Serve(); err != nil {
			slog.Error("admin server error", "error", err)
		}
	}()

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-stopCh
		slog.Info("received shutdown signal", "signal", sig.String())
		healthHandler.SetUnavailable(true)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := adminSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("admin server shutdown error", "error", err)
		}

		cancel()
	}()

	tlsCfg := &internal.TLSConfig{
		CertFile:            cfg.Server.TLSCert,
		KeyFile:             cfg.Server.TLSKey,
		SelfSignedIfMissing: cfg.Server.SelfSignedIfMissing,
	}
	if !tlsCfg.Enabled() {
		tlsCfg = nil
	}

	internal.Run(ctx, cfg.Server.Addr, router, tlsCfg)
}

// buildTiers converts the tier->connections grouping into a
// tier-ascending, ordered slice of pools, per SPEC_FULL.md's "backends in
// the same tier form one ConnectionPool; pools are walked in ascending
// tier order."
func buildTiers(chainID, allowLag uint64, bestHead *atomic.Uint64, byTier map[int][]*backend.Connection) []*pool.Pool {
	tierKeys := make([]int, 0, len(byTier))
	for t := range byTier {
		tierKeys = append(tierKeys, t)
	}
	for i := 1; i < len(tierKeys); i++ {
		for j := i; j > 0 && tierKeys[j-1] > tierKeys[j]; j-- {
			tierKeys[j-1], tierKeys[j] = tierKeys[j], tierKeys[j-1]
		}
	}

	pools := make([]*pool.Pool, 0, len(tierKeys))
	for _, t := range tierKeys {
		pools = append(pools, pool.New(chainID, allowLag, bestHead, byTier[t]))
	}
	return pools
}
