package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ringhash/ringhashd/internal/admin"
	"github.com/ringhash/ringhashd/internal/admission"
	"github.com/ringhash/ringhashd/internal/backend"
	"github.com/ringhash/ringhashd/internal/config"
	"github.com/ringhash/ringhashd/internal/metrics"
	"github.com/ringhash/ringhashd/internal/middleware"
	"github.com/ringhash/ringhashd/internal/quarantine"
	"github.com/ringhash/ringhashd/internal/ring"
	"github.com/ringhash/ringhashd/internal/router"
	"github.com/ringhash/ringhashd/internal/scaler"
	"github.com/ringhash/ringhashd/internal/server"
)

func main() {
	var (
		host            = flag.String("host", "", "bind address (overrides config)")
		port            = flag.Int("port", 0, "bind port (overrides config)")
		scaleTime       = flag.Int("scale-time", 0, "scaler interval in seconds (overrides config)")
		quarantineTime  = flag.Int("quarantine-time", 0, "quarantine interval in seconds (overrides config)")
		maxCon          = flag.Int("max-con", 0, "worker-pool size (overrides config)")
		refuse          = flag.Int("refuse", 0, "connection-count threshold above which new connections are refused (overrides config)")
		maxHash         = flag.Float64("max-hash", 0, "hash domain upper bound (overrides config)")
		configPath      = flag.String("config", "", "path to YAML config file (seed topology + ambient tunables)")
		adminAddr       = flag.String("admin-addr", "", "address for /metrics and /healthz (overrides config)")
	)
	flag.Parse()

	rawLogger, _ := zap.NewProduction()
	log := rawLogger.Sugar()
	defer log.Sync() //nolint:errcheck

	cfg, watcher, err := config.LoadAndWatch(*configPath, log)
	if err != nil {
		log.Fatalw("failed to load config", "err", err)
	}
	if watcher != nil {
		defer watcher.Close()
	}
	applyFlagOverrides(cfg, *host, *port, *scaleTime, *quarantineTime, *maxCon, *refuse, *maxHash, *adminAddr)
	applyDefaultsIfUnset(cfg)

	log.Infow("starting ringhashd",
		"host", cfg.Server.Host, "port", cfg.Server.Port,
		"adminAddr", cfg.Server.AdminAddr, "hashMax", cfg.Limits.HashMax,
	)

	r := ring.New(cfg.Limits.HashMax)
	for _, sb := range cfg.Seed.Backends {
		b := backend.New(sb.Host, sb.Port, sb.Key, true)
		r.Gate.WLock()
		err := r.AddPrimary(sb.Key, b)
		r.Gate.WUnlock()
		if err != nil {
			log.Warnw("seed backend rejected", "host", sb.Host, "port", sb.Port, "key", sb.Key, "error", err)
		}
	}

	m := metrics.New()

	rt := router.New(r, log, m)
	api := admin.New(r, rt, log)

	sc := scaler.New(r, time.Duration(cfg.Scaler.IntervalSeconds)*time.Second, log, m)
	qr := quarantine.New(r, time.Duration(cfg.Quarantine.IntervalSeconds)*time.Second, log, m)

	if watcher != nil {
		go reconcileSeeds(watcher, r, log)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sc.Run(ctx)
	go qr.Run(ctx)

	lim := admission.New(cfg.Admission)
	srv := server.New(api, lim, cfg.Limits.MaxConnections, cfg.Limits.RefuseAbove, log, m)

	adminMux := http.NewServeMux()
	adminMux.Handle("/metrics", promhttp.Handler())
	adminMux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	adminHandler := middleware.Chain(adminMux,
		middleware.Recovery(log),
		middleware.RequestID,
		middleware.Logger(log),
	)
	adminSrv := &http.Server{
		Addr:         cfg.Server.AdminAddr,
		Handler:      adminHandler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Infow("admin server listening", "addr", cfg.Server.AdminAddr)
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("admin server failed", "err", err)
		}
	}()

	bindAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe(bindAddr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	select {
	case err := <-serveErr:
		if err != nil {
			log.Fatalw("router failed to bind", "addr", bindAddr, "err", err)
		}
	case <-quit:
		log.Infow("shutting down gracefully")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		_ = adminSrv.Shutdown(shutdownCtx)
		cancel()
		log.Infow("goodbye")
	}
}

// applyFlagOverrides layers explicitly-given CLI flags over the loaded
// config, per spec.md §6: flags override config values when given.
func applyFlagOverrides(cfg *config.Config, host string, port, scaleTime, quarantineTime, maxCon, refuse int, maxHash float64, adminAddr string) {
	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if scaleTime != 0 {
		cfg.Scaler.IntervalSeconds = scaleTime
	}
	if quarantineTime != 0 {
		cfg.Quarantine.IntervalSeconds = quarantineTime
	}
	if maxCon != 0 {
		cfg.Limits.MaxConnections = maxCon
	}
	if refuse != 0 {
		cfg.Limits.RefuseAbove = refuse
	}
	if maxHash != 0 {
		cfg.Limits.HashMax = maxHash
	}
	if adminAddr != "" {
		cfg.Server.AdminAddr = adminAddr
	}
}

// applyDefaultsIfUnset fills in spec.md §6's documented defaults for any
// field still unset after flags and config (the no-config, no-flags path).
func applyDefaultsIfUnset(cfg *config.Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 5003
	}
	if cfg.Server.AdminAddr == "" {
		cfg.Server.AdminAddr = ":9090"
	}
	if cfg.Scaler.IntervalSeconds == 0 {
		cfg.Scaler.IntervalSeconds = 60
	}
	if cfg.Quarantine.IntervalSeconds == 0 {
		cfg.Quarantine.IntervalSeconds = 30
	}
	if cfg.Limits.MaxConnections == 0 {
		cfg.Limits.MaxConnections = 100
	}
	if cfg.Limits.RefuseAbove == 0 {
		cfg.Limits.RefuseAbove = 200
	}
	if cfg.Limits.HashMax == 0 {
		cfg.Limits.HashMax = 360
	}
}

// reconcileSeeds applies additive seed-backend changes from a reloaded
// config to the live ring. Backends already present are left alone;
// config seeding never removes a backend; only admin "remove" does.
func reconcileSeeds(w *config.Watcher, r *ring.Ring, log *zap.SugaredLogger) {
	for cfg := range w.Updates() {
		r.Gate.WLock()
		for _, sb := range cfg.Seed.Backends {
			if r.OwnerOf(sb.Key) != nil {
				continue
			}
			b := backend.New(sb.Host, sb.Port, sb.Key, true)
			if err := r.AddPrimary(sb.Key, b); err != nil {
				log.Warnw("seed reconcile rejected", "host", sb.Host, "port", sb.Port, "key", sb.Key, "error", err)
				continue
			}
			log.Infow("seed backend added on reload", "host", sb.Host, "port", sb.Port, "key", sb.Key)
		}
		r.Gate.WUnlock()
	}
}
