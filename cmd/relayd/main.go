// Command relayd runs one message-routing fabric node.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/relayfabric/relayfabric/internal/cloudroute"
	"github.com/relayfabric/relayfabric/internal/config"
	"github.com/relayfabric/relayfabric/internal/dedup"
	"github.com/relayfabric/relayfabric/internal/heartbeat"
	"github.com/relayfabric/relayfabric/internal/httpapi"
	"github.com/relayfabric/relayfabric/internal/logging"
	"github.com/relayfabric/relayfabric/internal/metrics"
	"github.com/relayfabric/relayfabric/internal/registry"
	"github.com/relayfabric/relayfabric/internal/router"
	"github.com/relayfabric/relayfabric/internal/session"
	"github.com/relayfabric/relayfabric/pkg/fabric"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	noAuth := flag.Bool("no-auth", false, "Disable admin API authentication (development only)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush

	secret := ""
	if !*noAuth {
		secret, err = cfg.JWTSecret()
		if err != nil {
			logger.Fatal("admin api secret unavailable", zap.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	scopeFn := func() string { return cfg.Scope }

	reg := registry.New(registry.Config{Log: logger, Metrics: m})
	cache := dedup.NewCache(dedup.Config{
		Window:  cfg.Dedup.Window,
		Log:     logger,
		Metrics: m,
	})
	sessions := session.NewStore(session.Config{
		Timeout:   cfg.Session.Timeout,
		Log:       logger,
		Metrics:   m,
		OnExpired: func(state session.State) { reg.OnSessionExpired(state.ID) },
	})

	engines := fabric.StaticEngines{}

	rt := router.New(router.Config{
		NodeID:          cfg.NodeID,
		ScopeFn:         scopeFn,
		MaxHops:         cfg.MaxHops,
		RelayNMIToCloud: cfg.NMIToCloud,
		Blacklist:       cfg.Blacklist,
		Registry:        reg,
		Dedup:           cache,
		Sessions:        sessions,
		Scopes:          fabric.PassthroughScopes{Disabled: cfg.ScopingOff},
		Engines:         engines,
		Log:             logger,
		Metrics:         m,
	})

	cloud := cloudroute.New(cloudroute.Config{
		Enabled:  cfg.Cloud.Enabled,
		NodeID:   cfg.NodeID,
		ScopeFn:  scopeFn,
		Registry: reg,
		Dialer:   &cloudroute.WebsocketDialer{},
		Engines:  engines,
		Inbound: func(from *fabric.PeerConnection, e *fabric.Envelope) {
			rt.HandleInbound(ctx, from, e)
		},
		RetryInterval: cfg.Cloud.RetryDelay,
		Log:           logger,
		Metrics:       m,
	})
	if cfg.Cloud.MasterNode != "" {
		cloud.SetMasterNode(cfg.Cloud.MasterNode)
	}

	scheduler := heartbeat.New(heartbeat.Config{
		FastInterval:   cfg.Heartbeat.FastInterval,
		HealthInterval: cfg.Heartbeat.HealthInterval,
		SyncFanout:     cfg.Heartbeat.SyncFanout,
		PresenceCheck:  func() { sweepDeadConnections(reg, logger) },
		OrphanCleanup:  func() { sessions.Sweep() },
		Log:            logger,
		Metrics:        m,
	})

	api := httpapi.NewServer(httpapi.Config{
		Addr:         cfg.ListenAddr,
		NodeID:       cfg.NodeID,
		Scope:        cfg.Scope,
		Secret:       secret,
		NoAuth:       *noAuth,
		Registry:     reg,
		Sessions:     sessions,
		Cloud:        cloud,
		Diagnosables: []fabric.Diagnosable{reg, cache, sessions},
		Gatherer:     promReg,
		Log:          logger,
	})

	done := make(chan struct{})
	go cache.Run(done)
	go scheduler.Run(done)

	if cfg.Cloud.Enabled {
		if err := cloud.RegisterRoutes(ctx, cfg.Cloud.RouteURLs); err != nil {
			logger.Fatal("register cloud routes", zap.Error(err))
		}
	}

	go func() {
		if err := api.Start(); err != nil && ctx.Err() == nil {
			logger.Error("admin api exited", zap.Error(err))
			stop()
		}
	}()

	logger.Info("node started",
		zap.String("node_id", cfg.NodeID),
		zap.String("scope", cfg.Scope),
		zap.String("listen", cfg.ListenAddr),
		zap.Bool("cloud", cfg.Cloud.Enabled))

	<-ctx.Done()
	logger.Info("shutting down")

	rt.SetShuttingDown()
	close(done)
	cloud.UnregisterRoutes()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := api.Stop(shutdownCtx); err != nil {
		logger.Warn("admin api shutdown", zap.Error(err))
	}
	if err := cache.Close(); err != nil {
		logger.Warn("dedup cache close", zap.Error(err))
	}
	logger.Info("node stopped", zap.String("node_id", cfg.NodeID))
}

// sweepDeadConnections drops registered connections whose last
// heartbeat is stale past the session-grade threshold.
func sweepDeadConnections(reg *registry.Registry, log *zap.Logger) {
	for _, conn := range reg.Snapshot() {
		if conn.IsConnected() && conn.SinceHeartbeat() > 2*time.Minute {
			log.Warn("connection heartbeat stale, removing",
				zap.String("node_id", conn.NodeID()))
			conn.SetAlive(false)
			reg.Remove(conn.NodeID())
		}
	}
}
