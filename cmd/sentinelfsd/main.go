// Command sentinelfsd is the SentinelFS peer daemon: it brings up the
// configured transports, the Network Façade wiring them together, the
// Filesystem Dispatcher, and a Prometheus metrics endpoint, then runs
// until signaled to shut down.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/sentinelfs/sentinelfs/internal/config"
	"github.com/sentinelfs/sentinelfs/internal/discovery"
	"github.com/sentinelfs/sentinelfs/internal/eventbus"
	"github.com/sentinelfs/sentinelfs/internal/facade"
	"github.com/sentinelfs/sentinelfs/internal/fsdispatch"
	"github.com/sentinelfs/sentinelfs/internal/limiter"
	"github.com/sentinelfs/sentinelfs/internal/metrics"
	"github.com/sentinelfs/sentinelfs/internal/registry"
	"github.com/sentinelfs/sentinelfs/internal/session"
	"github.com/sentinelfs/sentinelfs/internal/storage"
	"github.com/sentinelfs/sentinelfs/internal/storage/memory"
	"github.com/sentinelfs/sentinelfs/internal/storage/sqlite"
	"github.com/sentinelfs/sentinelfs/internal/transport"
	"github.com/sentinelfs/sentinelfs/internal/transport/quic"
	"github.com/sentinelfs/sentinelfs/internal/transport/relay"
	"github.com/sentinelfs/sentinelfs/internal/transport/tcp"
	wrtctransport "github.com/sentinelfs/sentinelfs/internal/transport/webrtc"
	appversion "github.com/sentinelfs/sentinelfs/internal/version"
)

// shutdownTimeout bounds how long the metrics HTTP server is given to
// drain in-flight requests during graceful shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("sentinelfsd starting",
		slog.String("version", appversion.Version),
		slog.Any("transports_enabled", cfg.Transports.Enabled),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	if err := runDaemon(cfg, logger, *configPath, logLevel); err != nil {
		logger.Error("sentinelfsd exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("sentinelfsd stopped")
	return 0
}

// runDaemon builds every component named in SPEC_FULL.md's package
// mapping, wires them behind the Network Façade, and runs them under an
// errgroup with signal-aware shutdown, mirroring the teacher's
// runServers shape.
func runDaemon(cfg *config.Config, logger *slog.Logger, configPath string, logLevel *slog.LevelVar) error {
	promReg := prometheus.NewRegistry()
	collector := metrics.NewCollector(promReg)

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	localPeerID, err := session.NewPeerID()
	if err != nil {
		return fmt.Errorf("generate local peer id: %w", err)
	}
	sessionMgr := session.NewManager(localPeerID)
	if cfg.Peer.SessionCode != "" {
		if err := sessionMgr.SetSessionCode(cfg.Peer.SessionCode); err != nil {
			return fmt.Errorf("set session code: %w", err)
		}
	}
	sessionMgr.SetEncryptionEnabled(cfg.Peer.EncryptionEnabled)
	sessionMgr.SetLegacyEnvelopeMode(cfg.Peer.LegacyEnvelopeMode)

	strategyCtor, ok := registry.ValidStrategies[cfg.Transports.Strategy]
	if !ok {
		return fmt.Errorf("unknown transport strategy %q", cfg.Transports.Strategy)
	}
	reg := registry.New(strategyCtor())

	lim := limiter.NewManager(
		float64(cfg.Bandwidth.GlobalUploadBps),
		float64(cfg.Bandwidth.GlobalDownloadBps),
		cfg.Bandwidth.LedbatEnabled,
		0,
	)

	bus := eventbus.New()

	fac := facade.New(sessionMgr, reg, lim, store, bus, collector, logger)
	if cfg.Peer.SessionCode != "" {
		if err := fac.SetSessionCode(cfg.Peer.SessionCode); err != nil {
			return fmt.Errorf("set session code: %w", err)
		}
	}

	enabledKinds, err := registerTransports(fac, cfg, sessionMgr, lim, logger)
	if err != nil {
		return fmt.Errorf("register transports: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	if err := startListeners(gCtx, fac, cfg, enabledKinds, logger); err != nil {
		return fmt.Errorf("start listeners: %w", err)
	}

	if cfg.Discovery.EnableUDP {
		startDiscovery(gCtx, g, fac, cfg, enabledKinds, logger)
	}

	dispatcher, err := startDispatcher(gCtx, g, fac, bus, store, cfg, logger)
	if err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}

	startReloadGoroutine(gCtx, g, fac, configPath, logLevel, logger)

	metricsSrv := newMetricsServer(cfg.Metrics, promReg)
	g.Go(func() error {
		logger.Info("metrics server listening", slog.String("addr", cfg.Metrics.Addr), slog.String("path", cfg.Metrics.Path))
		return listenAndServe(gCtx, metricsSrv, cfg.Metrics.Addr)
	})

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, fac, dispatcher, metricsSrv, logger)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run daemon: %w", err)
	}
	return nil
}

// startReloadGoroutine reacts to SIGHUP by reloading configPath and
// applying the parts of the configuration that can change without a
// restart: the log level, the bandwidth limiter's global rates, the
// encryption toggle and the legacy envelope mode, mirroring the teacher's handleSIGHUP/reloadConfig shape.
func startReloadGoroutine(ctx context.Context, g *errgroup.Group, fac *facade.Facade, configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)

	g.Go(func() error {
		defer signal.Stop(sigHUP)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-sigHUP:
				reloadConfig(fac, configPath, logLevel, logger)
			}
		}
	})
}

func reloadConfig(fac *facade.Facade, configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	logger.Info("received SIGHUP, reloading configuration")

	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings", slog.String("error", err.Error()))
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	fac.SetBandwidthLimits(float64(newCfg.Bandwidth.GlobalUploadBps), float64(newCfg.Bandwidth.GlobalDownloadBps))
	fac.SetEncryptionEnabled(newCfg.Peer.EncryptionEnabled)
	fac.SetLegacyEnvelopeMode(newCfg.Peer.LegacyEnvelopeMode)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)
}

// registerTransports constructs and registers with fac every transport
// named in cfg.Transports.Enabled, returning their kinds for later
// listener startup.
func registerTransports(fac *facade.Facade, cfg *config.Config, sessionMgr *session.Manager, lim *limiter.Manager, logger *slog.Logger) ([]transport.Kind, error) {
	var kinds []transport.Kind

	var tcpTransport *tcp.Transport
	var quicTransport *quic.Transport

	for _, name := range cfg.Transports.Enabled {
		switch name {
		case "tcp":
			tcpTransport = tcp.New(tcp.Config{
				MaxConnections: cfg.Transports.TCP.MaxConnections,
				AutoReconnect:  cfg.Transports.TCP.AutoReconnect,
			}, sessionMgr, lim, logger)
			fac.RegisterTransport(tcpTransport)
			kinds = append(kinds, transport.KindTCP)
		case "quic":
			qt, err := quic.New(quic.Config{}, sessionMgr, lim, logger)
			if err != nil {
				return nil, fmt.Errorf("create quic transport: %w", err)
			}
			quicTransport = qt
			fac.RegisterTransport(qt)
			kinds = append(kinds, transport.KindQUIC)
		case "webrtc":
			wt := wrtctransport.New(wrtctransport.Config{ICEServers: parseICEServers(cfg.Transports.WebRTC.STUNServers)}, sessionMgr, lim, nil, logger)
			fac.RegisterTransport(wt)
			kinds = append(kinds, transport.KindWebRTC)

			switch {
			case tcpTransport != nil:
				fac.EnableWebRTCSignaling(wt, transport.KindTCP)
			case quicTransport != nil:
				fac.EnableWebRTCSignaling(wt, transport.KindQUIC)
			default:
				logger.Warn("webrtc signaling has no carrier transport enabled; offers cannot be sent")
			}
		case "relay":
			rt := relay.New(relay.Config{ServerAddress: cfg.Transports.Relay.ServerAddr}, sessionMgr, lim, logger)
			fac.RegisterTransport(rt)
			kinds = append(kinds, transport.KindRelay)
		default:
			return nil, fmt.Errorf("unknown transport kind %q", name)
		}
	}

	return kinds, nil
}

func startListeners(ctx context.Context, fac *facade.Facade, cfg *config.Config, kinds []transport.Kind, logger *slog.Logger) error {
	for _, kind := range kinds {
		port := 0
		switch kind {
		case transport.KindTCP:
			port = listenPort(cfg.Transports.TCP.ListenAddr)
		case transport.KindQUIC:
			port = listenPort(cfg.Transports.QUIC.ListenAddr)
		case transport.KindWebRTC:
			// No listening socket; StartListening is a documented no-op.
		case transport.KindRelay:
			// Connection is outbound to the relay server, not a local listen.
		}

		if err := fac.StartListening(ctx, kind, port); err != nil {
			return fmt.Errorf("start listening on %s: %w", kind, err)
		}
		logger.Info("transport listening", slog.String("kind", kind.String()), slog.Int("port", port))
	}
	return nil
}

func listenPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return 0
	}
	return port
}

func parseICEServers(urls []string) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		out = append(out, webrtc.ICEServer{URLs: []string{u}})
	}
	return out
}

func startDiscovery(ctx context.Context, g *errgroup.Group, fac *facade.Facade, cfg *config.Config, kinds []transport.Kind, logger *slog.Logger) {
	tcpPort := 0
	for _, kind := range kinds {
		if kind == transport.KindTCP {
			tcpPort = listenPort(cfg.Transports.TCP.ListenAddr)
		}
	}

	disc := discovery.Config{
		UDPPort:             cfg.Discovery.UDPPort,
		BroadcastIntervalMs: cfg.Discovery.BroadcastIntervalMs,
		PeerTimeoutSec:      cfg.Discovery.PeerTimeoutSec,
		EnableUDP:           cfg.Discovery.EnableUDP,
	}

	g.Go(func() error {
		if err := fac.StartDiscovery(ctx, disc, tcpPort, appversion.Version, "linux"); err != nil {
			logger.Warn("discovery service failed to start", slog.String("error", err.Error()))
		}
		<-ctx.Done()
		return fac.StopDiscovery()
	})
}

func startDispatcher(ctx context.Context, g *errgroup.Group, fac *facade.Facade, bus *eventbus.Bus, store storage.Gateway, cfg *config.Config, logger *slog.Logger) (*fsdispatch.Dispatcher, error) {
	if !cfg.Sync.Enabled {
		return nil, nil
	}

	patterns, err := store.IgnorePatterns(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ignore patterns: %w", err)
	}

	sender := facade.DispatchSender{Facade: fac}
	dispatcher := fsdispatch.New(cfg.Sync.WatchRoot, patterns, store, sender, logger, func(rec fsdispatch.ChangeRecord) {
		bus.Publish(eventbus.TopicFileChanged, rec)
	})

	if err := dispatcher.InitialScan(ctx); err != nil {
		return nil, fmt.Errorf("initial scan: %w", err)
	}
	if err := dispatcher.Start(ctx); err != nil {
		return nil, fmt.Errorf("start dispatcher: %w", err)
	}

	g.Go(func() error {
		<-ctx.Done()
		return dispatcher.Stop()
	})

	return dispatcher, nil
}

func gracefulShutdown(ctx context.Context, fac *facade.Facade, dispatcher *fsdispatch.Dispatcher, metricsSrv *http.Server, logger *slog.Logger) error {
	logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown metrics server: %w", err))
	}

	for _, peer := range fac.ConnectedPeers() {
		if err := fac.Disconnect(peer); err != nil {
			logger.Warn("disconnect peer during shutdown failed", slog.String("peer", string(peer)), slog.String("error", err.Error()))
		}
	}

	return shutdownErr
}

func openStorage(cfg config.StorageConfig) (storage.Gateway, error) {
	if cfg.DSN == "" || cfg.DSN == "memory" {
		return memory.New(nil), nil
	}
	gw, err := sqlite.Open(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sqlite storage %s: %w", cfg.DSN, err)
	}
	return gw, nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func listenAndServe(ctx context.Context, srv *http.Server, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}
