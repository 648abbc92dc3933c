package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/thushan/loginproxy/internal/adapter/anvil"
	"github.com/thushan/loginproxy/internal/adapter/metrics"
	"github.com/thushan/loginproxy/internal/adapter/proxy"
	"github.com/thushan/loginproxy/internal/adapter/proxy/pop3"
	"github.com/thushan/loginproxy/internal/adapter/smear"
	"github.com/thushan/loginproxy/internal/adapter/statusapi"
	"github.com/thushan/loginproxy/internal/adapter/tlsdial"
	"github.com/thushan/loginproxy/internal/config"
	"github.com/thushan/loginproxy/internal/core/domain"
	"github.com/thushan/loginproxy/internal/core/ports"
	"github.com/thushan/loginproxy/internal/logger"
	"github.com/thushan/loginproxy/internal/util"
	"github.com/thushan/loginproxy/internal/version"
	"github.com/thushan/loginproxy/pkg/format"
	"github.com/thushan/loginproxy/pkg/nerdstats"
)

func main() {
	startTime := time.Now()
	vlog := log.New(log.Writer(), "", 0)
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.PrintVersionInfo(true, vlog)
		os.Exit(0)
	} else {
		version.PrintVersionInfo(false, vlog)
	}

	var cfg *config.Config
	cfg, err := config.Load(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logInstance, styledLogger, cleanup, err := logger.NewWithTheme(loggerConfig(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()
	slog.SetDefault(logInstance)

	styledLogger.Info("Initialising", "version", version.Version, "pid", os.Getpid())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		styledLogger.Info("Shutdown signal received", "signal", sig.String())
		cancel()
	}()

	trustedCIDRs, err := util.ParseTrustedCIDRs(cfg.Sasl.TrustedFrontendCIDRs)
	if err != nil {
		logger.FatalWithLogger(logInstance, "Invalid trusted_frontend_cidrs", "error", err)
	}

	reg := metrics.New()
	metricsSink := metrics.NewEventSink(reg)

	if cfg.Telemetry.Metrics.Enabled {
		go func() {
			if err := reg.Serve(ctx, cfg.Telemetry.Metrics.Address); err != nil && ctx.Err() == nil {
				styledLogger.Error("Metrics server stopped", "error", err)
			}
		}()
		styledLogger.Info("Metrics endpoint listening", "address", cfg.Telemetry.Metrics.Address)
	}

	destRegistry := domain.NewDestRegistry()
	anvilClient := anvil.New()
	tlsDialer := tlsdial.New()

	scheduler := smear.New(cfg.Proxy.DisconnectTick)
	scheduler.Start()
	defer scheduler.Stop()

	manager := proxy.New(styledLogger, destRegistry)
	manager.StartIdleReaper(ctx)

	if cfg.Telemetry.Status.Enabled {
		statusSrv := statusapi.New(manager, destRegistry)
		go func() {
			if err := statusSrv.Serve(ctx, cfg.Telemetry.Status.Address); err != nil && ctx.Err() == nil {
				styledLogger.Error("Status server stopped", "error", err)
			}
		}()
		styledLogger.Info("Status endpoint listening", "address", cfg.Telemetry.Status.Address)
	}

	listenAddr := net.JoinHostPort(cfg.Server.Host, fmt.Sprintf("%d", cfg.Server.Port))
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		logger.FatalWithLogger(logInstance, "Failed to start listener", "error", err, "address", listenAddr)
	}
	styledLogger.Info("Listening for POP3 clients", "address", listenAddr)

	daemon := &daemon{
		cfg:          cfg,
		log:          styledLogger,
		manager:      manager,
		destRegistry: destRegistry,
		anvil:        anvilClient,
		tlsDialer:    tlsDialer,
		smear:        scheduler,
		events:       metricsSink,
		metrics:      reg,
		trustedCIDRs: trustedCIDRs,
	}

	go daemon.acceptLoop(ctx, listener)

	<-ctx.Done()

	_ = listener.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		styledLogger.Error("Error during shutdown", "error", err)
	}

	reportProcessStats(styledLogger, startTime)
	styledLogger.Info("Login proxy has shutdown")
}

// daemon bundles the process-wide collaborators every accepted connection
// needs, so acceptLoop/handleConnection don't thread a dozen parameters.
type daemon struct {
	cfg          *config.Config
	log          *logger.StyledLogger
	manager      *proxy.Manager
	destRegistry *domain.DestRegistry
	anvil        ports.Anvil
	tlsDialer    ports.TLSDialer
	smear        ports.DelayedCallScheduler
	events       ports.EventSink
	metrics      *metrics.Registry
	trustedCIDRs []*net.IPNet
}

func (d *daemon) acceptLoop(ctx context.Context, listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.log.Warn("accept failed", "error", err)
			continue
		}
		go d.handleConnection(ctx, conn)
	}
}

func (d *daemon) handleConnection(ctx context.Context, conn net.Conn) {
	lc, wrapped, err := captureLogin(conn, d.trustedCIDRs)
	if err != nil {
		d.log.Warn("frontend login capture failed", "error", err, "remote", conn.RemoteAddr().String())
		_ = conn.Close()
		return
	}

	destConfig, err := pickDestination(d.cfg.Destinations.Static)
	if err != nil {
		d.log.Error("no destination available", "error", err)
		_ = conn.Close()
		return
	}
	destination, err := resolveDestination(destConfig)
	if err != nil {
		d.log.Error("destination resolution failed", "error", err, "destination", destConfig.Name)
		_ = conn.Close()
		return
	}
	d.log.InfoWithHealthCheck("routing client to", destination.String())

	sourceIP := lc.realIP
	if sourceIP == "" {
		if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
			sourceIP = tcpAddr.IP.String()
		}
	}

	client := &ports.Client{
		VirtualUser:   lc.username,
		ProxyUser:     lc.username,
		ProxyPassword: lc.password,
		ProxyTTL:      5,
		ProxyMech:     d.cfg.Sasl.DefaultMechanism,
		LocalName:     destConfig.Name,
		MaxReconnects: d.cfg.Proxy.MaxReconnects,
		ConnGUID:      domain.NewAnvilGUID(),
		ClientConn:    wrapped,
	}

	sessionID := util.GenerateRequestID()

	var pc *domain.ProxyConnection
	pc = domain.NewProxyConnection(domain.ProxyConnectionConfig{
		Client:      client,
		Destination: destination,
		SourceIP:    sourceIP,
		SslFlags:    sslFlags(destConfig),
		Timeouts: domain.Timeouts{
			Connect:                   d.cfg.Proxy.ConnectTimeout,
			NotifyRefresh:             d.cfg.Proxy.NotifyRefreshInterval,
			HostImmediateFailureAfter: d.cfg.Proxy.HostImmediateFailureAfter,
			MaxDisconnectDelay:        d.cfg.Proxy.MaxDisconnectDelay,
		},
		MaxReconnects: d.cfg.Proxy.MaxReconnects,
		Callbacks: domain.Callbacks{
			OnFailure: func(ferr *domain.ProxyFailureError) {
				d.onFailure(pc, client, wrapped, ferr)
			},
			OnDisconnecting: func(p *domain.ProxyConnection) {
				d.manager.MarkDisconnecting(p)
			},
		},
		TLS:      d.tlsDialer,
		Anvil:    d.anvil,
		Events:   d.events,
		Registry: d.destRegistry,
		Smear:    d.smear,
	})

	d.manager.RegisterPending(pc)

	session := proxy.NewSession(pc, d.log, func(conn pop3.Conn) *pop3.Driver {
		return pop3.New(conn, pop3.LoginParams{
			XClientSupported: true,
			ProxyNotTrusted:  d.cfg.Sasl.ProxyNotTrusted,
			LocalIP:          client.LocalIP,
			RemotePort:       client.LocalPort,
			SessionID:        sessionID,
			ProxyTTL:         client.ProxyTTL,
			EndClientTLS:     false,
			LocalName:        destConfig.Name,
			ProxyUser:        client.ProxyUser,
			ProxyMasterUser:  client.ProxyMasterUser,
			ProxyPassword:    client.ProxyPassword,
			ProxyMech:        domain.SaslMechanism(client.ProxyMech),
			SslStartTLS:      destConfig.SSL == "starttls",
		}, d.log)
	}, func(p *domain.ProxyConnection) {
		d.manager.LinkDetached(p, client.VirtualUser)
	})

	session.Run(ctx)
}

func (d *daemon) onFailure(pc *domain.ProxyConnection, client *ports.Client, conn net.Conn, ferr *domain.ProxyFailureError) {
	reply := pop3.FailureReply(ferr.Type, ferr.Reason)
	if reply != "" {
		_, _ = conn.Write([]byte(reply))
	}
	_ = conn.Close()
	d.manager.UnlinkDetached(pc, client.VirtualUser)
	d.log.Warn("session failed", "virtual_user", client.VirtualUser, "type", ferr.Type.String(), "reason", ferr.Reason)
}

func loggerConfig(cfg *config.Config) *logger.Config {
	return &logger.Config{
		Level:      cfg.Logging.Level,
		LogDir:     cfg.Logging.LogDir,
		Theme:      cfg.Logging.Theme,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		FileOutput: cfg.Logging.FileOutput,
		PrettyLogs: cfg.Logging.PrettyLogs,
	}
}

func reportProcessStats(logger *logger.StyledLogger, startTime time.Time) {
	runtime.GC()
	stats := nerdstats.Snapshot(startTime)

	logger.Info("Process Memory Stats",
		"heap_alloc", format.Bytes(stats.HeapAlloc),
		"heap_sys", format.Bytes(stats.HeapSys),
		"heap_inuse", format.Bytes(stats.HeapInuse),
		"total_alloc", format.Bytes(stats.TotalAlloc),
		"memory_pressure", stats.GetMemoryPressure(),
	)

	logger.Info("Runtime Stats",
		"uptime", format.Duration(stats.Uptime),
		"go_version", stats.GoVersion,
		"num_goroutines", stats.NumGoroutines,
		"goroutine_health", stats.GetGoroutineHealthStatus(),
	)

	logger.InfoWithNumbers("heap at %s bytes allocated of %s bytes system, %s bytes allocated over process lifetime",
		int64(stats.HeapAlloc), int64(stats.HeapSys), int64(stats.TotalAlloc))
}
