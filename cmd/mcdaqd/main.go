// mcdaqd - SCADA data-acquisition daemon for Mitsubishi Q-series PLCs.
//
// Polls tags over MC 3E ASCII, buffers samples in memory, and delivers
// them as batched inserts into the remote time-series store, spilling to
// CSV when the store is unreachable. Polling groups and the writer are
// started through the control API, never at process boot.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"mcdaq/internal/config"
	"mcdaq/internal/control"
	"mcdaq/internal/control/httpapi"
	"mcdaq/internal/dlog"
	"mcdaq/internal/oraclestore"
	"mcdaq/internal/plcpool"
	"mcdaq/internal/polling"
	"mcdaq/internal/ringbuf"
	"mcdaq/internal/sqlconfig"
)

// Version is set at build time via -ldflags
var Version = "dev"

var (
	configPath  = flag.String("config", "mcdaqd.yaml", "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version and exit")
	httpHost    = flag.String("host", "", "HTTP bind address (overrides config)")
	httpPort    = flag.Int("p", 0, "HTTP listen port (overrides config)")
	dbPath      = flag.String("db", "", "Path to the SQLite configuration store (overrides config)")
	traceLog    = flag.String("trace", "", "Enable protocol trace logging to the given file")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("mcdaqd %s\n", Version)
		os.Exit(0)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("load config", "err", err)
		os.Exit(1)
	}
	if *httpHost != "" {
		cfg.Web.Host = *httpHost
	}
	if *httpPort != 0 {
		cfg.Web.Port = *httpPort
	}
	if *dbPath != "" {
		cfg.DatabasePath = *dbPath
	}
	if *traceLog != "" {
		cfg.TraceLogPath = *traceLog
	}

	if cfg.TraceLogPath != "" {
		trace, err := dlog.NewTrace(cfg.TraceLogPath)
		if err != nil {
			log.Error("open trace log", "err", err)
			os.Exit(1)
		}
		dlog.SetGlobal(trace)
		defer trace.Close()
	}

	store, err := sqlconfig.Open(cfg.DatabasePath)
	if err != nil {
		log.Error("open configuration store", "path", cfg.DatabasePath, "err", err)
		os.Exit(1)
	}
	plcConfigs, groupConfigs, err := store.Load()
	store.Close()
	if err != nil {
		log.Error("load configuration", "err", err)
		os.Exit(1)
	}
	log.Info("configuration loaded", "plcs", len(plcConfigs), "groups", len(groupConfigs))

	for i := range plcConfigs {
		if plcConfigs[i].PoolSize <= 0 {
			plcConfigs[i].PoolSize = cfg.PoolSizePerPLC
		}
		if plcConfigs[i].ConnectTimeout <= 0 {
			plcConfigs[i].ConnectTimeout = cfg.ConnectionTimeout
		}
		if plcConfigs[i].ReadTimeout <= 0 {
			plcConfigs[i].ReadTimeout = cfg.ReadTimeout
		}
	}

	failureLog := dlog.NewFailureLog(cfg.FailureLogPath)

	poolMgr := plcpool.NewManager(plcConfigs,
		plcpool.WithPoolOptions(plcpool.WithIdleTimeout(cfg.IdleTimeout)))

	queue := polling.NewQueue(cfg.DataQueueSize)
	buffer := ringbuf.New[polling.Sample](cfg.Buffer.MaxSize)
	adapter := polling.PoolManager{Manager: poolMgr}
	engine := polling.NewEngine(adapter, adapter, queue, failureLog, buffer,
		polling.WithMaxRunning(cfg.MaxPollingGroups))
	if err := engine.LoadGroups(groupConfigs); err != nil {
		log.Error("load polling groups", "err", err)
		os.Exit(1)
	}

	sessionPool, err := oraclestore.OpenPool(context.Background(), cfg.Oracle.DSN(),
		int32(cfg.Oracle.PoolMin), int32(cfg.Oracle.PoolMax), time.Hour, 5*time.Second)
	if err != nil {
		log.Error("configure remote store pool", "err", err)
		os.Exit(1)
	}
	defer sessionPool.Close()

	writer := oraclestore.New(sessionPool, buffer, failureLog, oraclestore.Config{
		WriteInterval: cfg.Buffer.WriteInterval,
		BatchSize:     cfg.Buffer.BatchSize,
		RetryCount:    cfg.Buffer.RetryCount,
		BackupDir:     cfg.BackupPath,
	})

	surface := control.NewSurface(engine, poolMgr, writer, buffer, failureLog)

	var httpServer *http.Server
	var hub *httpapi.Hub
	if cfg.Web.Enabled {
		hub = httpapi.NewHub(surface)
		go hub.Run()

		addr := net.JoinHostPort(cfg.Web.Host, strconv.Itoa(cfg.Web.Port))
		httpServer = &http.Server{
			Addr:              addr,
			Handler:           httpapi.NewRouter(surface, hub, cfg.Web.APIKeyHash),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("control API listening", "addr", addr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("http server", "err", err)
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info("shutting down", "signal", s.String())

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		httpServer.Shutdown(shutdownCtx)
		cancel()
		hub.Close()
	}

	if _, err := surface.SystemStop(); err != nil {
		// not running is fine; groups and the writer were never started
		log.Info("system stop", "result", err.Error())
	}
	poolMgr.Shutdown()
	log.Info("shutdown complete")
}
