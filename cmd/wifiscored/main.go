package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/markus-lassfolk/wifiscore/pkg/api"
	"github.com/markus-lassfolk/wifiscore/pkg/audit"
	"github.com/markus-lassfolk/wifiscore/pkg/logx"
	"github.com/markus-lassfolk/wifiscore/pkg/mqtt"
	"github.com/markus-lassfolk/wifiscore/pkg/pidfile"
	"github.com/markus-lassfolk/wifiscore/pkg/scorecard"
	"github.com/markus-lassfolk/wifiscore/pkg/store"
	"github.com/markus-lassfolk/wifiscore/pkg/uci"
)

var (
	configPath = flag.String("config", uci.DefaultPath, "Path to UCI configuration file")
	pidPath    = flag.String("pid-file", "/var/run/wifiscored.pid", "Path to PID file")
	logLevel   = flag.String("log-level", "", "Override log level (trace|debug|info|warn|error)")
	eventsPath = flag.String("events", "-", "Event stream to read, - for stdin")
	apiKey     = flag.String("api-key", "", "Require this X-API-Key on the control API")
	version    = flag.Bool("version", false, "Show version information")
	force      = flag.Bool("force", false, "Start even if the PID file names a live process")
)

const (
	AppName    = "wifiscored"
	AppVersion = "1.0.0"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}

	cfg, err := uci.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load configuration %s: %v\n", *configPath, err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	logger := logx.NewLogger(cfg.LogLevel, AppName)

	pidFile := pidfile.New(*pidPath)
	if err := pidFile.Acquire(*force); err != nil {
		logger.Error("Failed to acquire PID file", "error", err, "path", *pidPath)
		fmt.Fprintf(os.Stderr, "Error: %v\nUse -force to override, or stop the existing instance first\n", err)
		os.Exit(1)
	}

	code := run(cfg, logger)
	if err := pidFile.Release(); err != nil {
		logger.Error("Failed to remove PID file", "error", err)
	}
	os.Exit(code)
}

func run(cfg *uci.Config, logger *logx.Logger) int {
	logger.Info("Starting wifiscore daemon", "version", AppVersion, "pid", os.Getpid(), "config", *configPath)

	input, err := openEvents(*eventsPath)
	if err != nil {
		logger.Error("Failed to open event stream", "error", err, "path", *eventsPath)
		return 1
	}
	defer input.Close()

	var ledgers *store.BoltStore
	c := components{
		openStore: func(dispatch store.Dispatcher) (scorecard.BlobStore, error) {
			var err error
			ledgers, err = store.OpenBoltStore(cfg.StorePath, dispatch, logger.With("component", "store"))
			return ledgers, err
		},
	}

	if cfg.JournalPath != "" {
		journal, err := audit.OpenJournal(cfg.JournalPath, cfg.JournalMaxRecords, logger.With("component", "journal"))
		if err != nil {
			logger.Warn("Selection journal disabled", "error", err, "path", cfg.JournalPath)
		} else {
			c.journal = journal
			defer journal.Close()
		}
	}

	if cfg.MQTT.Enabled {
		publisher := mqtt.NewPublisher(&cfg.MQTT, logger)
		if err := publisher.Connect(); err != nil {
			// paho keeps retrying; messages queue until it succeeds
			logger.Warn("MQTT broker not reachable yet", "error", err)
		}
		c.publisher = publisher
		defer publisher.Disconnect()
	}

	d, err := newDaemon(cfg, bootClock{start: time.Now()}, c, os.Stdout, logger)
	if err != nil {
		logger.Error("Failed to initialize daemon", "error", err)
		return 1
	}
	defer ledgers.Close()

	server := api.NewServer(api.Deps{
		Params:    d.params,
		ScoreCard: d.scoreCard,
		Report:    d.report,
		Selector:  d.selector,
		Journal:   c.journal,
		Store:     ledgers,
		Telemetry: d.telemetry,
		Gatherer:  prometheus.DefaultGatherer,
		AuthKey:   *apiKey,
	}, logger.With("component", "api"))
	if cfg.APIListen != "" {
		if err := server.Start(cfg.APIListen); err != nil {
			logger.Error("Failed to start control API", "error", err, "listen", cfg.APIListen)
			return 1
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				logger.Warn("Control API shutdown failed", "error", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)
	go func() {
		for sig := range sigChan {
			if sig == syscall.SIGHUP {
				reloaded, err := uci.LoadConfig(*configPath)
				if err != nil {
					logger.Warn("Configuration reload failed", "error", err)
					continue
				}
				logger.Info("Reloading configuration", "path", *configPath)
				d.dispatch(func() { d.reload(reloaded) })
				continue
			}
			logger.Info("Received shutdown signal", "signal", sig)
			cancel()
			return
		}
	}()

	events := make(chan *event, 16)
	go readEvents(ctx, input, events, logger)

	if err := d.run(ctx, events); err != nil {
		logger.Error("Event loop failed", "error", err)
		return 1
	}
	logger.Info("wifiscore daemon stopped")
	return 0
}

func openEvents(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}
