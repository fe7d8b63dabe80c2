package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"go.uber.org/fx"

	"github.com/thereceipt/order-print-agent/internal/agent"
	"github.com/thereceipt/order-print-agent/internal/api"
	"github.com/thereceipt/order-print-agent/internal/clock"
	"github.com/thereceipt/order-print-agent/internal/config"
	"github.com/thereceipt/order-print-agent/internal/dispatch"
	"github.com/thereceipt/order-print-agent/internal/platform"
	"github.com/thereceipt/order-print-agent/internal/printer"
	"github.com/thereceipt/order-print-agent/internal/queue"
	"github.com/thereceipt/order-print-agent/internal/receipt"
	"github.com/thereceipt/order-print-agent/internal/registry"
)

// Module wires the print agent
var Module = fx.Module("order-print-agent",
	fx.Provide(
		newCapabilities,
		newRegistry,
		newDetector,
		newPool,
		newFormatter,
		newFallbacks,
		newDispatcher,
		newNotifier,
		newHub,
		newHandler,
		newStore,
		newMonitor,
		newServer,
	),
	fx.Invoke(
		startBackground,
		startServer,
	),
)

func newCapabilities(cfg config.Config, logger *slog.Logger) platform.Capabilities {
	caps := platform.Detect(platform.Overrides{
		DisableUSB:     cfg.Printer.DisableUSB,
		SerialDevice:   cfg.Printer.SerialDevice,
		NetworkAddress: cfg.Printer.NetworkAddress,
		ScanSerial:     cfg.Printer.ScanSerial,
		SpoolCommand:   cfg.Printer.SpoolerCommand,
		ChromePath:     cfg.Printer.ChromePath,
	})
	if cfg.Printer.DisablePDF {
		caps.ChromePath = ""
	}

	logger.Info("platform capabilities",
		"os", caps.OS, "usb", caps.USB, "hardware", caps.Hardware(),
		"spooler", caps.Spooler(), "browser", caps.Browser(), "pdf", caps.ChromePath != "")
	return caps
}

func newRegistry(cfg config.Config, logger *slog.Logger) (*registry.Registry, error) {
	return registry.New(cfg.Printer.RegistryPath, logger)
}

func newDetector(caps platform.Capabilities, reg *registry.Registry, cfg config.Config, logger *slog.Logger) *printer.Detector {
	return printer.NewDetector(caps, reg, printer.DetectorConfig{
		VendorIDs:      cfg.Printer.VendorIDs,
		SerialDevice:   cfg.Printer.SerialDevice,
		SerialBaud:     cfg.Printer.SerialBaud,
		ScanSerial:     cfg.Printer.ScanSerial,
		NetworkAddress: cfg.Printer.NetworkAddress,
		DefaultPrinter: cfg.Printer.Default,
	}, logger)
}

func newPool(lc fx.Lifecycle, cfg config.Config, logger *slog.Logger) *printer.ConnectionPool {
	pool := printer.NewConnectionPool(printer.PoolConfig{
		SendTimeout: cfg.Printer.PrintTimeout,
		SerialBaud:  cfg.Printer.SerialBaud,
	}, logger)

	lc.Append(fx.StopHook(pool.DisconnectAll))
	return pool
}

func newFormatter(cfg config.Config) (*receipt.Formatter, error) {
	return receipt.New(receipt.Config{
		StoreName:        cfg.Receipt.StoreName,
		Footer:           cfg.Receipt.Footer,
		Columns:          cfg.Receipt.Columns,
		DotWidth:         cfg.Receipt.DotWidth,
		CurrencySymbol:   cfg.Receipt.CurrencySymbol,
		DecimalSeparator: cfg.Receipt.DecimalSeparator,
		LogoPath:         cfg.Receipt.LogoPath,
		Barcode:          cfg.Receipt.Barcode,
	})
}

// newFallbacks builds the non-hardware print paths the host supports, in
// the order they are tried
func newFallbacks(caps platform.Capabilities, cfg config.Config, logger *slog.Logger) []dispatch.Fallback {
	var fallbacks []dispatch.Fallback
	runner := printer.ExecRunner{}

	if caps.Spooler() {
		fb := &dispatch.SpoolerFallback{
			Spooler: printer.NewSpooler(caps.SpoolCommand, runner, cfg.Printer.PrintTimeout, logger),
			Queue:   cfg.Printer.SpoolerQueue,
			Logger:  logger,
		}
		if caps.ChromePath != "" {
			fb.PDF = &dispatch.ChromePDF{ExecPath: caps.ChromePath}
		}
		fallbacks = append(fallbacks, fb)
	}

	if caps.Browser() {
		fallbacks = append(fallbacks, &dispatch.BrowserFallback{
			Dir:     cfg.Printer.PreviewDir,
			Command: caps.OpenCommand,
			Runner:  runner,
			Timeout: cfg.Printer.PrintTimeout,
		})
	}

	return fallbacks
}

func newDispatcher(caps platform.Capabilities, detector *printer.Detector, pool *printer.ConnectionPool, formatter *receipt.Formatter, fallbacks []dispatch.Fallback, logger *slog.Logger) *dispatch.Dispatcher {
	return dispatch.New(caps, detector, pool, formatter, fallbacks, logger)
}

func newNotifier(lc fx.Lifecycle, cfg config.Config, logger *slog.Logger) *agent.Notifier {
	n := agent.NewNotifier(agent.NotifierConfig{
		URL:        cfg.Upstream.StatusURL,
		APIKey:     cfg.Upstream.APIKey,
		MaxRetries: cfg.Upstream.NotifyRetries,
		Timeout:    cfg.Upstream.NotifyTimeout,
	}, logger)

	lc.Append(fx.StopHook(n.Stop))
	return n
}

func newHub(logger *slog.Logger) *api.Hub {
	return api.NewHub(logger)
}

func newHandler(d *dispatch.Dispatcher, n *agent.Notifier, hub *api.Hub, logger *slog.Logger) *agent.Handler {
	return agent.NewHandler(d, logger, n, hub)
}

func newStore(lc fx.Lifecycle, cfg config.Config, logger *slog.Logger) (*queue.Store, error) {
	store, err := queue.NewStore(queue.Config{
		Dir:         cfg.Queue.Dir,
		GracePeriod: cfg.Queue.GracePeriod,
		TTL:         cfg.Queue.TTL,
	}, clock.NewRealClock(), logger)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.StopHook(store.Close))
	return store, nil
}

func newMonitor(detector *printer.Detector, hub *api.Hub, cfg config.Config, logger *slog.Logger) *printer.Monitor {
	m := printer.NewMonitor(detector, cfg.Printer.MonitorInterval, logger)
	m.OnPrinterAdded(hub.PrinterAdded)
	m.OnPrinterRemoved(hub.PrinterRemoved)
	return m
}

func newServer(cfg config.Config, caps platform.Capabilities, handler *agent.Handler, detector *printer.Detector, store *queue.Store, hub *api.Hub, logger *slog.Logger) *api.Server {
	return api.NewServer(api.Deps{
		Config:   cfg,
		Caps:     caps,
		Handler:  handler,
		Printers: detector,
		Queue:    store,
		Hub:      hub,
		Logger:   logger,
	})
}

// startBackground runs the queue janitor, the printer monitor and, when
// configured, the remote queue poller and the upstream websocket subscriber
func startBackground(lc fx.Lifecycle, shutdowner fx.Shutdowner, cfg config.Config, store *queue.Store, monitor *printer.Monitor, handler *agent.Handler, logger *slog.Logger) {
	runners := []agent.Runner{
		agent.RunnerFunc(func(ctx context.Context) error {
			return store.RunJanitor(ctx, cfg.Queue.SweepInterval)
		}),
		monitor,
	}

	if cfg.Agent.PollURL != "" {
		client := agent.NewClient(cfg.Agent.PollURL, cfg.Upstream.APIKey, cfg.Agent.PollTimeout)
		runners = append(runners, agent.NewPoller(client, handler, cfg.Agent.PollInterval, logger))
		logger.Info("polling remote print queue", "url", cfg.Agent.PollURL)
	}

	if cfg.Agent.WSURL != "" {
		runners = append(runners, agent.NewSubscriber(agent.SubscriberConfig{
			URL:      cfg.Agent.WSURL,
			APIKey:   cfg.Upstream.APIKey,
			AgentKey: cfg.Agent.AgentKey,
		}, handler, logger))
		logger.Info("subscribing to upstream print orders", "url", cfg.Agent.WSURL)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := agent.RunAll(ctx, runners...); err != nil {
					logger.Error("background task failed", "error", err)
					shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}

func startServer(lc fx.Lifecycle, shutdowner fx.Shutdowner, cfg config.Config, server *api.Server, logger *slog.Logger) {
	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			logger.Info("starting API server", "address", srv.Addr, "version", Version)
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("API server failed", "error", err)
					shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("stopping API server")
			server.Close()
			return srv.Shutdown(ctx)
		},
	})
}
