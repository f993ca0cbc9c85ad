// Package app wires the receiver together and runs it.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"cicada/internal/clients"
	"cicada/internal/config"
	"cicada/internal/ledger"
	"cicada/internal/psk"
	"cicada/internal/router"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// App holds every long-lived component of the receiver.
type App struct {
	Config     *config.Config
	Logger     *logrus.Logger
	Plugin     *ledger.BTPPlugin
	Tracker    *psk.Tracker
	Receiver   *psk.Receiver
	NATSClient *clients.NATSClient
	Server     *http.Server
}

// New builds the application from a validated configuration. The receiver
// secret is generated here and lives only in this process.
func New(cfg *config.Config, logger *logrus.Logger) (*App, error) {
	logger.Println("🚀 Initializing Cicada...")

	secret, err := psk.NewSecret()
	if err != nil {
		return nil, err
	}

	pluginCfg := ledger.BTPPluginConfig{
		ServerURL:        cfg.ILP.ServerURL(),
		Account:          cfg.ILP.Account,
		HandshakeTimeout: cfg.ILP.HandshakeTimeoutDuration(),
		PingInterval:     cfg.ILP.PingIntervalDuration(),
	}
	if cfg.ILP.Prefix != "" {
		pluginCfg.Info = ledger.Info{
			Prefix:        cfg.ILP.Prefix,
			CurrencyCode:  cfg.ILP.CurrencyCode,
			CurrencyScale: cfg.ILP.CurrencyScale,
		}
	}

	a := &App{
		Config:  cfg,
		Logger:  logger,
		Plugin:  ledger.NewBTPPlugin(pluginCfg, logger),
		Tracker: psk.NewTracker(time.Duration(cfg.Receiver.Retention) * time.Minute),
	}

	opts := []psk.Option{psk.WithTracker(a.Tracker)}
	deps := router.Dependencies{
		Config:  cfg,
		Plugin:  a.Plugin,
		Secret:  secret,
		Tracker: a.Tracker,
		Logger:  logger,
	}
	if cfg.NATS.URL != "" {
		a.NATSClient, err = clients.NewNATSClient(cfg.NATS, logger)
		if err != nil {
			return nil, err
		}
		opts = append(opts, psk.WithNotifier(a.NATSClient))
		deps.Notifier = a.NATSClient
	} else {
		logger.Info("NATS URL not configured, payment notifications disabled")
	}

	a.Receiver = psk.NewReceiver(a.Plugin, secret, psk.DefaultPolicy(logger), logger, opts...)
	a.Server = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router.SetupRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Println("✅ Cicada initialized")
	return a, nil
}

// Run listens on the configured address and serves until ctx is done.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.Server.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.Server.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln next to the ledger connection. It returns
// nil after a clean shutdown, otherwise the first fatal error.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.runLedger(ctx)
	})
	g.Go(func() error {
		a.Logger.WithField("addr", ln.Addr().String()).Info("cicada chirping")
		if err := a.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.Server.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if derr := a.Plugin.Disconnect(); derr != nil {
		a.Logger.WithError(derr).Warn("Failed to close ledger connection")
	}
	if a.NATSClient != nil {
		a.NATSClient.Close()
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runLedger keeps the plugin connected and the receiver listening. After a
// failed connect or a lost connection it waits ReconnectWait and tries again;
// with no wait configured the loss is fatal.
func (a *App) runLedger(ctx context.Context) error {
	wait := a.Config.ILP.ReconnectWaitDuration()
	for {
		err := a.Plugin.Connect(ctx)
		if err == nil {
			a.Logger.WithField("account", a.Plugin.GetAccount()).Info("plugin connected")
			err = a.Receiver.Listen(ctx)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if wait <= 0 {
			return fmt.Errorf("ledger connection: %w", err)
		}
		a.Logger.WithError(err).WithField("retry_in", wait.String()).Error("plugin error")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
