package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/harborline/frontdesk/internal/alert"
	"github.com/harborline/frontdesk/internal/bridge"
	"github.com/harborline/frontdesk/internal/config"
	"github.com/harborline/frontdesk/internal/session"
	"github.com/harborline/frontdesk/internal/syncengine"
)

func main() {
	logger := log.Default()
	cfg := config.Load(logger)

	backendURL := flag.String("backend-url", cfg.BackendURL, "hotel backend base URL")
	sessionDSN := flag.String("session-dsn", cfg.SessionDSN, "session store: file path, memory://, sqlite://, postgres:// or redis://")
	listen := flag.String("listen", cfg.ListenAddr, "local bridge address")
	interval := flag.Duration("interval", cfg.Interval, "poll interval")
	intervalJitter := flag.Float64("interval-jitter", cfg.IntervalJitter, "poll interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", cfg.RequestTimeout, "per-request timeout")
	permission := flag.String("alert-permission", cfg.AlertPermission, "alert permission: ask, granted, denied or unsupported")
	once := flag.Bool("once", false, "run one poll cycle, print the snapshot and exit")
	flag.Parse()

	cfg.BackendURL = *backendURL
	cfg.SessionDSN = *sessionDSN
	cfg.ListenAddr = *listen
	cfg.Interval = *interval
	cfg.IntervalJitter = *intervalJitter
	cfg.RequestTimeout = *timeout
	cfg.AlertPermission = *permission
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(rootCtx, cfg, *once, os.Stdout, logger); err != nil {
		log.Fatalf("frontdesk-sync: %v", err)
	}
}

func run(ctx context.Context, cfg config.Config, once bool, out io.Writer, logger *log.Logger) error {
	backend, err := session.BuildBackendFromDSN(cfg.SessionDSN)
	if err != nil {
		return fmt.Errorf("session backend: %w", err)
	}
	defer func() {
		if err := session.CloseBackend(backend); err != nil {
			logger.Printf("close session backend: %v", err)
		}
	}()
	store := session.NewStore(backend, session.StoreOptions{Logger: logger})
	store.Load(ctx)

	if path, ok := session.FilePath(cfg.SessionDSN); ok && cfg.WatchSession && !once {
		err := session.WatchFile(ctx, path, session.WatchOptions{Logger: logger}, func() { store.Sync(ctx) })
		if err != nil {
			logger.Printf("session file watch disabled: %v", err)
		}
	}

	sinks := alert.Fanout{alert.LogSink{Logger: logger}}
	if cfg.MQTTBroker != "" && !once {
		client, err := alert.DialMQTT(cfg.MQTTBroker, "frontdesk-sync", cfg.RequestTimeout)
		if err != nil {
			logger.Printf("mqtt alerts disabled: %v", err)
		} else {
			defer client.Disconnect(250)
			sinks = append(sinks, alert.NewMQTTSink(client, cfg.MQTTTopicPrefix, cfg.RequestTimeout))
		}
	}
	provider, err := permissionProvider(cfg.AlertPermission)
	if err != nil {
		return err
	}
	notifier := alert.NewNotifier(sinks, provider, logger)

	client := syncengine.NewHTTPClient(cfg.BackendURL, store.Token, &http.Client{Timeout: cfg.RequestTimeout})
	engine := syncengine.New(client, store, notifier, syncengine.Options{
		Interval:     cfg.Interval,
		Jitter:       cfg.IntervalJitter,
		AssetOrigin:  cfg.AssetOrigin,
		CatalogTypes: cfg.CatalogTypes,
		Manual:       once,
		Logger:       logger,
	})
	if err := engine.Start(ctx); err != nil {
		return err
	}
	defer engine.Close()

	if once {
		return runOnce(ctx, engine, cfg.RequestTimeout, out)
	}

	server := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: bridge.NewServer(engine, store, notifier, bridge.ServerConfig{
			Token:          cfg.BridgeToken,
			RateLimitMax:   cfg.BridgeRateLimit,
			OriginPatterns: cfg.BridgeOrigins,
			Logger:         logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Printf("frontdesk-sync bridge listening on %s", cfg.ListenAddr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("bridge server: %w", err)
	case <-ctx.Done():
		logger.Printf("frontdesk-sync stopping: %v", ctx.Err())
	}

	// Closing the engine ends open event streams, which Shutdown does not track.
	engine.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("bridge shutdown: %w", err)
	}
	return nil
}

func runOnce(ctx context.Context, engine *syncengine.Engine, timeout time.Duration, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := engine.RunCycle(ctx); err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(engine.Snapshot())
}

// permissionProvider maps the configured mode to a provider. In ask mode the
// local UI asks the user before calling POST /v1/permission, so the request
// itself is the user's consent.
func permissionProvider(mode string) (alert.PermissionProvider, error) {
	perm, err := alert.ParsePermission(mode)
	if err != nil {
		return nil, err
	}
	if perm.Decided() {
		return alert.FixedPermission(perm), nil
	}
	return alert.NewConsentProvider(func(context.Context) (alert.Permission, error) {
		return alert.PermissionGranted, nil
	}), nil
}
