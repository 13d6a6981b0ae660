package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb"
	"github.com/spf13/cobra"

	"bizsync-p2p/internal/config"
	"bizsync-p2p/internal/connection"
	"bizsync-p2p/internal/domain"
	"bizsync-p2p/internal/engine"
	"bizsync-p2p/internal/handler"
	"bizsync-p2p/internal/logging"
	"bizsync-p2p/internal/pairing"
	"bizsync-p2p/internal/recordstore"
	"bizsync-p2p/internal/repository"
	"bizsync-p2p/internal/secretstore"
	"bizsync-p2p/internal/service"
	"bizsync-p2p/internal/session"
	"bizsync-p2p/internal/transport"
	"bizsync-p2p/internal/transport/lan"
	"bizsync-p2p/internal/websocket"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sync engine and the control API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logging.New(logging.Options{
		Level:  logging.ParseLevel(cfg.Logging.Level),
		Output: os.Stderr,
		JSON:   cfg.Logging.Format == "json",
	})

	profile, err := config.LoadSyncProfile(cfg.SyncProfilePath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				log.Warn("close failed", "error", err)
			}
		}
	}()

	repos, err := openRepositories(ctx, cfg.Database, log)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Device.DataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	passphrase := cfg.Storage.SecretPassphrase
	if passphrase == "" {
		log.Warn("SECRET_PASSPHRASE not set, sealing pairing secrets with the device id")
		passphrase = cfg.Device.ID
	}
	secrets, err := secretstore.Open(cfg.Storage.SecretDBPath, passphrase, secretstore.DefaultKDF)
	if err != nil {
		return fmt.Errorf("failed to open secret store: %w", err)
	}
	closers = append(closers, secrets)

	records, err := recordstore.OpenSQLite(cfg.Storage.RecordDBPath)
	if err != nil {
		return fmt.Errorf("failed to open record store: %w", err)
	}
	closers = append(closers, records)

	table, err := buildTransports(cfg, log)
	if err != nil {
		return err
	}
	closers = append(closers, table)

	eng, err := engine.New(engine.Options{
		Self: domain.DeviceInfo{
			DeviceID:   cfg.Device.ID,
			Name:       cfg.Device.Name,
			Type:       cfg.Device.Type,
			Platform:   cfg.Device.Platform,
			AppVersion: cfg.Device.AppVersion,
		},
		Table:             table,
		Repos:             repos,
		Secrets:           secrets,
		Records:           records,
		DiscoveryTimeout:  cfg.Engine.DiscoveryTimeout,
		DiscoveryInterval: cfg.Engine.DiscoveryInterval,
		StaleAfter:        cfg.Engine.StaleAfter,
		Pairing: pairing.Config{
			TTL:         cfg.Engine.PairingTTL,
			StepTimeout: cfg.Engine.PairingStepTimeout,
		},
		Connection: connection.Config{
			HeartbeatInterval: cfg.Engine.HeartbeatInterval,
			HeartbeatMisses:   cfg.Engine.HeartbeatMisses,
			AuthTimeout:       cfg.Engine.AuthTimeout,
			ErrorThreshold:    cfg.Engine.ProtocolErrorThreshold,
		},
		Session: session.Config{
			ChunkSize:       cfg.Engine.ChunkSize,
			SendWindow:      cfg.Engine.SendWindow,
			ResponseTimeout: cfg.Engine.ResponseTimeout,
			AckTimeout:      cfg.Engine.AckTimeout,
			SettleTimeout:   cfg.Engine.SettleTimeout,
		},
		Log: log,
	})
	if err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}

	stream := websocket.NewManager(eng.Bus, websocket.Options{
		MaxClients:     cfg.WebSocket.MaxSubscribers,
		WriteWait:      cfg.WebSocket.WriteWait,
		PongWait:       cfg.WebSocket.PongWait,
		PingPeriod:     cfg.WebSocket.PingPeriod,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
	}, log)
	go stream.Run(ctx)

	router := handler.NewRouter(handler.RouterConfig{
		Engine:      eng,
		Auth:        service.NewAuthService(cfg.Device.ID, cfg.API.PasswordHash, cfg.JWT.Secret, cfg.JWT.Expiration, cfg.JWT.RefreshTokenExpiration),
		Events:      stream,
		SyncProfile: profile,
		CORS:        cfg.CORS,
		RateLimit:   cfg.RateLimit,
		WebSocket:   cfg.WebSocket,
		Log:         log,
	})
	if cfg.API.PasswordHash == "" {
		log.Warn("API_PASSWORD_HASH not set, control API login is disabled")
	}

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Engine.PairingStepTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("control API listening", "addr", addr, "env", cfg.Server.Env, "device", cfg.Device.ID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
		log.Error("control API failed", "error", runErr)
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("control API forced to shut down", "error", err)
	}
	if err := eng.Stop(shutdownCtx); err != nil {
		log.Error("engine stopped with errors", "error", err)
	}
	log.Info("stopped gracefully")
	return runErr
}

func openRepositories(ctx context.Context, cfg config.DatabaseConfig, log *slog.Logger) (*repository.Repositories, error) {
	if cfg.Backend != "couch" {
		log.Info("using in-memory repositories; paired devices are lost on restart")
		return repository.NewMemory(), nil
	}

	client, err := kivik.New("couch", cfg.CouchURL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to CouchDB: %w", err)
	}
	created, err := repository.EnsureDB(ctx, client, cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare database %s: %w", cfg.Name, err)
	}
	if created {
		log.Info("created database", "name", cfg.Name)
	}
	log.Info("connected to CouchDB", "host", cfg.Host, "port", cfg.Port)
	return repository.NewCouch(client, cfg.Name), nil
}

func buildTransports(cfg *config.Config, log *slog.Logger) (*transport.Table, error) {
	table := transport.NewTable(log)
	if !cfg.LAN.Enabled {
		log.Warn("no transport enabled; the device can neither discover nor be discovered")
		return table, nil
	}

	tr, err := lan.New(lan.Options{
		ListenAddr:     cfg.LAN.ListenAddr,
		Group:          cfg.LAN.MulticastGroup,
		BeaconInterval: cfg.LAN.BeaconInterval,
		WriteWait:      cfg.WebSocket.WriteWait,
		PongWait:       cfg.WebSocket.PongWait,
		PingPeriod:     cfg.WebSocket.PingPeriod,
	}, log)
	if err != nil {
		table.Close()
		return nil, fmt.Errorf("failed to start LAN transport: %w", err)
	}
	if err := table.Register(tr); err != nil {
		tr.Close()
		table.Close()
		return nil, err
	}
	return table, nil
}
