// Package server provides the public entry point for initializing the
// zenflo relay.
//
// This package exists in pkg/ (not internal/) so that other binaries and
// integration tests can embed a fully wired relay.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	defer srv.ShutdownFunc(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/quinnbmay/zenflo-sub001/internal/api"
	"github.com/quinnbmay/zenflo-sub001/internal/api/handlers"
	"github.com/quinnbmay/zenflo-sub001/internal/auth"
	"github.com/quinnbmay/zenflo-sub001/internal/bridge"
	"github.com/quinnbmay/zenflo-sub001/internal/config"
	"github.com/quinnbmay/zenflo-sub001/internal/feed"
	"github.com/quinnbmay/zenflo-sub001/internal/notify"
	"github.com/quinnbmay/zenflo-sub001/internal/push"
	"github.com/quinnbmay/zenflo-sub001/internal/store"
	"github.com/quinnbmay/zenflo-sub001/internal/telemetry"

	"github.com/rs/zerolog/log"
)

// Server holds the initialized relay.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store selected by ZENFLO_STORE.
	Store store.Store

	// Hub fans new feed items out to live subscribers.
	Hub *feed.Hub

	// Bridge holds the connected daemons.
	Bridge *bridge.Registry

	// Config is the relay configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown. It drains queued
	// notifications, drops daemon connections, flushes telemetry and closes
	// the store.
	ShutdownFunc func(context.Context) error
}

// New initializes the relay from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the relay with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := openStore(ctx, cfg)
	if err != nil {
		shutdownTelemetry(ctx)
		return nil, err
	}

	srv, err := wire(ctx, cfg, dataStore)
	if err != nil {
		dataStore.Close()
		shutdownTelemetry(ctx)
		return nil, err
	}
	closeRest := srv.ShutdownFunc
	srv.ShutdownFunc = func(ctx context.Context) error {
		return errors.Join(closeRest(ctx), shutdownTelemetry(ctx), dataStore.Close())
	}
	return srv, nil
}

// NewWithStore wires the relay over an existing store. The caller keeps
// ownership of the store; ShutdownFunc does not close it.
func NewWithStore(ctx context.Context, cfg *config.Config, s store.Store) (*Server, error) {
	return wire(ctx, cfg, s)
}

func wire(ctx context.Context, cfg *config.Config, dataStore store.Store) (*Server, error) {
	// Auth
	secret, err := tokenSecret(cfg.Auth.TokenSecret)
	if err != nil {
		return nil, err
	}
	issuer, err := auth.NewTokenIssuer(secret, cfg.Auth.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("token issuer: %w", err)
	}
	policy, err := auth.ParsePolicy(cfg.Auth.KeyPolicy)
	if err != nil {
		return nil, err
	}
	authenticator := auth.NewAuthenticator(dataStore, issuer, policy, cfg.Auth.ChallengeWindow)
	if err := registerKeys(ctx, dataStore, cfg.Auth.RegisteredKeys); err != nil {
		return nil, err
	}

	chain := auth.NewProviderChain()
	chain.RegisterProvider(auth.NewTokenProvider(issuer))
	chain.RegisterProvider(auth.NewOperatorProvider(cfg.Auth.OperatorKeys))
	limiter := auth.NewRateLimiter(cfg.Auth.RatePerMinute, cfg.Auth.RateBurst)
	log.Info().Str("policy", string(policy)).Strs("providers", chain.ListProviders()).Msg("Auth initialized")

	// Notifications
	notifier := notify.NewService(notify.Options{
		Workers:   cfg.Notify.Workers,
		QueueSize: cfg.Notify.QueueSize,
	})
	var pushSvc *push.Service
	if cfg.Push.Enabled {
		pushSvc, err = push.NewService(push.Config{
			Store:        dataStore,
			VAPIDPublic:  cfg.Push.VAPIDPublic,
			VAPIDPrivate: cfg.Push.VAPIDPrivate,
			Subject:      cfg.Push.Subject,
			TTL:          cfg.Push.TTL,
		})
		if err != nil {
			notifier.Close(ctx)
			return nil, err
		}
		notifier.RegisterDriver(pushSvc)
	}
	if cfg.Webhook.URL != "" {
		notifier.RegisterDriver(notify.NewWebhookDriver(cfg.Webhook.URL, cfg.Webhook.Secret, nil))
	}

	// Feed
	hub := feed.NewHub()
	feedSvc := feed.NewService(dataStore, hub)
	if len(notifier.Drivers()) > 0 {
		feedSvc.AddNotifier(notifier)
	}

	// Bridge
	registry := bridge.NewRegistry(cfg.Bridge.ActionTimeout)

	h := handlers.New(dataStore, authenticator, feedSvc, hub, registry, pushSvc, cfg.Version)
	router := api.NewRouter(cfg, h, chain, limiter)

	log.Info().
		Str("store", cfg.Store.Driver).
		Strs("notify_drivers", notifier.Drivers()).
		Msg("Relay initialized")

	return &Server{
		Handler: router,
		Store:   dataStore,
		Hub:     hub,
		Bridge:  registry,
		Config:  cfg,
		Port:    cfg.Port,
		ShutdownFunc: func(ctx context.Context) error {
			registry.Shutdown()
			return notifier.Close(ctx)
		},
	}, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		s := store.NewMemoryStore(cfg.Store.DataDir)
		if cfg.Store.DataDir == "" {
			log.Warn().Msg("In-memory store without ZENFLO_DATA_DIR; all data is lost on restart")
		}
		return s, nil
	case config.DriverSQLite:
		s, err := store.NewSQLiteStore(ctx, cfg.Store.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	case config.DriverPostgres:
		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		s, err := store.NewPostgresStore(connectCtx, cfg.Database.URL, cfg.Database.MaxConnections)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q (want memory, sqlite or postgres)", cfg.Store.Driver)
	}
}

// tokenSecret decodes the configured secret, accepting raw text or base64,
// or generates one for this process.
func tokenSecret(configured string) ([]byte, error) {
	if configured == "" {
		secret := make([]byte, auth.MinTokenSecretSize)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate token secret: %w", err)
		}
		log.Warn().Msg("No ZENFLO_TOKEN_SECRET configured, generated one; tokens will not survive a restart")
		return secret, nil
	}
	if b, err := base64.StdEncoding.DecodeString(configured); err == nil && len(b) >= auth.MinTokenSecretSize {
		return b, nil
	}
	return []byte(configured), nil
}

// registerKeys binds each base64 public key to an account.
func registerKeys(ctx context.Context, s store.AccountStore, keys []string) error {
	for _, k := range keys {
		pk, err := base64.StdEncoding.DecodeString(k)
		if err != nil || len(pk) != 32 {
			return fmt.Errorf("ZENFLO_REGISTERED_KEYS: %q is not a base64 Ed25519 public key", k)
		}
		acct, created, err := s.EnsureAccount(ctx, pk)
		if err != nil {
			return fmt.Errorf("register key: %w", err)
		}
		if created {
			log.Info().Str("account", acct.ID).Msg("Registered account from configuration")
		}
	}
	return nil
}
