// Command acteon wires an in-memory Gateway and runs its background
// workers until interrupted. There is no HTTP server: the external
// surface Acteon exposes (dispatch calls, approval webhooks, the event
// stream) is a library contract, not a bundled transport.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/r3e-network/acteon/internal/action"
	"github.com/r3e-network/acteon/internal/audit"
	"github.com/r3e-network/acteon/internal/gateway"
	"github.com/r3e-network/acteon/internal/lock"
	"github.com/r3e-network/acteon/internal/provider"
	"github.com/r3e-network/acteon/internal/rule"
	"github.com/r3e-network/acteon/internal/state"
	"github.com/r3e-network/acteon/pkg/logging"
)

func main() {
	log := logging.New("acteon", envOr("ACTEON_LOG_LEVEL", "info"), envOr("ACTEON_LOG_FORMAT", "text"))

	registry := provider.NewRegistry()
	registry.Register(provider.NewMock("slack"))
	registry.Register(provider.NewMock("webhook"))

	cfg := gateway.Config{
		Namespace:              "demo",
		Tenant:                 "default",
		ExternalURL:            envOr("ACTEON_EXTERNAL_URL", "http://localhost:8080"),
		DefaultApprovalTimeout: time.Hour,
		Background: gateway.BackgroundConfig{
			Namespace:               "demo",
			Tenant:                  "default",
			GroupFlushInterval:      5 * time.Second,
			TimeoutCheckInterval:    10 * time.Second,
			CleanupInterval:         time.Minute,
			EnableGroupFlush:        true,
			EnableTimeoutProcessing: true,
			EnableApprovalRetry:     true,
		},
	}
	cfg.Audit.Enabled = true
	cfg.Audit.StorePayload = true

	gw, err := gateway.New(cfg, gateway.Deps{
		Store:      state.NewMemoryStore(),
		Lock:       lock.NewMemoryLock(),
		AuditStore: audit.NewMemoryStore(),
		Providers:  registry,
		Logger:     log,
	}, demoRules())
	if err != nil {
		log.WithFields(map[string]interface{}{"error": err.Error()}).Fatal("failed to build gateway")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := gw.Start(ctx); err != nil {
		log.WithFields(map[string]interface{}{"error": err.Error()}).Fatal("failed to start gateway")
	}
	log.Info("acteon gateway started")

	a := action.New(action.Origin{
		Namespace: cfg.Namespace, Tenant: cfg.Tenant, Provider: "slack", ActionType: "notify",
	}, map[string]interface{}{"message": "hello from acteon"})
	if outcome, err := gw.Dispatch(ctx, cfg.Namespace, cfg.Tenant, a); err != nil {
		log.WithFields(map[string]interface{}{"error": err.Error()}).Warn("demo dispatch failed")
	} else {
		log.WithFields(map[string]interface{}{"outcome": string(outcome.Kind)}).Info("demo action dispatched")
	}

	<-ctx.Done()
	log.Info("shutting down")
	if err := gw.Stop(); err != nil {
		log.WithFields(map[string]interface{}{"error": err.Error()}).Warn("error stopping gateway")
	}
}

func demoRules() []rule.Rule {
	return []rule.Rule{
		{
			Name: "default-allow", Priority: 1000, Enabled: true,
			Condition: rule.Lit(true),
			Template:  func(a *action.Action) action.Verdict { return action.Allow() },
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
