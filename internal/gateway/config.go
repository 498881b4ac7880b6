// Package gateway wires the rule engine, executor, side-effect engines,
// approval manager, audit pipeline, chain runtime, and stream broadcaster
// into the single Dispatch entrypoint and its background maintenance
// workers.
package gateway

import (
	"time"

	"github.com/r3e-network/acteon/internal/audit"
	"github.com/r3e-network/acteon/internal/chain"
	"github.com/r3e-network/acteon/internal/executor"
	"github.com/r3e-network/acteon/internal/sideeffect"
)

// ExecutorConfig configures the provider executor.
type ExecutorConfig struct {
	MaxRetries       int
	ExecutionTimeout time.Duration
	MaxConcurrent    int64
	DLQEnabled       bool
}

// CircuitBreakerConfig configures the executor's per-provider breakers
// applied to every provider unless overridden.
type CircuitBreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	RecoveryTimeout  time.Duration
	ProviderOverrides map[string]executor.CircuitBreakerConfig
}

// AuditConfig configures the audit writer chain and retention.
type AuditConfig struct {
	Enabled                bool
	StorePayload           bool
	TTL                    time.Duration
	CleanupInterval        time.Duration
	ImmutableAudit         bool
	RedactFields           []string
	EncryptionKeyset       *audit.EncryptionKeyset
}

// ChainsConfig configures the chain runtime.
type ChainsConfig struct {
	Definitions           map[string]chain.Definition
	CompletedChainTTL     time.Duration
	MaxConcurrentAdvances int
}

// BackgroundConfig gates and paces the gateway's ticker-loop workers:
// one independently-intervaled loop per maintenance concern.
type BackgroundConfig struct {
	Namespace               string
	Tenant                  string
	GroupFlushInterval      time.Duration
	TimeoutCheckInterval    time.Duration
	CleanupInterval         time.Duration
	RecurringCheckInterval  time.Duration
	EnableGroupFlush        bool
	EnableTimeoutProcessing bool
	EnableApprovalRetry     bool
	EnableRecurring         bool
}

// RateLimitConfig configures fail-open/fail-closed behavior for the
// throttle side effect.
type RateLimitConfig struct {
	// OnError selects what Dispatch does when the throttle counter's
	// backing store errors: "allow" (fail open, default) or "deny".
	OnError string
}

// EmbeddingConfig configures the SemanticMatch collaborator's local
// caches. The caches themselves live beside the
// Bridge implementation a deployment wires in; the gateway only carries
// the capacity/TTL/fail-open knobs through to it.
type EmbeddingConfig struct {
	TopicCacheCapacity int
	TextCacheCapacity  int
	TTL                time.Duration
	FailOpen           bool
}

// GuardrailConfig configures the optional pre-dispatch LLM content-policy
// check. Disabled (nil Checker) by default:
// Acteon has no bundled guardrail model, only the collaborator contract.
type GuardrailConfig struct {
	Policy   string
	Policies []string
	FailOpen bool
}

// Config is the gateway's full wiring surface.
type Config struct {
	Namespace string
	Tenant    string

	Executor       ExecutorConfig
	CircuitBreaker CircuitBreakerConfig
	Audit          AuditConfig
	Chains         ChainsConfig
	Background     BackgroundConfig
	RateLimit      RateLimitConfig
	Embedding      EmbeddingConfig
	Guardrail      GuardrailConfig

	DefaultApprovalTimeout time.Duration
	ExternalURL            string

	LockTTL time.Duration

	StreamBufferSize int

	StateMachines []sideeffect.StateMachineDef
}

func (c Config) executorConfig() executor.Config {
	cfg := executor.DefaultConfig()
	if c.Executor.MaxRetries > 0 {
		cfg.MaxRetries = c.Executor.MaxRetries
	}
	if c.Executor.ExecutionTimeout > 0 {
		cfg.ExecutionTimeout = c.Executor.ExecutionTimeout
	}
	if c.Executor.MaxConcurrent > 0 {
		cfg.MaxConcurrent = c.Executor.MaxConcurrent
	}
	cfg.DLQEnabled = c.Executor.DLQEnabled

	if c.CircuitBreaker.FailureThreshold > 0 {
		cfg.CircuitBreaker.FailureThreshold = c.CircuitBreaker.FailureThreshold
	}
	if c.CircuitBreaker.SuccessThreshold > 0 {
		cfg.CircuitBreaker.SuccessThreshold = c.CircuitBreaker.SuccessThreshold
	}
	if c.CircuitBreaker.RecoveryTimeout > 0 {
		cfg.CircuitBreaker.RecoveryTimeout = c.CircuitBreaker.RecoveryTimeout
	}
	if len(c.CircuitBreaker.ProviderOverrides) > 0 {
		cfg.ProviderCBOverrides = c.CircuitBreaker.ProviderOverrides
	}
	return cfg
}

func (c Config) auditConfig() audit.Config {
	return audit.Config{
		ImmutableAudit: c.Audit.ImmutableAudit,
		RedactFields:   c.Audit.RedactFields,
		Keyset:         c.Audit.EncryptionKeyset,
	}
}
