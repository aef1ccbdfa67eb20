package providers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// FailoverConfig tunes the failover chain.
type FailoverConfig struct {
	// CircuitThreshold is the consecutive-failure count that opens a
	// provider's circuit.
	CircuitThreshold int

	// CircuitCooldown is how long an open circuit skips the provider.
	CircuitCooldown time.Duration

	// RequestsPerMinute caps calls per provider. Zero disables the cap.
	RequestsPerMinute int
}

func DefaultFailoverConfig() FailoverConfig {
	return FailoverConfig{
		CircuitThreshold: 3,
		CircuitCooldown:  30 * time.Second,
	}
}

type providerState struct {
	provider ChatProvider
	limiter  *rate.Limiter

	mu       sync.Mutex
	failures int
	openedAt time.Time
}

func (s *providerState) available(cooldown time.Duration, threshold int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures < threshold {
		return true
	}
	return time.Since(s.openedAt) > cooldown
}

func (s *providerState) recordFailure(threshold int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	if s.failures == threshold {
		s.openedAt = time.Now()
	}
}

func (s *providerState) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = 0
}

// Failover chains providers in order: each request goes to the first
// available provider; retryable failures rotate to the next. It is
// itself a ChatProvider, so callers never see the chain.
type Failover struct {
	config FailoverConfig
	chain  []*providerState
	logger *slog.Logger
}

func NewFailover(config FailoverConfig, logger *slog.Logger, providers ...ChatProvider) *Failover {
	if logger == nil {
		logger = slog.Default()
	}
	if config.CircuitThreshold <= 0 {
		config.CircuitThreshold = 3
	}
	if config.CircuitCooldown <= 0 {
		config.CircuitCooldown = 30 * time.Second
	}

	chain := make([]*providerState, len(providers))
	for i, p := range providers {
		state := &providerState{provider: p}
		if config.RequestsPerMinute > 0 {
			state.limiter = rate.NewLimiter(rate.Limit(float64(config.RequestsPerMinute)/60.0), config.RequestsPerMinute)
		}
		chain[i] = state
	}
	return &Failover{
		config: config,
		chain:  chain,
		logger: logger.With("component", "providers"),
	}
}

func (f *Failover) Name() string { return "failover" }

// Chat tries each available provider in order. Permanent errors stop
// the chain immediately; retryable errors (and open circuits) move on.
func (f *Failover) Chat(ctx context.Context, system string, messages []Message, tools []ToolDef, opts Options) (*Response, error) {
	var lastErr error
	for _, state := range f.chain {
		if !state.available(f.config.CircuitCooldown, f.config.CircuitThreshold) {
			continue
		}
		if state.limiter != nil {
			if err := state.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		resp, err := state.provider.Chat(ctx, system, messages, tools, opts)
		if err == nil {
			state.recordSuccess()
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		if !IsRetryable(err) {
			return nil, err
		}
		state.recordFailure(f.config.CircuitThreshold)
		f.logger.Warn("provider failed, rotating",
			"provider", state.provider.Name(), "error", err)
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoProvider, lastErr)
	}
	return nil, ErrNoProvider
}
