package embeddings

import (
	"context"
	"sync"
	"time"

	"edgetutor/internal/circuitbreaker"
	"edgetutor/internal/config"
	"edgetutor/internal/errors"
	"edgetutor/internal/logging"
)

// StrategyManager selects the embedding variant per call. The configured
// default is consulted first; when it reports unhealthy and fallback is
// enabled, the local variant serves the call instead. Sovereign mode forbids
// the remote variant entirely. Strategies never mix dimensions within one
// collection: switching requires re-embedding into a new collection, which
// the package installer performs.
type StrategyManager struct {
	remote Service
	local  Service

	defaultStrategy StrategyName
	fallbackEnabled bool
	sovereignMode   bool

	breaker *circuitbreaker.CircuitBreaker
	logger  logging.Logger

	mu     sync.RWMutex
	active StrategyName
}

// NewStrategyManager wires the variants according to configuration. In
// sovereign mode the remote service is never constructed.
func NewStrategyManager(cfg *config.EmbeddingConfig, logger logging.Logger) *StrategyManager {
	var remote Service
	if !cfg.SovereignMode {
		remote = NewRemoteService(cfg)
	}
	return newStrategyManager(
		remote,
		NewLocalService(cfg.LocalDimensions),
		StrategyName(cfg.Strategy),
		cfg.FallbackEnabled,
		cfg.SovereignMode,
		time.Duration(cfg.RequestTimeoutS)*time.Second,
		logger,
	)
}

// newStrategyManager is the injectable core, shared with tests.
func newStrategyManager(remote, local Service, defaultStrategy StrategyName, fallbackEnabled, sovereignMode bool, breakerTimeout time.Duration, logger logging.Logger) *StrategyManager {
	if logger == nil {
		logger = logging.NewNoOp()
	}
	logger = logger.WithComponent("embeddings")

	m := &StrategyManager{
		remote:          remote,
		local:           local,
		defaultStrategy: defaultStrategy,
		fallbackEnabled: fallbackEnabled,
		sovereignMode:   sovereignMode,
		logger:          logger,
	}
	if remote != nil {
		m.breaker = circuitbreaker.New(&circuitbreaker.Config{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          breakerTimeout,
			OnStateChange: func(from, to circuitbreaker.State) {
				logger.Warn("remote embedding breaker state change",
					"from", from.String(), "to", to.String())
			},
		})
	}
	if sovereignMode {
		m.active = StrategyLocal
	} else {
		m.active = defaultStrategy
	}
	return m
}

// Active returns the strategy that served the most recent call.
func (m *StrategyManager) Active() StrategyName {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Generate embeds a single text through the selected strategy.
func (m *StrategyManager) Generate(ctx context.Context, text string) ([]float64, error) {
	svc, name, err := m.pick(ctx)
	if err != nil {
		return nil, err
	}
	if name == StrategyLocal {
		return svc.Generate(ctx, text)
	}

	var vec []float64
	err = m.breaker.Execute(ctx, func(ctx context.Context) error {
		var callErr error
		vec, callErr = svc.Generate(ctx, text)
		return callErr
	})
	if err != nil && m.canFallback() {
		m.noteFallback(ctx, err)
		m.setActive(StrategyLocal)
		return m.local.Generate(ctx, text)
	}
	return vec, err
}

// GenerateBatch embeds multiple texts through the selected strategy.
func (m *StrategyManager) GenerateBatch(ctx context.Context, texts []string) ([][]float64, error) {
	svc, name, err := m.pick(ctx)
	if err != nil {
		return nil, err
	}
	if name == StrategyLocal {
		return svc.GenerateBatch(ctx, texts)
	}

	var vecs [][]float64
	err = m.breaker.Execute(ctx, func(ctx context.Context) error {
		var callErr error
		vecs, callErr = svc.GenerateBatch(ctx, texts)
		return callErr
	})
	if err != nil && m.canFallback() {
		m.noteFallback(ctx, err)
		m.setActive(StrategyLocal)
		return m.local.GenerateBatch(ctx, texts)
	}
	return vecs, err
}

// Dimensions reports the dimension of the strategy that would serve the
// next call.
func (m *StrategyManager) Dimensions() int {
	if m.Active() == StrategyLocal || m.remote == nil {
		return m.local.Dimensions()
	}
	return m.remote.Dimensions()
}

// HealthCheck probes the active strategy.
func (m *StrategyManager) HealthCheck(ctx context.Context) error {
	if m.Active() == StrategyLocal || m.remote == nil {
		return m.local.HealthCheck(ctx)
	}
	return m.remote.HealthCheck(ctx)
}

// pick applies the per-call selection policy.
func (m *StrategyManager) pick(ctx context.Context) (Service, StrategyName, error) {
	if m.sovereignMode || m.defaultStrategy == StrategyLocal || m.remote == nil {
		m.setActive(StrategyLocal)
		return m.local, StrategyLocal, nil
	}

	// The breaker standing open is the health signal; an HTTP probe per
	// call would double the request volume against a degraded endpoint.
	if m.breaker.State() == circuitbreaker.StateOpen {
		if m.canFallback() {
			m.setActive(StrategyLocal)
			return m.local, StrategyLocal, nil
		}
		return nil, "", errors.New(errors.KindUnavailable,
			"remote embedding service unavailable and fallback disabled")
	}

	m.setActive(StrategyRemote)
	return m.remote, StrategyRemote, nil
}

func (m *StrategyManager) canFallback() bool {
	return m.fallbackEnabled && !m.sovereignMode
}

func (m *StrategyManager) setActive(name StrategyName) {
	m.mu.Lock()
	m.active = name
	m.mu.Unlock()
}

func (m *StrategyManager) noteFallback(ctx context.Context, cause error) {
	m.logger.WarnContext(ctx, "falling back to local embeddings", "cause", cause.Error())
}
