package embeddings

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ensembleai/ensemble/pkg/models"
)

// ErrUnavailable is returned when no embedding provider can serve the
// request. Callers leave the vector nil and exclude the row from
// semantic search; it remains readable by id and session.
var ErrUnavailable = errors.New("embeddings: no provider available")

// Lazy wraps an Embedder factory and defers provider construction to the
// first Embed call. With a fallback configured, provider failure degrades
// to the fallback instead of failing the caller.
type Lazy struct {
	mu       sync.Mutex
	factory  func() (Embedder, error)
	fallback Embedder
	provider Embedder
	broken   bool
	logger   *slog.Logger

	providerID string
	dimension  int
}

// NewLazy builds a lazily-initialized embedder. providerID and dimension
// must describe what factory will produce, so stored vectors can be
// filtered before the provider is ever loaded.
func NewLazy(providerID string, dimension int, factory func() (Embedder, error), fallback Embedder, logger *slog.Logger) *Lazy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lazy{
		factory:    factory,
		fallback:   fallback,
		logger:     logger,
		providerID: providerID,
		dimension:  dimension,
	}
}

// ProviderID implements Embedder.
func (l *Lazy) ProviderID() string { return l.providerID }

// Dimension implements Embedder.
func (l *Lazy) Dimension() int { return l.dimension }

// Embed implements Embedder with lazy init and fallback degradation.
func (l *Lazy) Embed(ctx context.Context, texts []string) ([]*models.Vector, error) {
	provider, err := l.acquire()
	if err == nil {
		vectors, embedErr := provider.Embed(ctx, texts)
		if embedErr == nil {
			return vectors, nil
		}
		err = embedErr
	}

	if l.fallback != nil {
		l.logger.Warn("embedding provider failed, using fallback",
			"provider", l.providerID, "fallback", l.fallback.ProviderID(), "error", err)
		return l.fallback.Embed(ctx, texts)
	}
	l.logger.Warn("embedding provider unavailable", "provider", l.providerID, "error", err)
	return nil, ErrUnavailable
}

func (l *Lazy) acquire() (Embedder, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.provider != nil {
		return l.provider, nil
	}
	if l.broken {
		return nil, ErrUnavailable
	}
	provider, err := l.factory()
	if err != nil {
		l.broken = true
		return nil, err
	}
	l.provider = provider
	return provider, nil
}
