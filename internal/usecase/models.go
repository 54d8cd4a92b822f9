package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"bedrock-chat/internal/domain"
	"bedrock-chat/internal/repository"
)

const (
	modelCacheTTL = 5 * time.Minute
	matrixKey     = "models"
)

// ConfigLoader reads the persisted capability matrix.
type ConfigLoader interface {
	Load(ctx context.Context) (repository.ModelConfig, error)
}

// ModelCatalog serves the capability matrix to the chat path from a
// five-minute cache. Concurrent misses may each reload; the result is the
// same matrix.
type ModelCatalog struct {
	loader ConfigLoader
	cache  *expirable.LRU[string, domain.CapabilityMatrix]
}

func NewModelCatalog(loader ConfigLoader) (*ModelCatalog, error) {
	if loader == nil {
		return nil, errors.New("usecase: config loader must not be nil")
	}
	return &ModelCatalog{
		loader: loader,
		cache:  expirable.NewLRU[string, domain.CapabilityMatrix](1, nil, modelCacheTTL),
	}, nil
}

// Matrix returns the full capability matrix.
func (c *ModelCatalog) Matrix(ctx context.Context) (domain.CapabilityMatrix, error) {
	if m, ok := c.cache.Get(matrixKey); ok {
		return m, nil
	}
	cfg, err := c.loader.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("usecase: load model matrix: %w", err)
	}
	c.cache.Add(matrixKey, cfg.Current)
	return cfg.Current, nil
}

// Resolve returns the entry for modelID. Models the last scan could not use
// are reported as access denied.
func (c *ModelCatalog) Resolve(ctx context.Context, modelID string) (domain.CapabilityEntry, error) {
	m, err := c.Matrix(ctx)
	if err != nil {
		return domain.CapabilityEntry{}, newError(ErrorInternal, "model_matrix_unavailable", err)
	}
	e, ok := m[modelID]
	if !ok || !e.AccessGranted {
		return domain.CapabilityEntry{}, newError(ErrorAccessDenied, "model_not_available", nil)
	}
	return e, nil
}

// Invalidate drops the cached matrix.
func (c *ModelCatalog) Invalidate() {
	c.cache.Purge()
}
