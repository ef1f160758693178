package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/planwise/planwise-backend/internal/mrp/repository"
	apperrors "github.com/planwise/planwise-backend/pkg/errors"
	"github.com/planwise/planwise-backend/pkg/logger"
)

// MaterialLine is one flattened component requirement produced by
// exploding a bill of materials.
type MaterialLine struct {
	ProductID       string          `json:"product_id"`
	Quantity        decimal.Decimal `json:"quantity"`
	Unit            string          `json:"unit"`
	Level           int             `json:"level"`
	IsPhantom       bool            `json:"is_phantom"`
	IsOptional      bool            `json:"is_optional"`
	ScrapPercentage decimal.Decimal `json:"scrap_percentage"`
}

// BOMSource resolves a product's default active bill of materials.
// During a run it is backed by the preloaded BOM map so phantom chasing
// does not hit the database per component.
type BOMSource interface {
	DefaultBOM(ctx context.Context, productID string) (*repository.BOM, error)
}

// ExplosionCache stores flattened explosion results keyed by product and
// quantity.
type ExplosionCache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	DeletePattern(ctx context.Context, pattern string) error
}

// ExplosionService flattens multi-level bills of material into component
// requirements, chasing phantom assemblies into their own structures.
type ExplosionService struct {
	cache    ExplosionCache
	log      *logger.Logger
	maxDepth int
	cacheTTL time.Duration
}

// NewExplosionService creates a new explosion service
func NewExplosionService(cache ExplosionCache, log *logger.Logger, maxDepth int, cacheTTL time.Duration) *ExplosionService {
	if maxDepth <= 0 {
		maxDepth = 10
	}
	return &ExplosionService{
		cache:    cache,
		log:      log.WithComponent("bom-explosion"),
		maxDepth: maxDepth,
		cacheTTL: cacheTTL,
	}
}

// Explode flattens a BOM for the requested quantity. Optional items are
// skipped unless includeOptional is set. Returns a circular-reference
// error when a BOM reappears on the current recursion path and a
// max-depth error when the tree is deeper than the configured guard.
func (s *ExplosionService) Explode(ctx context.Context, boms BOMSource, bom *repository.BOM, quantity decimal.Decimal, includeOptional bool) ([]MaterialLine, error) {
	visited := map[string]bool{bom.ID: true}
	return s.explode(ctx, boms, bom, quantity, includeOptional, 0, visited)
}

// ExplodeProduct flattens a product's default BOM for the requested
// quantity, serving repeated (product, quantity) pairs from the cache.
func (s *ExplosionService) ExplodeProduct(ctx context.Context, tenantID string, boms BOMSource, productID string, quantity decimal.Decimal, includeOptional bool) ([]MaterialLine, error) {
	key := explosionCacheKey(tenantID, productID, quantity, includeOptional)
	if cached, err := s.cache.Get(ctx, key); err == nil && cached != "" {
		var lines []MaterialLine
		if err := json.Unmarshal([]byte(cached), &lines); err == nil {
			return lines, nil
		}
	}

	bom, err := boms.DefaultBOM(ctx, productID)
	if err != nil {
		return nil, err
	}
	lines, err := s.Explode(ctx, boms, bom, quantity, includeOptional)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(lines); err == nil {
		if err := s.cache.Set(ctx, key, string(data), s.cacheTTL); err != nil {
			s.log.Warn().Err(err).Str("product_id", productID).Msg("failed to cache explosion result")
		}
	}
	return lines, nil
}

// Invalidate drops all cached explosion results for a tenant. Called on
// any BOM structure change.
func (s *ExplosionService) Invalidate(ctx context.Context, tenantID string) error {
	return s.cache.DeletePattern(ctx, fmt.Sprintf("mrp:explosion:%s:*", tenantID))
}

func (s *ExplosionService) explode(ctx context.Context, boms BOMSource, bom *repository.BOM, quantity decimal.Decimal, includeOptional bool, level int, visited map[string]bool) ([]MaterialLine, error) {
	if level >= s.maxDepth {
		return nil, apperrors.MaxDepthExceeded(bom.ID, s.maxDepth)
	}
	if bom.Quantity.IsZero() {
		return nil, apperrors.BadRequest("bom batch quantity must be positive")
	}

	batches := quantity.Div(bom.Quantity)
	lines := make([]MaterialLine, 0, len(bom.Items))

	for _, item := range bom.Items {
		if item.IsOptional && !includeOptional {
			continue
		}

		required := item.Quantity.Mul(batches)
		if item.ScrapPercentage.IsPositive() {
			factor := decimal.NewFromInt(1).Add(item.ScrapPercentage.Div(decimal.NewFromInt(100)))
			required = required.Mul(factor)
		}

		if item.IsPhantom {
			sub, err := boms.DefaultBOM(ctx, item.ComponentID)
			if err != nil {
				// A phantom with no structure of its own is planned as
				// a direct requirement.
				if apperrors.Is(err, apperrors.ErrNoActiveBOM) {
					lines = append(lines, MaterialLine{
						ProductID:       item.ComponentID,
						Quantity:        required,
						Unit:            item.Unit,
						Level:           level + 1,
						IsPhantom:       true,
						IsOptional:      item.IsOptional,
						ScrapPercentage: item.ScrapPercentage,
					})
					continue
				}
				return nil, err
			}
			if visited[sub.ID] {
				return nil, apperrors.CircularReference(sub.ID)
			}
			visited[sub.ID] = true
			subLines, err := s.explode(ctx, boms, sub, required, includeOptional, level+1, visited)
			delete(visited, sub.ID)
			if err != nil {
				return nil, err
			}
			lines = append(lines, subLines...)
			continue
		}

		lines = append(lines, MaterialLine{
			ProductID:       item.ComponentID,
			Quantity:        required,
			Unit:            item.Unit,
			Level:           level + 1,
			IsOptional:      item.IsOptional,
			ScrapPercentage: item.ScrapPercentage,
		})
	}
	return lines, nil
}

func explosionCacheKey(tenantID, productID string, quantity decimal.Decimal, includeOptional bool) string {
	return fmt.Sprintf("mrp:explosion:%s:%s:%s:%t", tenantID, productID, quantity.String(), includeOptional)
}
