package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/planwise/planwise-backend/internal/mrp/repository"
	"github.com/planwise/planwise-backend/pkg/logger"
)

const lowLevelCodeMaxPassesDefault = 100

// LowLevelProductStore reads the active product set and writes back the
// computed codes.
type LowLevelProductStore interface {
	ListActive(ctx context.Context, filter repository.ProductFilter) ([]repository.Product, error)
	UpdateLowLevelCodes(ctx context.Context, codes map[string]int) error
}

// LowLevelBOMStore reads all active BOM structures.
type LowLevelBOMStore interface {
	ListActive(ctx context.Context) ([]repository.BOM, error)
}

// LowLevelCache persists the computed code map between runs.
type LowLevelCache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// LowLevelResult is the outcome of a code computation: the code per
// product plus a warning when relaxation hit the pass cap without
// converging, which points at a circular structure.
type LowLevelResult struct {
	Codes     map[string]int `json:"codes"`
	Converged bool           `json:"converged"`
	Passes    int            `json:"passes"`
}

// LowLevelCodeService assigns every product the deepest level at which
// it appears as a component across all active BOMs. Processing products
// in ascending code order guarantees all parent demand has been pushed
// down before a component's own planning turn.
type LowLevelCodeService struct {
	products  LowLevelProductStore
	boms      LowLevelBOMStore
	cache     LowLevelCache
	log       *logger.Logger
	maxPasses int
	cacheTTL  time.Duration
}

// NewLowLevelCodeService creates a new low-level code service
func NewLowLevelCodeService(products LowLevelProductStore, boms LowLevelBOMStore, cache LowLevelCache, log *logger.Logger, maxPasses int, cacheTTL time.Duration) *LowLevelCodeService {
	if maxPasses <= 0 {
		maxPasses = lowLevelCodeMaxPassesDefault
	}
	return &LowLevelCodeService{
		products:  products,
		boms:      boms,
		cache:     cache,
		log:       log.WithComponent("low-level-codes"),
		maxPasses: maxPasses,
		cacheTTL:  cacheTTL,
	}
}

// Compute returns the code map for the tenant, serving from the cache
// when a previous computation is still valid. Codes are persisted on the
// products so eligible-product listings can order by them directly.
func (s *LowLevelCodeService) Compute(ctx context.Context, tenantID string) (*LowLevelResult, error) {
	key := lowLevelCacheKey(tenantID)
	if cached, err := s.cache.Get(ctx, key); err == nil && cached != "" {
		var result LowLevelResult
		if err := json.Unmarshal([]byte(cached), &result); err == nil {
			return &result, nil
		}
	}

	products, err := s.products.ListActive(ctx, repository.ProductFilter{})
	if err != nil {
		return nil, err
	}
	boms, err := s.boms.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	result := relax(products, boms, s.maxPasses)
	if !result.Converged {
		s.log.Warn().
			Str("tenant_id", tenantID).
			Int("passes", result.Passes).
			Msg("low-level code relaxation hit pass cap, possible circular BOM reference")
	}

	if err := s.products.UpdateLowLevelCodes(ctx, result.Codes); err != nil {
		return nil, err
	}

	if data, err := json.Marshal(result); err == nil {
		if err := s.cache.Set(ctx, key, string(data), s.cacheTTL); err != nil {
			s.log.Warn().Err(err).Str("tenant_id", tenantID).Msg("failed to cache low-level codes")
		}
	}
	return result, nil
}

// Invalidate drops the cached code map and any cached explosion results.
// Called whenever a BOM or product structure changes. TTL expiry alone is
// not enough, stale codes can misorder processing and drop demand.
func (s *LowLevelCodeService) Invalidate(ctx context.Context, tenantID string) error {
	return s.cache.Del(ctx, lowLevelCacheKey(tenantID))
}

// relax runs the fixed-point pass: every active BOM edge requires
// component.level >= parent.level + 1. Cycles keep raising levels, so the
// pass cap bounds the loop and its hit is reported, not thrown.
func relax(products []repository.Product, boms []repository.BOM, maxPasses int) *LowLevelResult {
	codes := make(map[string]int, len(products))
	active := make(map[string]bool, len(products))
	for _, p := range products {
		codes[p.ID] = 0
		active[p.ID] = true
	}

	passes := 0
	converged := false
	for passes < maxPasses {
		passes++
		changed := false
		for _, bom := range boms {
			parentLevel, ok := codes[bom.ProductID]
			if !ok {
				continue
			}
			for _, item := range bom.Items {
				if !active[item.ComponentID] {
					continue
				}
				if codes[item.ComponentID] < parentLevel+1 {
					codes[item.ComponentID] = parentLevel + 1
					changed = true
				}
			}
		}
		if !changed {
			converged = true
			break
		}
	}

	return &LowLevelResult{Codes: codes, Converged: converged, Passes: passes}
}

func lowLevelCacheKey(tenantID string) string {
	return fmt.Sprintf("mrp:llc:%s", tenantID)
}
