package service

import (
	"context"
	"fmt"

	"github.com/planwise/planwise-backend/pkg/logger"
)

// DirtySetStore is the set surface the dirty tracker needs.
type DirtySetStore interface {
	SAdd(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)
	Del(ctx context.Context, keys ...string) error
}

// DirtySetService tracks products changed since the last run so
// net-change runs can plan only what moved. The set is drained only
// after the consuming run succeeds; a failed incremental run leaves it
// intact for the next attempt.
type DirtySetService struct {
	store DirtySetStore
	log   *logger.Logger
}

// NewDirtySetService creates a new dirty set service
func NewDirtySetService(store DirtySetStore, log *logger.Logger) *DirtySetService {
	return &DirtySetService{store: store, log: log.WithComponent("dirty-set")}
}

// Mark flags products as changed.
func (s *DirtySetService) Mark(ctx context.Context, tenantID string, productIDs ...string) error {
	if len(productIDs) == 0 {
		return nil
	}
	return s.store.SAdd(ctx, dirtySetKey(tenantID), productIDs...)
}

// Members returns the current dirty product set.
func (s *DirtySetService) Members(ctx context.Context, tenantID string) ([]string, error) {
	return s.store.SMembers(ctx, dirtySetKey(tenantID))
}

// Count returns the dirty set size without loading it.
func (s *DirtySetService) Count(ctx context.Context, tenantID string) (int64, error) {
	return s.store.SCard(ctx, dirtySetKey(tenantID))
}

// Drain clears the set. Callers invoke it only after the run that
// consumed the set completed.
func (s *DirtySetService) Drain(ctx context.Context, tenantID string) error {
	if err := s.store.Del(ctx, dirtySetKey(tenantID)); err != nil {
		return err
	}
	s.log.Debug().Str("tenant_id", tenantID).Msg("dirty product set drained")
	return nil
}

func dirtySetKey(tenantID string) string {
	return fmt.Sprintf("mrp:dirty:%s", tenantID)
}
