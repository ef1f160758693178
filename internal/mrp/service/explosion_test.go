package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/planwise/planwise-backend/internal/mrp/repository"
	"github.com/planwise/planwise-backend/internal/mrp/service"
	apperrors "github.com/planwise/planwise-backend/pkg/errors"
	"github.com/planwise/planwise-backend/pkg/logger"
)

// fakeBOMSource resolves default BOMs from a map, keyed by product id.
type fakeBOMSource map[string]*repository.BOM

func (f fakeBOMSource) DefaultBOM(_ context.Context, productID string) (*repository.BOM, error) {
	if bom, ok := f[productID]; ok {
		return bom, nil
	}
	return nil, apperrors.NoActiveBOM(productID)
}

// fakeCache is an in-memory ExplosionCache.
type fakeCache map[string]string

func (f fakeCache) Get(_ context.Context, key string) (string, error) { return f[key], nil }
func (f fakeCache) Set(_ context.Context, key, value string, _ time.Duration) error {
	f[key] = value
	return nil
}
func (f fakeCache) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(f, k)
	}
	return nil
}
func (f fakeCache) DeletePattern(_ context.Context, _ string) error {
	for k := range f {
		delete(f, k)
	}
	return nil
}

func newExplosionService() *service.ExplosionService {
	log := logger.New("test", "development")
	return service.NewExplosionService(fakeCache{}, log, 10, time.Hour)
}

func bom(id, productID string, batchQty int64, items ...repository.BOMItem) *repository.BOM {
	return &repository.BOM{
		ID:        id,
		ProductID: productID,
		Status:    repository.BOMStatusActive,
		Quantity:  dec(batchQty),
		IsDefault: true,
		Items:     items,
	}
}

func item(componentID string, qty int64) repository.BOMItem {
	return repository.BOMItem{
		ComponentID: componentID,
		Quantity:    dec(qty),
		Unit:        "pcs",
	}
}

func TestExplosionService_Flatten(t *testing.T) {
	svc := newExplosionService()
	boms := fakeBOMSource{
		"fg": bom("bom-fg", "fg", 1, item("c1", 2), item("c2", 3)),
	}

	lines, err := svc.Explode(context.Background(), boms, boms["fg"], dec(10), false)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, "c1", lines[0].ProductID)
	assert.True(t, lines[0].Quantity.Equal(dec(20)))
	assert.True(t, lines[1].Quantity.Equal(dec(30)))
	assert.Equal(t, 1, lines[0].Level)
}

func TestExplosionService_BatchQuantityScaling(t *testing.T) {
	// The BOM builds batches of 5; requesting 12 needs 2.4 batches.
	svc := newExplosionService()
	boms := fakeBOMSource{
		"fg": bom("bom-fg", "fg", 5, item("c1", 10)),
	}

	lines, err := svc.Explode(context.Background(), boms, boms["fg"], dec(12), false)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.True(t, lines[0].Quantity.Equal(dec(24)))
}

func TestExplosionService_ScrapPercentage(t *testing.T) {
	svc := newExplosionService()
	scrapItem := item("c1", 10)
	scrapItem.ScrapPercentage = dec(10)
	boms := fakeBOMSource{
		"fg": bom("bom-fg", "fg", 1, scrapItem),
	}

	lines, err := svc.Explode(context.Background(), boms, boms["fg"], dec(1), false)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.True(t, lines[0].Quantity.Equal(dec(11)), "10 plus 10%% scrap")
}

func TestExplosionService_OptionalItems(t *testing.T) {
	svc := newExplosionService()
	optional := item("c2", 1)
	optional.IsOptional = true
	boms := fakeBOMSource{
		"fg": bom("bom-fg", "fg", 1, item("c1", 1), optional),
	}

	t.Run("excluded by default", func(t *testing.T) {
		lines, err := svc.Explode(context.Background(), boms, boms["fg"], dec(1), false)
		require.NoError(t, err)
		assert.Len(t, lines, 1)
	})

	t.Run("included on request", func(t *testing.T) {
		lines, err := svc.Explode(context.Background(), boms, boms["fg"], dec(1), true)
		require.NoError(t, err)
		assert.Len(t, lines, 2)
	})
}

func TestExplosionService_PhantomChase(t *testing.T) {
	svc := newExplosionService()
	phantom := item("sub", 2)
	phantom.IsPhantom = true
	boms := fakeBOMSource{
		"fg":  bom("bom-fg", "fg", 1, phantom),
		"sub": bom("bom-sub", "sub", 1, item("raw", 3)),
	}

	lines, err := svc.Explode(context.Background(), boms, boms["fg"], dec(5), false)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "raw", lines[0].ProductID, "phantom replaced by its own components")
	assert.True(t, lines[0].Quantity.Equal(dec(30)), "5 x 2 x 3")
	assert.Equal(t, 2, lines[0].Level)
}

func TestExplosionService_PhantomWithoutBOMFallsBack(t *testing.T) {
	svc := newExplosionService()
	phantom := item("ghost", 4)
	phantom.IsPhantom = true
	boms := fakeBOMSource{
		"fg": bom("bom-fg", "fg", 1, phantom),
	}

	lines, err := svc.Explode(context.Background(), boms, boms["fg"], dec(1), false)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "ghost", lines[0].ProductID)
	assert.True(t, lines[0].IsPhantom)
}

func TestExplosionService_CycleDetection(t *testing.T) {
	// A's phantom chases into B, whose phantom chases back into A.
	svc := newExplosionService()
	toB := item("b", 1)
	toB.IsPhantom = true
	toA := item("a", 1)
	toA.IsPhantom = true
	boms := fakeBOMSource{
		"a": bom("bom-a", "a", 1, toB),
		"b": bom("bom-b", "b", 1, toA),
	}

	_, err := svc.Explode(context.Background(), boms, boms["a"], dec(1), false)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCircularReference))

	// Entry point must not matter.
	_, err = svc.Explode(context.Background(), boms, boms["b"], dec(1), false)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCircularReference))
}

func TestExplosionService_MaxDepthGuard(t *testing.T) {
	log := logger.New("test", "development")
	svc := service.NewExplosionService(fakeCache{}, log, 3, time.Hour)

	// A four-level phantom chain exceeds a depth guard of 3.
	boms := fakeBOMSource{}
	for _, pair := range [][2]string{{"l0", "l1"}, {"l1", "l2"}, {"l2", "l3"}, {"l3", "l4"}} {
		phantom := item(pair[1], 1)
		phantom.IsPhantom = true
		boms[pair[0]] = bom("bom-"+pair[0], pair[0], 1, phantom)
	}
	boms["l4"] = bom("bom-l4", "l4", 1, item("raw", 1))

	_, err := svc.Explode(context.Background(), boms, boms["l0"], dec(1), false)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrMaxDepthExceeded))
}

func TestExplosionService_QuantityLinearity(t *testing.T) {
	svc := newExplosionService()
	scrapItem := item("c2", 7)
	scrapItem.ScrapPercentage = dec(5)
	boms := fakeBOMSource{
		"fg": bom("bom-fg", "fg", 2, item("c1", 3), scrapItem),
	}

	once, err := svc.Explode(context.Background(), boms, boms["fg"], dec(8), false)
	require.NoError(t, err)
	twice, err := svc.Explode(context.Background(), boms, boms["fg"], dec(16), false)
	require.NoError(t, err)

	require.Len(t, twice, len(once))
	for i := range once {
		assert.True(t, twice[i].Quantity.Equal(once[i].Quantity.Mul(decimal.NewFromInt(2))),
			"doubling the request doubles every component line")
	}
}

func TestExplosionService_ExplodeProductCaches(t *testing.T) {
	log := logger.New("test", "development")
	cache := fakeCache{}
	svc := service.NewExplosionService(cache, log, 10, time.Hour)
	boms := fakeBOMSource{
		"fg": bom("bom-fg", "fg", 1, item("c1", 2)),
	}

	first, err := svc.ExplodeProduct(context.Background(), "t1", boms, "fg", dec(10), false)
	require.NoError(t, err)
	require.NotEmpty(t, cache)

	// Removing the BOM: the cached result still serves.
	delete(boms, "fg")
	second, err := svc.ExplodeProduct(context.Background(), "t1", boms, "fg", dec(10), false)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Invalidation drops it and the miss surfaces the missing BOM.
	require.NoError(t, svc.Invalidate(context.Background(), "t1"))
	_, err = svc.ExplodeProduct(context.Background(), "t1", boms, "fg", dec(10), false)
	assert.True(t, apperrors.Is(err, apperrors.ErrNoActiveBOM))
}
