package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/Phillboard/mobul-sub010/pkg/config"
	"github.com/Phillboard/mobul-sub010/pkg/sequence"
	"github.com/Phillboard/mobul-sub010/services/audit"
	"github.com/Phillboard/mobul-sub010/services/testutil"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (f *fakeRecorder) Record(_ context.Context, e audit.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *fakeRecorder) kinds() []audit.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]audit.Kind, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.Kind)
	}
	return out
}

func newTestService(t *testing.T, seq sequence.Generator) (*Service, *fakeRecorder) {
	t.Helper()
	db := testutil.NewTestDB(t, &Pool{}, &Unit{})
	rec := &fakeRecorder{}
	cfg := &config.Config{RewardCodeKey: "test-key"}
	svc := NewService(ServiceParams{
		DB:     db,
		Node:   testutil.NewNode(t),
		Config: cfg,
		Audit:  rec,
		Seq:    seq,
	})
	return svc, rec
}

func seedPool(t *testing.T, svc *Service, units int, threshold int64) *Pool {
	t.Helper()
	ctx := context.Background()
	pool, err := svc.CreatePool(ctx, CreatePoolRequest{
		TenantID:          "client-1",
		Name:              "Amazon $25",
		Brand:             "amazon",
		Denomination:      2500,
		CostPerUnit:       2400,
		LowStockThreshold: threshold,
	})
	require.NoError(t, err)

	if units > 0 {
		codes := make([]string, 0, units)
		for i := 0; i < units; i++ {
			codes = append(codes, fmt.Sprintf("AMZN-%04d", i))
		}
		out, err := svc.ImportUnits(ctx, pool.PoolID, codes)
		require.NoError(t, err)
		require.Equal(t, int64(units), out.Added)
	}
	return pool
}

func TestClaimLastUnitConcurrently(t *testing.T) {
	svc, _ := newTestService(t, nil)
	pool := seedPool(t, svc, 1, 0)

	var (
		mu        sync.Mutex
		successes int
		exhausted int
	)
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 2; i++ {
		recipient := fmt.Sprintf("recipient-%d", i)
		g.Go(func() error {
			_, err := svc.Claim(ctx, ClaimRequest{PoolID: pool.PoolID, RecipientID: recipient, ConditionID: "cond-1"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrInsufficientInventory):
				exhausted++
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, 1, successes)
	require.Equal(t, 1, exhausted)

	got, err := svc.GetPool(context.Background(), pool.PoolID)
	require.NoError(t, err)
	require.Equal(t, int64(0), got.AvailableCount)
}

func TestClaimNeverHandsOutTheSameUnitTwice(t *testing.T) {
	svc, _ := newTestService(t, nil)
	pool := seedPool(t, svc, 5, 0)

	var (
		mu    sync.Mutex
		units = map[string]string{}
	)
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 12; i++ {
		recipient := fmt.Sprintf("recipient-%d", i)
		g.Go(func() error {
			unit, err := svc.Claim(ctx, ClaimRequest{PoolID: pool.PoolID, RecipientID: recipient, ConditionID: "cond-1"})
			if errors.Is(err, ErrInsufficientInventory) {
				return nil
			}
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			if prev, ok := units[unit.UnitID]; ok {
				return fmt.Errorf("unit %s handed to %s and %s", unit.UnitID, prev, recipient)
			}
			units[unit.UnitID] = recipient
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Len(t, units, 5)

	got, err := svc.GetPool(context.Background(), pool.PoolID)
	require.NoError(t, err)
	require.Equal(t, int64(0), got.AvailableCount)
	require.Equal(t, int64(5), got.TotalCount)
}

func TestClaimIsIdempotentPerBinding(t *testing.T) {
	svc, _ := newTestService(t, nil)
	pool := seedPool(t, svc, 3, 0)
	ctx := context.Background()

	req := ClaimRequest{PoolID: pool.PoolID, RecipientID: "r-1", ConditionID: "cond-1"}
	first, err := svc.Claim(ctx, req)
	require.NoError(t, err)
	again, err := svc.Claim(ctx, req)
	require.NoError(t, err)
	require.Equal(t, first.UnitID, again.UnitID)
	require.Equal(t, UnitClaimed, again.State)

	got, err := svc.GetPool(ctx, pool.PoolID)
	require.NoError(t, err)
	require.Equal(t, int64(2), got.AvailableCount)
}

func TestClaimUnknownPool(t *testing.T) {
	svc, _ := newTestService(t, nil)
	_, err := svc.Claim(context.Background(), ClaimRequest{PoolID: "missing", RecipientID: "r-1", ConditionID: "c-1"})
	require.ErrorIs(t, err, ErrPoolNotFound)
}

func TestClaimRecordsLowStock(t *testing.T) {
	svc, rec := newTestService(t, nil)
	pool := seedPool(t, svc, 3, 2)
	ctx := context.Background()

	_, err := svc.Claim(ctx, ClaimRequest{PoolID: pool.PoolID, RecipientID: "r-1", ConditionID: "c-1"})
	require.NoError(t, err)
	require.Equal(t, []audit.Kind{audit.KindLowStock}, rec.kinds())
}

func TestMarkDelivered(t *testing.T) {
	svc, _ := newTestService(t, nil)
	pool := seedPool(t, svc, 2, 0)
	ctx := context.Background()

	unit, err := svc.Claim(ctx, ClaimRequest{PoolID: pool.PoolID, RecipientID: "r-1", ConditionID: "c-1"})
	require.NoError(t, err)

	require.NoError(t, svc.MarkDelivered(ctx, unit.UnitID))
	require.NoError(t, svc.MarkDelivered(ctx, unit.UnitID))

	got, err := svc.GetUnit(ctx, unit.UnitID)
	require.NoError(t, err)
	require.Equal(t, UnitDelivered, got.State)
	require.NotNil(t, got.DeliveredAt)

	available, err := svc.ListUnits(ctx, pool.PoolID, UnitAvailable, 0)
	require.NoError(t, err)
	require.Len(t, available, 1)
	require.ErrorIs(t, svc.MarkDelivered(ctx, available[0].UnitID), ErrInvalidUnitState)
}

func TestImportSkipsDuplicatesAndEncrypts(t *testing.T) {
	svc, _ := newTestService(t, nil)
	pool := seedPool(t, svc, 0, 0)
	ctx := context.Background()

	out, err := svc.ImportUnits(ctx, pool.PoolID, []string{"CODE-AAAA-1111", "CODE-AAAA-1111", "CODE-BBBB-2222"})
	require.NoError(t, err)
	require.Equal(t, int64(2), out.Added)
	require.Equal(t, int64(1), out.Duplicates)

	out, err = svc.ImportUnits(ctx, pool.PoolID, []string{"CODE-BBBB-2222"})
	require.NoError(t, err)
	require.Equal(t, int64(0), out.Added)

	views, err := svc.ListUnits(ctx, pool.PoolID, "", 0)
	require.NoError(t, err)
	require.Len(t, views, 2)
	for _, v := range views {
		require.NotContains(t, v.CodeEnc, "CODE")
		require.Contains(t, v.MaskedCode, "****")
	}

	unit, err := svc.Claim(ctx, ClaimRequest{PoolID: pool.PoolID, RecipientID: "r-1", ConditionID: "c-1"})
	require.NoError(t, err)
	code, err := svc.RevealCode(ctx, unit.UnitID)
	require.NoError(t, err)
	require.Equal(t, "CODE-AAAA-1111", code)
}

func TestGenerateUnitsFromSequence(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	svc, _ := newTestService(t, sequence.NewRedisGenerator(sequence.Params{Redis: rdb}))
	pool := seedPool(t, svc, 0, 0)
	ctx := context.Background()

	out, err := svc.AddUnits(ctx, pool.PoolID, AddUnitsRequest{Generate: 4})
	require.NoError(t, err)
	require.Equal(t, int64(4), out.Added)

	unit, err := svc.Claim(ctx, ClaimRequest{PoolID: pool.PoolID, RecipientID: "r-1", ConditionID: "c-1"})
	require.NoError(t, err)
	code, err := svc.RevealCode(ctx, unit.UnitID)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(code, "GC-"))
}
