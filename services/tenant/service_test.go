package tenant

import (
	"context"
	"testing"

	"github.com/Phillboard/mobul-sub010/services/testutil"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	db := testutil.NewTestDB(t, &Tenant{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	return NewService(ServiceParams{DB: db, Node: node, Redis: rdb}), mr
}

func TestChainWalksHierarchy(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	platform, err := svc.CreateTenant(ctx, CreateTenantRequest{Name: "Mobul Platform", Level: LevelPlatform})
	require.NoError(t, err)
	require.Equal(t, "mobul-platform", platform.Slug)

	agency, err := svc.CreateTenant(ctx, CreateTenantRequest{Name: "Acme Agency", Level: LevelAgency, ParentID: &platform.ID})
	require.NoError(t, err)

	client, err := svc.CreateTenant(ctx, CreateTenantRequest{Name: "Joe's Roofing", Level: LevelClient, ParentID: &agency.ID})
	require.NoError(t, err)

	chain, err := svc.Chain(ctx, client.ID)
	require.NoError(t, err)
	require.Equal(t, Chain{ClientID: client.ID, AgencyID: agency.ID, PlatformID: platform.ID}, chain)
	require.True(t, mr.Exists("tenant:chain:"+client.ID))

	// cached copy survives the source row going away
	require.NoError(t, svc.db.Delete(&Tenant{}, "id = ?", agency.ID).Error)
	cached, err := svc.Chain(ctx, client.ID)
	require.NoError(t, err)
	require.Equal(t, chain, cached)
}

func TestCreateTenantRejectsWrongParent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	platform, err := svc.CreateTenant(ctx, CreateTenantRequest{Name: "P", Level: LevelPlatform})
	require.NoError(t, err)

	_, err = svc.CreateTenant(ctx, CreateTenantRequest{Name: "C", Level: LevelClient, ParentID: &platform.ID})
	require.ErrorIs(t, err, ErrInvalidParent)

	_, err = svc.CreateTenant(ctx, CreateTenantRequest{Name: "P", Level: LevelPlatform})
	require.Error(t, err)
}

func TestChainUnknownClient(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Chain(context.Background(), "missing")
	require.ErrorIs(t, err, ErrTenantNotFound)
}
