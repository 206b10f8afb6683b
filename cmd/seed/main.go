package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/Phillboard/mobul-sub010/pkg/config"
	"github.com/Phillboard/mobul-sub010/pkg/db"
	"github.com/Phillboard/mobul-sub010/pkg/hashistack/secretmanager"
	"github.com/Phillboard/mobul-sub010/pkg/logger"
	"github.com/Phillboard/mobul-sub010/pkg/redis"
	"github.com/Phillboard/mobul-sub010/pkg/sequence"
	"github.com/Phillboard/mobul-sub010/services/audit"
	"github.com/Phillboard/mobul-sub010/services/bootstrap"
	"github.com/Phillboard/mobul-sub010/services/campaign"
	"github.com/Phillboard/mobul-sub010/services/condition"
	"github.com/Phillboard/mobul-sub010/services/contact"
	"github.com/Phillboard/mobul-sub010/services/inventory"
	"github.com/Phillboard/mobul-sub010/services/tenant"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

var (
	agencyName = flag.String("agency", "Demo Agency", "agency tenant name")
	clientName = flag.String("client", "Demo Client", "client tenant name")
	units      = flag.Int("units", 25, "gift card codes to generate for the demo pool")
)

// seeder creates a runnable demo: agency and client tenants, a draft
// campaign with a two step condition sequence, a contact and a stocked pool.
// The campaign is activated last because definitions freeze once live.
type seeder struct {
	fx.In
	Bootstrap  *bootstrap.Service
	Tenants    *tenant.Service
	Campaigns  *campaign.Service
	Contacts   *contact.Service
	Inventory  *inventory.Service
	Conditions *condition.Service
}

func (s seeder) run(ctx context.Context) error {
	platform, err := s.Bootstrap.EnsurePlatform(ctx)
	if err != nil {
		return err
	}
	var platformID *string
	if platform != nil {
		platformID = &platform.ID
	}

	agency, err := s.Tenants.CreateTenant(ctx, tenant.CreateTenantRequest{Name: *agencyName, Level: tenant.LevelAgency, ParentID: platformID})
	if err != nil {
		return err
	}
	client, err := s.Tenants.CreateTenant(ctx, tenant.CreateTenantRequest{Name: *clientName, Level: tenant.LevelClient, ParentID: &agency.ID})
	if err != nil {
		return err
	}

	pool, err := s.Inventory.CreatePool(ctx, inventory.CreatePoolRequest{
		TenantID:          client.ID,
		Name:              "Demo $10 gift cards",
		Brand:             "Demo",
		Denomination:      1000,
		Currency:          "USD",
		CostPerUnit:       950,
		LowStockThreshold: 5,
	})
	if err != nil {
		return err
	}
	added, err := s.Inventory.AddUnits(ctx, pool.PoolID, inventory.AddUnitsRequest{Generate: *units})
	if err != nil {
		return err
	}

	end := time.Now().AddDate(0, 3, 0)
	camp, err := s.Campaigns.CreateCampaign(ctx, campaign.CreateCampaignRequest{
		TenantID: client.ID,
		Name:     "Demo opt-in reward",
		EndAt:    &end,
	})
	if err != nil {
		return err
	}

	if _, err := s.Conditions.DefineConditions(ctx, camp.CampaignID, condition.DefineConditionsRequest{
		Conditions: []condition.DefinitionInput{
			{SequenceOrder: 1, ConditionType: condition.TypeFormSubmitted, TriggerAction: condition.ActionLogOnly},
			{
				SequenceOrder:   2,
				ConditionType:   condition.TypeOptInConfirmed,
				TriggerAction:   condition.ActionSendSMSReward,
				RewardPoolID:    &pool.PoolID,
				MessageTemplate: "Hi {{first_name}}, thanks for opting in! Your {{brand}} {{amount}} code: {{code}}",
			},
		},
	}); err != nil {
		return err
	}
	if _, err := s.Campaigns.Activate(ctx, camp.CampaignID); err != nil {
		return err
	}

	if _, err := s.Contacts.Upsert(ctx, "demo-recipient", contact.UpsertContactRequest{
		TenantID:  client.ID,
		FirstName: "Demo",
		LastName:  "Recipient",
		Phone:     "+15005550006",
	}); err != nil {
		return err
	}

	zap.L().Info("[seed] demo data created",
		zap.String("client_id", client.ID),
		zap.String("campaign_id", camp.CampaignID),
		zap.String("pool_id", pool.PoolID),
		zap.Int64("units", added.Added),
	)
	return nil
}

// seedDispatcher satisfies the condition module; seeding never completes a
// condition.
type seedDispatcher struct{}

func (seedDispatcher) Dispatch(context.Context, condition.Handoff) error { return nil }

func main() {
	flag.Parse()

	opts := []fx.Option{
		secretmanager.Module,
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		sequence.Module,
		fx.Provide(
			func() (*snowflake.Node, error) { return snowflake.NewNode(2) },
			func() condition.Dispatcher { return seedDispatcher{} },
		),
		tenant.Module,
		bootstrap.Module,
		audit.Module,
		campaign.Module,
		contact.Module,
		inventory.Module,
		condition.Module,
		fx.Invoke(func(lc fx.Lifecycle, sh fx.Shutdowner, s seeder) {
			lc.Append(fx.Hook{
				OnStart: func(ctx context.Context) error {
					if err := s.run(ctx); err != nil {
						return err
					}
					return sh.Shutdown()
				},
			})
		}),
		fx.WithLogger(func() fxevent.Logger { return fxevent.NopLogger }),
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}
