package featureflags

import (
	"context"

	"github.com/Phillboard/mobul-sub010/pkg/config"

	"github.com/Flagsmith/flagsmith-go-client/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("featureflags", fx.Provide(ProvideFeatureFlag))

// FulfillmentPaused is the per-tenant kill switch checked before any
// inventory is claimed.
const FulfillmentPaused = "fulfillment_paused"

type FeatureFlag interface {
	Enabled(ctx context.Context, identifier, feature string) (bool, error)
}

type featureflag struct {
	client *flagsmith.Client
}

type FeatureParams struct {
	fx.In
	Config *config.Config
}

func ProvideFeatureFlag(p FeatureParams) FeatureFlag {
	if p.Config.Flagsmith.ApiKey == "" {
		return &featureflag{}
	}

	var opts []flagsmith.Option
	if p.Config.Flagsmith.Addr != "" {
		opts = append(opts, flagsmith.WithBaseURL(p.Config.Flagsmith.Addr))
	}

	return &featureflag{
		client: flagsmith.NewClient(p.Config.Flagsmith.ApiKey, opts...),
	}
}

// Enabled reports the identity flag. With no client configured every
// feature is off.
func (s *featureflag) Enabled(ctx context.Context, identifier, feature string) (bool, error) {
	if s.client == nil {
		return false, nil
	}

	flags, err := s.client.GetIdentityFlags(identifier, nil)
	if err != nil {
		zap.L().Warn("flagsmith lookup failed", zap.String("identifier", identifier), zap.Error(err))
		return false, err
	}

	return flags.IsFeatureEnabled(feature)
}
