package messaging

import (
	"context"

	"github.com/Phillboard/mobul-sub010/pkg/config"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/hashicorp/vault-client-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("messaging",
	fx.Provide(
		provideCredentialStore,
		provideGateway,
	),
)

type credentialParams struct {
	fx.In
	Config *config.Config
	Vault  *vault.Client `optional:"true"`
}

func provideCredentialStore(p credentialParams) CredentialStore {
	return NewCredentialStore(p.Config, p.Vault)
}

func provideGateway(cfg *config.Config, creds CredentialStore) Gateway {
	senders := map[Provider]Sender{
		ProviderTwilio: NewTwilioSender(cfg.Twilio.BaseURL),
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		zap.L().Warn("aws config unavailable, sns/ses senders disabled", zap.Error(err))
	} else {
		senders[ProviderSNS] = NewSNSSender(sns.NewFromConfig(awsCfg))
		senders[ProviderSES] = NewSESSender(ses.NewFromConfig(awsCfg), cfg.AWS.SESSender)
	}

	return NewRouter(creds, senders)
}
