package main

import (
	"log"

	"github.com/Phillboard/mobul-sub010/pkg/authz"
	"github.com/Phillboard/mobul-sub010/pkg/config"
	"github.com/Phillboard/mobul-sub010/pkg/db"
	"github.com/Phillboard/mobul-sub010/pkg/featureflags"
	"github.com/Phillboard/mobul-sub010/pkg/hashistack/secretmanager"
	"github.com/Phillboard/mobul-sub010/pkg/health"
	"github.com/Phillboard/mobul-sub010/pkg/logger"
	"github.com/Phillboard/mobul-sub010/pkg/messaging"
	"github.com/Phillboard/mobul-sub010/pkg/metrics"
	"github.com/Phillboard/mobul-sub010/pkg/otelcol"
	"github.com/Phillboard/mobul-sub010/pkg/redis"
	"github.com/Phillboard/mobul-sub010/pkg/sequence"
	"github.com/Phillboard/mobul-sub010/pkg/server"
	queue "github.com/Phillboard/mobul-sub010/pkg/task"
	"github.com/Phillboard/mobul-sub010/services/audit"
	"github.com/Phillboard/mobul-sub010/services/bootstrap"
	"github.com/Phillboard/mobul-sub010/services/campaign"
	"github.com/Phillboard/mobul-sub010/services/channel"
	"github.com/Phillboard/mobul-sub010/services/condition"
	"github.com/Phillboard/mobul-sub010/services/contact"
	"github.com/Phillboard/mobul-sub010/services/fulfillment"
	"github.com/Phillboard/mobul-sub010/services/inventory"
	"github.com/Phillboard/mobul-sub010/services/ledger"
	"github.com/Phillboard/mobul-sub010/services/task"
	"github.com/Phillboard/mobul-sub010/services/tenant"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	opts := []fx.Option{
		secretmanager.Module,
		config.Module,
		logger.Module,
		otelcol.Module,
		db.Module,
		redis.Module,
		sequence.Module,
		featureflags.Module,
		messaging.Module,
		queue.Client,
		fx.Provide(
			provideSnowflakeNode,
		),
		fx.Invoke(
			func(trace.TracerProvider) {},
		),

		// bootstrap migrates the schema. Start hooks run in invoke order, so
		// it comes before anything that serves traffic or consumes tasks.
		tenant.Module,
		bootstrap.Module,

		queue.Server,
		server.ProvideHTTPServer,
		authz.Module,
		health.Module,
		metrics.Module,
		audit.Module,
		audit.Gateway,
		tenant.Gateway,
		campaign.Module,
		campaign.Gateway,
		contact.Module,
		contact.Gateway,
		ledger.Module,
		ledger.Gateway,
		inventory.Module,
		inventory.Gateway,
		channel.Module,
		channel.Gateway,
		condition.Module,
		condition.Gateway,
		fulfillment.Module,
		fulfillment.Worker,
		fulfillment.Gateway,
		task.Module,
		task.Worker,
		task.Gateway,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "production" {
		return fxevent.NopLogger
	}
	return &fxevent.ZapLogger{Logger: logger}
})

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
