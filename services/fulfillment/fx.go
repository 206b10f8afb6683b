package fulfillment

import (
	"github.com/Phillboard/mobul-sub010/pkg/taskname"
	"github.com/Phillboard/mobul-sub010/services/channel"
	"github.com/Phillboard/mobul-sub010/services/condition"
	"github.com/Phillboard/mobul-sub010/services/contact"
	"github.com/Phillboard/mobul-sub010/services/inventory"
	"github.com/Phillboard/mobul-sub010/services/ledger"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("fulfillment.module",
	fx.Provide(
		NewService,
		NewAsyncDispatcher,
		func(d *AsyncDispatcher) condition.Dispatcher { return d },
		func(s *inventory.Service) Inventory { return s },
		func(s *channel.Service) Channels { return s },
		func(s *contact.Service) Contacts { return s },
		func(s *ledger.Service) Billing { return s },
	),
)

// Worker registers the asynq handler. Requires task.Server.
var Worker = fx.Module("fulfillment.worker",
	fx.Invoke(func(mux *asynq.ServeMux, s *Service) {
		mux.HandleFunc(taskname.FulfillmentProcess, s.HandleFulfillmentTask)
	}),
)

var Gateway = fx.Module("fulfillment.gateway",
	fx.Provide(NewHandler),
	fx.Invoke(func(r *gin.Engine, h *Handler) { h.Register(r) }),
)
