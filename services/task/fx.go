package task

import (
	"github.com/Phillboard/mobul-sub010/pkg/taskname"
	"github.com/Phillboard/mobul-sub010/services/condition"
	"github.com/Phillboard/mobul-sub010/services/fulfillment"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("task.service",
	fx.Provide(
		NewService,
		NewScheduler,
		func(s *fulfillment.Service) Deliverer { return s },
		func(s *condition.Service) Handoffs { return s },
	),
	fx.Invoke(StartScheduler),
)

// Worker registers the sweep handler. Requires task.Server from pkg/task.
var Worker = fx.Module("task.worker",
	fx.Invoke(func(mux *asynq.ServeMux, s *Service) {
		mux.HandleFunc(taskname.DeliveryRetrySweep, s.HandleRetrySweepTask)
	}),
)

var Gateway = fx.Module("task.gateway",
	fx.Provide(NewHandler),
	fx.Invoke(func(r *gin.Engine, h *Handler) { h.Register(r) }),
)
