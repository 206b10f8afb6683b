package metrics

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	ConditionEvaluations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "condition_evaluations_total",
		Help: "Condition evaluations by outcome.",
	}, []string{"outcome"})

	ConditionCache = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "condition_definition_cache_total",
		Help: "Definition cache lookups by result (hit, miss).",
	}, []string{"result"})

	InventoryClaims = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_claims_total",
		Help: "Reward unit claims by result.",
	}, []string{"result"})

	ChannelResolutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "channel_resolutions_total",
		Help: "Channel resolutions by winning level (none when nothing was available).",
	}, []string{"level"})

	CircuitOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "channel_circuit_opened_total",
		Help: "Times an account circuit was opened.",
	})

	Deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_deliveries_total",
		Help: "Delivery attempts by final status.",
	}, []string{"status"})

	RetrySweeps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "retry_sweep_records_total",
		Help: "Records handled by the retry sweep by outcome.",
	}, []string{"outcome"})
)

var collectors = []prometheus.Collector{
	ConditionEvaluations,
	ConditionCache,
	InventoryClaims,
	ChannelResolutions,
	CircuitOpened,
	Deliveries,
	RetrySweeps,
}

var Module = fx.Module("metrics",
	fx.Invoke(Register, RegisterRoute),
)

// Register adds the pipeline collectors to the default registry. Already
// registered collectors are ignored so tests may build several apps.
func Register() {
	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				zap.L().Warn("failed to register collector", zap.Error(err))
			}
		}
	}
}

func RegisterRoute(r *gin.Engine) {
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
