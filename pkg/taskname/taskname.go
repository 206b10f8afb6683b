package taskname

const (
	// Fulfillment tasks
	FulfillmentProcess = "fulfillment:process"

	// Delivery tasks
	DeliveryRetrySweep = "delivery:retry:sweep"
)
