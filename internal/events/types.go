package events

// Event identifies a topic on the bus.
type Event string

const (
	EventWebhookReceived Event = "webhook.received"
	EventOrderDispatched Event = "order.dispatched"
	EventOrderUpdate     Event = "order.update"
	EventOrderFailed     Event = "order.failed"
	EventTradeExecuted   Event = "trade.executed"
	EventCancelResolved  Event = "cancel.resolved"
	EventAccountDisabled Event = "account.disabled"
	EventDailyReport     Event = "report.daily"
)
