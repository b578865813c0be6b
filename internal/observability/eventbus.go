package observability

import (
	"context"
	"sort"

	"go.uber.org/zap"
)

// Event types published by the domain services.
const (
	EventLedgerInconsistency = "ledger.inconsistency"
	EventPriceAutoAdjusted   = "pricing.auto_adjusted"
	EventMarginDrift         = "pricing.margin_drift"
)

// EventBus implements the EventPublisher interface on top of the zap logger.
type EventBus struct {
	logger *zap.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *zap.Logger) *EventBus {
	return &EventBus{
		logger: logger,
	}
}

// Publish publishes an event with the given type and data.
// Inconsistency events are logged at error level so alerting picks them up.
func (e *EventBus) Publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if e.logger == nil {
		return
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]zap.Field, 0, len(data)+1)
	fields = append(fields, zap.String("event", eventType))
	for _, k := range keys {
		fields = append(fields, zap.Any(k, data[k]))
	}

	logger := e.logger
	if requestID := GetRequestID(ctx); requestID != "" {
		logger = logger.With(zap.String("request_id", requestID))
	}

	if eventType == EventLedgerInconsistency {
		logger.Error(eventType, fields...)
		return
	}
	logger.Info(eventType, fields...)
}
