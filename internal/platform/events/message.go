package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.opentelemetry.io/otel/propagation"

	"github.com/pvhao2002/Pharmacy/internal/services"
)

// envelope is the JSON body shared by every broker.
type envelope struct {
	Type                  string         `json:"type"`
	OrderID               string         `json:"orderId"`
	UserID                string         `json:"userId,omitempty"`
	ActorID               string         `json:"actorId,omitempty"`
	PreviousStatus        string         `json:"previousStatus,omitempty"`
	CurrentStatus         string         `json:"currentStatus"`
	PreviousPaymentStatus string         `json:"previousPaymentStatus,omitempty"`
	CurrentPaymentStatus  string         `json:"currentPaymentStatus"`
	Total                 string         `json:"total"`
	Currency              string         `json:"currency"`
	OccurredAt            time.Time      `json:"occurredAt"`
	Metadata              map[string]any `json:"metadata,omitempty"`
}

func newEnvelope(event services.OrderEvent) envelope {
	return envelope{
		Type:                  event.Type,
		OrderID:               event.OrderID,
		UserID:                event.UserID,
		ActorID:               event.ActorID,
		PreviousStatus:        string(event.PreviousStatus),
		CurrentStatus:         string(event.CurrentStatus),
		PreviousPaymentStatus: string(event.PreviousPaymentStatus),
		CurrentPaymentStatus:  string(event.CurrentPaymentStatus),
		Total:                 event.Total.StringFixed(2),
		Currency:              event.Currency,
		OccurredAt:            event.OccurredAt.UTC(),
		Metadata:              event.Metadata,
	}
}

// encode renders the payload and the attributes every broker carries alongside it: the event
// type, order id, and the W3C trace context of ctx.
func encode(ctx context.Context, event services.OrderEvent, marshal func(any) ([]byte, error)) ([]byte, map[string]string, error) {
	data, err := marshal(newEnvelope(event))
	if err != nil {
		return nil, nil, err
	}
	attrs := make(map[string]string, 4)
	setAttr(attrs, "eventType", event.Type)
	setAttr(attrs, "orderId", event.OrderID)
	propagation.TraceContext{}.Inject(ctx, propagation.MapCarrier(attrs))
	return data, attrs, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}

var defaultMarshal = json.Marshal
