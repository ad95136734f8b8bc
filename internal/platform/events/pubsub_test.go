package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/shopspring/decimal"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/pvhao2002/Pharmacy/internal/domain"
	"github.com/pvhao2002/Pharmacy/internal/services"
)

func sampleEvent() services.OrderEvent {
	return services.OrderEvent{
		Type:                  services.OrderEventPaymentUpdated,
		OrderID:               "ord_1",
		UserID:                "user-1",
		PreviousStatus:        domain.OrderStatusPending,
		CurrentStatus:         domain.OrderStatusProcessing,
		PreviousPaymentStatus: domain.PaymentStatusPending,
		CurrentPaymentStatus:  domain.PaymentStatusPaid,
		Total:                 decimal.RequireFromString("30.5"),
		Currency:              "USD",
		OccurredAt:            time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestPubSubPublisherPublishesOrderedMessage(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	topic, err := client.CreateTopic(ctx, "order-events")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	publisher, err := NewPubSubPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubPublisher: %v", err)
	}
	defer func() {
		_ = publisher.Close(ctx)
	}()

	if err := publisher.PublishOrderEvent(ctx, sampleEvent()); err != nil {
		t.Fatalf("PublishOrderEvent: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	var payload envelope
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.OrderID != "ord_1" || payload.CurrentPaymentStatus != "PAID" || payload.Total != "30.50" {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if got := messages[0].Attributes["eventType"]; got != services.OrderEventPaymentUpdated {
		t.Fatalf("expected event type attribute, got %q", got)
	}
	if messages[0].OrderingKey != "ord_1" {
		t.Fatalf("expected ordering key ord_1, got %q", messages[0].OrderingKey)
	}

	if err := PubSubHealthCheck(topic).Check(ctx); err != nil {
		t.Fatalf("expected healthy topic: %v", err)
	}
	if err := PubSubHealthCheck(client.Topic("missing")).Check(ctx); err == nil {
		t.Fatalf("expected missing topic to be unhealthy")
	}
}

func TestNewPubSubPublisherRequiresTopic(t *testing.T) {
	if _, err := NewPubSubPublisher(nil); err == nil {
		t.Fatalf("expected error for nil topic")
	}
}
