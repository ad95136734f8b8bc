package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/segmentio/kafka-go"

	"github.com/pvhao2002/Pharmacy/internal/repositories"
)

// PubSubHealthCheck reports the topic as unhealthy when it cannot be read or no longer exists.
func PubSubHealthCheck(topic *pubsub.Topic) repositories.DependencyCheck {
	return repositories.DependencyCheck{
		Name:    "pubsub",
		Timeout: 2 * time.Second,
		Check: func(ctx context.Context) error {
			ok, err := topic.Exists(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("topic %s not found", topic.ID())
			}
			return nil
		},
	}
}

// KafkaHealthCheck dials the first reachable broker.
func KafkaHealthCheck(brokers []string) repositories.DependencyCheck {
	return repositories.DependencyCheck{
		Name:    "kafka",
		Timeout: 2 * time.Second,
		Check: func(ctx context.Context) error {
			var errs []error
			for _, broker := range brokers {
				conn, err := kafka.DialContext(ctx, "tcp", broker)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				return conn.Close()
			}
			if len(errs) == 0 {
				return errors.New("no kafka brokers configured")
			}
			return errors.Join(errs...)
		},
	}
}
