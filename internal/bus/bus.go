// Package bus implements the Message Bus (C3): two fan-out topics,
// OrderBroadcast and SecretBroadcast, with at-least-once delivery.
// Grounded on NATS core pub-sub (github.com/nats-io/nats.go) — the
// teacher's own stack has no message-bus library (its services talk
// directly to a database and an HTTP API), so this is adopted from the
// wider ecosystem as SPEC_FULL.md §1 records, chosen because NATS core
// publish is exactly the at-least-once, no-ordering-across-subjects
// contract spec §5 describes and needs no broker-side schema.
package bus

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/unite-defi/relayer/internal/types"
)

// Bus is write-only from the coordinator's perspective (spec §5): it
// never subscribes to its own topics.
type Bus struct {
	nc            *nats.Conn
	orderSubject  string
	secretSubject string
	log           *zap.Logger
}

func Connect(url, orderSubject, secretSubject string, log *zap.Logger) (*Bus, error) {
	nc, err := nats.Connect(url, nats.RetryOnFailedConnect(true), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("bus: connect %s: %w", url, err)
	}
	return &Bus{nc: nc, orderSubject: orderSubject, secretSubject: secretSubject, log: log.Named("bus")}, nil
}

// PublishOrder implements C3's publishOrder(broadcast).
func (b *Bus) PublishOrder(broadcast types.OrderBroadcast) error {
	payload, err := json.Marshal(broadcast)
	if err != nil {
		return fmt.Errorf("bus: marshal order broadcast: %w", err)
	}
	if err := b.nc.Publish(b.orderSubject, payload); err != nil {
		return fmt.Errorf("bus: publish order broadcast: %w", err)
	}
	b.log.Info("published order broadcast", zap.String("order_id", broadcast.OrderID))
	return nil
}

// PublishSecret implements C3's publishSecret(secret-broadcast).
func (b *Bus) PublishSecret(broadcast types.SecretBroadcast) error {
	payload, err := json.Marshal(broadcast)
	if err != nil {
		return fmt.Errorf("bus: marshal secret broadcast: %w", err)
	}
	if err := b.nc.Publish(b.secretSubject, payload); err != nil {
		return fmt.Errorf("bus: publish secret broadcast: %w", err)
	}
	b.log.Info("published secret broadcast", zap.String("order_id", broadcast.OrderID))
	return nil
}

func (b *Bus) Close() {
	b.nc.Close()
}
