package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/coachhub/chat-realtime/internal/model"
)

// BroadcastRoom addresses every connection.
const BroadcastRoom = ""

// Delivery is one encoded event addressed to a room.
type Delivery struct {
	Room   string          `json:"room"`
	Event  model.EventName `json:"event"`
	Except string          `json:"except,omitempty"`
	Frame  json.RawMessage `json:"frame"`
}

// Broker carries deliveries to every gateway instance, including this one.
type Broker interface {
	Publish(ctx context.Context, d Delivery) error
	Subscribe(ctx context.Context, deliver func(Delivery)) error
	Close() error
}

// LocalBroker delivers synchronously within the process.
type LocalBroker struct {
	mu      sync.RWMutex
	deliver func(Delivery)
}

// NewLocalBroker creates an in-process broker.
func NewLocalBroker() *LocalBroker {
	return &LocalBroker{}
}

// Publish hands the delivery to the subscriber, if any.
func (b *LocalBroker) Publish(ctx context.Context, d Delivery) error {
	b.mu.RLock()
	deliver := b.deliver
	b.mu.RUnlock()
	if deliver != nil {
		deliver(d)
	}
	return nil
}

// Subscribe registers the local delivery function.
func (b *LocalBroker) Subscribe(ctx context.Context, deliver func(Delivery)) error {
	b.mu.Lock()
	b.deliver = deliver
	b.mu.Unlock()
	return nil
}

// Close drops the subscriber.
func (b *LocalBroker) Close() error {
	b.mu.Lock()
	b.deliver = nil
	b.mu.Unlock()
	return nil
}

func encodeFrame(event model.EventName, data any) ([]byte, error) {
	env, err := model.NewEnvelope(event, data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func zapEvent(event model.EventName) zap.Field {
	return zap.String("event", string(event))
}
