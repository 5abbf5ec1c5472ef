package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/coachhub/chat-realtime/internal/realtime"
	"github.com/coachhub/chat-realtime/pkg/logger"
)

const (
	// BusSubjectPrefix prefixes every fan-out subject.
	BusSubjectPrefix = "chat"

	roomToken      = "room"
	broadcastToken = "all"
)

// RoomSubject returns the subject carrying deliveries for a room.
// The broadcast room maps to chat.all.
func RoomSubject(room string) string {
	if room == realtime.BroadcastRoom {
		return fmt.Sprintf("%s.%s", BusSubjectPrefix, broadcastToken)
	}
	return fmt.Sprintf("%s.%s.%s", BusSubjectPrefix, roomToken, sanitizeToken(room))
}

// sanitizeToken keeps room names inside a single subject token.
func sanitizeToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

// Bus is a realtime.Broker over core NATS. Every instance subscribes to
// all rooms and filters locally, so a delivery reaches each member once.
type Bus struct {
	client *Client
	logger *logger.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

var _ realtime.Broker = (*Bus)(nil)

// NewBus creates a NATS-backed broker.
func NewBus(client *Client, log *logger.Logger) *Bus {
	return &Bus{client: client, logger: log}
}

// Publish sends a delivery to every instance.
func (b *Bus) Publish(ctx context.Context, d realtime.Delivery) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery: %w", err)
	}
	if err := b.client.Conn().Publish(RoomSubject(d.Room), data); err != nil {
		return fmt.Errorf("failed to publish delivery: %w", err)
	}
	return nil
}

// Subscribe starts delivering bus traffic to the local hub.
func (b *Bus) Subscribe(ctx context.Context, deliver func(realtime.Delivery)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sub != nil {
		return errors.New("bus already subscribed")
	}

	sub, err := b.client.Conn().Subscribe(BusSubjectPrefix+".>", func(m *nats.Msg) {
		var d realtime.Delivery
		if err := json.Unmarshal(m.Data, &d); err != nil {
			b.logger.Warn("dropping malformed delivery", zap.String("subject", m.Subject), zap.Error(err))
			return
		}
		deliver(d)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", BusSubjectPrefix, err)
	}
	b.sub = sub
	return nil
}

// Close unsubscribes from the bus. The NATS connection stays open.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sub == nil {
		return nil
	}
	err := b.sub.Unsubscribe()
	b.sub = nil
	return err
}
