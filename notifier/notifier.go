package notifier

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// 房间生命周期事件
const (
	EventRoomCreated  = "room_created"
	EventRoomRemoved  = "room_removed"
	EventPlayerJoined = "player_joined"
	EventPlayerLeft   = "player_left"
	EventTableReset   = "table_reset"
)

// Publisher announces room lifecycle events to observers outside the process.
type Publisher interface {
	Publish(roomCode, event string, payload any)
}

type Nop struct{}

func (Nop) Publish(string, string, any) {}

type Event struct {
	Room      string          `json:"room"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Subject returns the NATS subject an event is published on.
func Subject(roomCode, event string) string {
	return fmt.Sprintf("table.room.%s.%s", roomCode, event)
}

type NATSPublisher struct {
	nc     *nats.Conn
	logger *zap.Logger
}

// Connect dials NATS with the reconnect policy used for room events.
func Connect(url string) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("go-tabletop"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2 * time.Second),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return nc, nil
}

func NewNATSPublisher(nc *nats.Conn, logger *zap.Logger) *NATSPublisher {
	return &NATSPublisher{nc: nc, logger: logger}
}

// Publish never blocks the caller on a slow broker; failures are only logged.
func (p *NATSPublisher) Publish(roomCode, event string, payload any) {
	if p.nc == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Warn("encode room event", zap.String("room", roomCode), zap.String("event", event), zap.Error(err))
		return
	}
	msg, err := json.Marshal(Event{Room: roomCode, Event: event, Data: data, Timestamp: time.Now().UnixMilli()})
	if err != nil {
		p.logger.Warn("encode room event", zap.String("room", roomCode), zap.String("event", event), zap.Error(err))
		return
	}
	if err := p.nc.Publish(Subject(roomCode, event), msg); err != nil {
		p.logger.Warn("publish room event", zap.String("room", roomCode), zap.String("event", event), zap.Error(err))
	}
}

func (p *NATSPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}
