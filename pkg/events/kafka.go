package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/listening-rooms/pkg/apperr"
)

// MessageWriter is the part of *kafka.Writer the relay uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageReader is the part of *kafka.Reader the relay uses.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type Scope string

const (
	ScopeConnection Scope = "connection"
	ScopeRoom       Scope = "room"
	ScopeGlobal     Scope = "global"
)

// relayMessage is what travels over the topic: the event plus where to deliver it.
type relayMessage struct {
	Scope   Scope  `json:"scope"`
	Target  string `json:"target,omitempty"`
	Exclude string `json:"exclude,omitempty"`
	Event   Event  `json:"event"`
}

// KafkaClient is a Transport for several server processes. Every event is published to
// one topic and every process consumes the whole topic with its own consumer group,
// handing each event to its local transport. Messages are keyed by room so events of
// one room stay on one partition and keep their order.
type KafkaClient struct {
	writer MessageWriter
	reader MessageReader
}

func NewKafkaClient(brokers []string, topic string, groupID string) *KafkaClient {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.LastOffset,
	})

	return NewKafkaClientWith(writer, reader)
}

func NewKafkaClientWith(writer MessageWriter, reader MessageReader) *KafkaClient {
	return &KafkaClient{
		writer: writer,
		reader: reader,
	}
}

func (k *KafkaClient) SendToConnection(ctx context.Context, connID string, event Event) error {
	key := event.RoomID
	if key == "" {
		key = connID
	}
	return k.publish(ctx, key, relayMessage{Scope: ScopeConnection, Target: connID, Event: event})
}

func (k *KafkaClient) BroadcastToRoom(ctx context.Context, roomID string, event Event, excludeConnID string) error {
	return k.publish(ctx, roomID, relayMessage{Scope: ScopeRoom, Target: roomID, Exclude: excludeConnID, Event: event})
}

func (k *KafkaClient) BroadcastGlobal(ctx context.Context, event Event) error {
	return k.publish(ctx, string(ScopeGlobal), relayMessage{Scope: ScopeGlobal, Event: event})
}

func (k *KafkaClient) publish(ctx context.Context, key string, m relayMessage) error {
	messageJSON, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: messageJSON,
	}

	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return apperr.Transport(fmt.Errorf("failed to write message: %w", err))
	}

	return nil
}

// ConsumeEvents reads the topic until ctx ends and delivers every event through local.
// Deliveries that fail (for example to a connection living on another process) are
// logged and skipped.
func (k *KafkaClient) ConsumeEvents(ctx context.Context, local Transport) error {
	for {
		msg, err := k.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return apperr.Transport(fmt.Errorf("failed to read message: %w", err))
		}

		var m relayMessage
		if err := json.Unmarshal(msg.Value, &m); err != nil {
			logrus.WithError(err).WithField("offset", msg.Offset).Warn("Dropping undecodable relay message")
			continue
		}

		if err := deliver(ctx, local, m); err != nil {
			logCtx := logrus.WithFields(logrus.Fields{
				"scope":  m.Scope,
				"target": m.Target,
				"event":  m.Event.Type,
			})
			if errors.Is(err, apperr.ErrNotFound) {
				logCtx.Debug("Relay target not on this node")
			} else {
				logCtx.WithError(err).Warn("Failed to deliver relayed event")
			}
		}
	}
}

// maxRelayBackoff caps the wait between attempts to resume consuming.
const maxRelayBackoff = 30 * time.Second

// Relay runs ConsumeEvents until ctx ends, resuming after read failures. The wait
// between attempts starts at backoff and doubles up to maxRelayBackoff.
func (k *KafkaClient) Relay(ctx context.Context, local Transport, backoff time.Duration) {
	wait := backoff
	for {
		err := k.ConsumeEvents(ctx, local)
		if ctx.Err() != nil {
			return
		}
		logrus.WithError(err).WithField("retry_in", wait).Error("Event relay interrupted")

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		if wait *= 2; wait > maxRelayBackoff {
			wait = maxRelayBackoff
		}
	}
}

func deliver(ctx context.Context, local Transport, m relayMessage) error {
	switch m.Scope {
	case ScopeConnection:
		return local.SendToConnection(ctx, m.Target, m.Event)
	case ScopeRoom:
		return local.BroadcastToRoom(ctx, m.Target, m.Event, m.Exclude)
	case ScopeGlobal:
		return local.BroadcastGlobal(ctx, m.Event)
	default:
		return apperr.InvalidArgument("unknown relay scope %q", m.Scope)
	}
}

func (k *KafkaClient) Close() error {
	if err := k.writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	if err := k.reader.Close(); err != nil {
		return fmt.Errorf("failed to close reader: %w", err)
	}
	return nil
}
