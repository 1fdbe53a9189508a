package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/IBM/sarama"

	"github.com/deskforce/ticketrelay/internal/hub"
)

// Ingestor is the slice of the hub the bridge needs.
type Ingestor interface {
	IngestInbound(ev hub.InboundEvent) (hub.QueuedResponse, error)
}

// Bridge consumes provider events from a Kafka topic and feeds them to the
// normalizer. Providers that cannot call the HTTP ingestion endpoint publish
// envelopes here instead.
type Bridge struct {
	group     sarama.ConsumerGroup
	topics    []string
	ingestor  Ingestor
	validator *hub.EnvelopeValidator
}

func NewBridge(brokers []string, groupID string, topics []string, ingestor Ingestor) (*Bridge, error) {
	cfg := sarama.NewConfig()
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer group: %w", err)
	}
	validator, err := hub.NewEnvelopeValidator()
	if err != nil {
		_ = group.Close()
		return nil, err
	}
	return &Bridge{
		group:     group,
		topics:    topics,
		ingestor:  ingestor,
		validator: validator,
	}, nil
}

func (b *Bridge) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (b *Bridge) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (b *Bridge) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		// Malformed and unknown-session envelopes are acknowledged:
		// retrying them cannot succeed and would wedge the partition. A
		// transient failure restarts the claim instead; marking any later
		// message would commit the group past the failed offset.
		if err := b.handle(message); err != nil && !permanent(err) {
			log.Printf("ingress: topic=%s partition=%d offset=%d: %v", message.Topic, message.Partition, message.Offset, err)
			return err
		}
		session.MarkMessage(message, "")
	}
	return nil
}

func (b *Bridge) handle(message *sarama.ConsumerMessage) error {
	ev, err := DecodeEnvelope(b.validator, message.Value)
	if err != nil {
		log.Printf("ingress: dropping malformed envelope at offset %d: %v", message.Offset, err)
		return err
	}
	if _, err := b.ingestor.IngestInbound(ev); err != nil {
		return err
	}
	return nil
}

func permanent(err error) bool {
	return errors.Is(err, hub.ErrInvalidInput) || errors.Is(err, hub.ErrNotFound)
}

// DecodeEnvelope validates and decodes one raw Kafka payload.
func DecodeEnvelope(validator *hub.EnvelopeValidator, raw []byte) (hub.InboundEvent, error) {
	if err := validator.Validate(raw); err != nil {
		return hub.InboundEvent{}, err
	}
	var ev hub.InboundEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return hub.InboundEvent{}, fmt.Errorf("%w: %v", hub.ErrInvalidInput, err)
	}
	return ev, nil
}

// consumeRetryDelay spaces out claim restarts after a transient failure so a
// full inbound queue does not turn into a rebalance storm.
const consumeRetryDelay = time.Second

// Run consumes until ctx is cancelled, riding out rebalances.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := b.group.Consume(ctx, b.topics, b); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			log.Printf("ingress: consume: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(consumeRetryDelay):
			}
		}
	}
}

func (b *Bridge) Close() error {
	return b.group.Close()
}
