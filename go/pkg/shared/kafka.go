package shared

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	kafka "github.com/segmentio/kafka-go"
)

// Message is one fetched record. Ack needs Topic, Partition and Offset.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Value     []byte
}

// Publisher writes JSON payloads to a named topic.
type Publisher interface {
	PublishJSON(ctx context.Context, topic string, key []byte, v any) error
	Close() error
}

// Consumer fetches records from a consumer group and acknowledges them one by one.
type Consumer interface {
	Fetch(ctx context.Context) (Message, error)
	Ack(ctx context.Context, msg Message) error
	Close() error
}

// KafkaPublisher is a single kafka-go writer; the topic travels on each message.
type KafkaPublisher struct {
	w *kafka.Writer
}

func NewPublisher(cfg KafkaConfig) *KafkaPublisher {
	return &KafkaPublisher{w: &kafka.Writer{
		Addr:                   kafka.TCP(cfg.BrokerList()...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           requiredAcks(cfg.ProducerAcks),
		BatchTimeout:           time.Duration(max(cfg.LingerMS, 0)) * time.Millisecond,
		BatchBytes:             int64(max(cfg.BatchBytes, 1)),
		AllowAutoTopicCreation: true,
	}}
}

func (p *KafkaPublisher) PublishJSON(ctx context.Context, topic string, key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kafka: encode for %s: %w", topic, err)
	}
	return p.w.WriteMessages(ctx, kafka.Message{Topic: topic, Key: key, Value: b, Time: time.Now().UTC()})
}

func (p *KafkaPublisher) Close() error { return p.w.Close() }

// KafkaConsumer reads one topic as part of cfg.GroupID, starting at the
// newest offset when the group has no commit yet.
type KafkaConsumer struct {
	r *kafka.Reader
}

func NewConsumer(cfg KafkaConfig, topic string) (*KafkaConsumer, error) {
	if strings.TrimSpace(topic) == "" {
		return nil, errors.New("kafka: topic required")
	}
	return &KafkaConsumer{r: kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.BrokerList(),
		GroupID:     cfg.GroupID,
		Topic:       topic,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})}, nil
}

func (c *KafkaConsumer) Fetch(ctx context.Context) (Message, error) {
	m, err := c.r.FetchMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	return Message{Topic: m.Topic, Partition: m.Partition, Offset: m.Offset, Value: m.Value}, nil
}

func (c *KafkaConsumer) Ack(ctx context.Context, msg Message) error {
	return c.r.CommitMessages(ctx, kafka.Message{Topic: msg.Topic, Partition: msg.Partition, Offset: msg.Offset})
}

func (c *KafkaConsumer) Close() error { return c.r.Close() }

func requiredAcks(raw string) kafka.RequiredAcks {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "all", "-1":
		return kafka.RequireAll
	case "none", "0":
		return kafka.RequireNone
	default:
		return kafka.RequireOne
	}
}
