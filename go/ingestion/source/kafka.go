package source

import (
	"context"
	"encoding/json"
	"time"

	"candle-engine/go/pkg/shared"

	"go.uber.org/zap"
)

// KafkaSource reads shared.Tick JSON from the ticks topic.
type KafkaSource struct {
	consumer shared.Consumer
	log      shared.Logger
}

func NewKafkaSource(c shared.Consumer, log shared.Logger) *KafkaSource {
	return &KafkaSource{consumer: c, log: log.Named("kafka-source")}
}

func (k *KafkaSource) Name() string { return "kafka" }

// Run commits every fetched offset, decodable or not.
func (k *KafkaSource) Run(ctx context.Context, out Ingester) error {
	defer func() { _ = k.consumer.Close() }()
	for {
		msg, err := k.consumer.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			k.log.Warn("fetch failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		if tk, ok := decodeTick(msg.Value); ok {
			out.Ingest(tk.Asset, tk.Price, tk.EventTime())
		} else {
			k.log.Debug("undecodable tick", zap.Int("partition", msg.Partition), zap.Int64("offset", msg.Offset))
		}
		actx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := k.consumer.Ack(actx, msg); err != nil {
			k.log.Warn("commit failed", zap.Error(err))
		}
		cancel()
	}
}

func decodeTick(raw []byte) (shared.Tick, bool) {
	var tk shared.Tick
	if err := json.Unmarshal(raw, &tk); err != nil {
		return tk, false
	}
	return tk, tk.Asset != "" && tk.EventTS > 0
}
