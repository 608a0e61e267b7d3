package persist

import (
	"context"
	"fmt"

	"candle-engine/go/pkg/shared"
)

// CandleMsg is the payload published to the candles.{tf} topics.
type CandleMsg struct {
	Asset string  `json:"symbol"`
	TF    string  `json:"tf"`
	TS    int64   `json:"ts"` // bucket start, milliseconds epoch
	O     float64 `json:"o"`
	H     float64 `json:"h"`
	L     float64 `json:"l"`
	C     float64 `json:"c"`
}

// KafkaSink publishes every persisted candle, keyed by asset.
type KafkaSink struct {
	pub    shared.Publisher
	prefix string
}

func NewKafkaSink(pub shared.Publisher, topicPrefix string) *KafkaSink {
	return &KafkaSink{pub: pub, prefix: topicPrefix}
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Write(ctx context.Context, key shared.Key, c shared.Candle) error {
	r := c.Rounded()
	msg := CandleMsg{
		Asset: key.Asset,
		TF:    key.Timeframe,
		TS:    c.Timestamp.UnixMilli(),
		O:     r.Open.InexactFloat64(),
		H:     r.High.InexactFloat64(),
		L:     r.Low.InexactFloat64(),
		C:     r.Close.InexactFloat64(),
	}
	topic := fmt.Sprintf("%s.%s", k.prefix, key.Timeframe)
	return k.pub.PublishJSON(ctx, topic, []byte(key.Asset), msg)
}

// Same-bucket rewrites overwrite the row; the JSONL file stays the source of truth.
const upsertSQL = `
INSERT INTO ohlc_candles(asset, tf, ts, o, h, l, c)
VALUES($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT(asset, tf, ts) DO UPDATE
SET o = EXCLUDED.o,
    h = EXCLUDED.h,
    l = EXCLUDED.l,
    c = EXCLUDED.c;
`

// PGSink upserts persisted candles into Postgres.
type PGSink struct {
	db shared.DB
}

func NewPGSink(db shared.DB) *PGSink { return &PGSink{db: db} }

func (p *PGSink) Name() string { return "postgres" }

func (p *PGSink) Write(ctx context.Context, key shared.Key, c shared.Candle) error {
	r := c.Rounded()
	return p.db.Exec(ctx, upsertSQL,
		key.Asset, key.Timeframe, c.Timestamp.UTC(),
		r.Open.String(), r.High.String(), r.Low.String(), r.Close.String(),
	)
}
