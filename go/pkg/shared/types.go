package shared

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Tick is the wire shape of a price observation on the ticks topic.
type Tick struct {
	Asset   string          `json:"symbol"`
	EventTS int64           `json:"event_ts"` // nanoseconds epoch
	Price   decimal.Decimal `json:"ltp"`
}

func (t Tick) EventTime() time.Time {
	return time.Unix(0, t.EventTS).UTC()
}

// Key identifies one (asset, timeframe) aggregation slot and its storage target.
type Key struct {
	Asset     string
	Timeframe string
}

func (k Key) String() string {
	return k.Asset + ":" + k.Timeframe
}

// Target is the storage name for the key, without extension.
func (k Key) Target() string {
	return fmt.Sprintf("%s_%s_OHLC", k.Asset, k.Timeframe)
}

// Candle is an OHLC summary of one bucket. Timestamp is the bucket start.
type Candle struct {
	Timestamp time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
}

// NewCandle opens a candle for bucket with every price set to open.
func NewCandle(bucket time.Time, open decimal.Decimal) Candle {
	return Candle{Timestamp: bucket, Open: open, High: open, Low: open, Close: open}
}

// Apply folds price p into the candle. Open is never touched.
func (c *Candle) Apply(p decimal.Decimal) {
	if p.GreaterThan(c.High) {
		c.High = p
	}
	if p.LessThan(c.Low) {
		c.Low = p
	}
	c.Close = p
}

// Rounded returns the candle with every price rounded to 2 decimal places,
// the precision kept by the store.
func (c Candle) Rounded() Candle {
	return Candle{
		Timestamp: c.Timestamp,
		Open:      c.Open.Round(2),
		High:      c.High.Round(2),
		Low:       c.Low.Round(2),
		Close:     c.Close.Round(2),
	}
}

// Equal compares timestamps and prices by value.
func (c Candle) Equal(o Candle) bool {
	return c.Timestamp.Equal(o.Timestamp) &&
		c.Open.Equal(o.Open) && c.High.Equal(o.High) &&
		c.Low.Equal(o.Low) && c.Close.Equal(o.Close)
}

// Valid reports whether low <= min(open, close) and max(open, close) <= high.
func (c Candle) Valid() bool {
	return c.Low.Cmp(decimal.Min(c.Open, c.Close)) <= 0 &&
		decimal.Max(c.Open, c.Close).Cmp(c.High) <= 0
}
