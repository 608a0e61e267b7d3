package shared

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

// KafkaConfig holds broker and topic details.
type KafkaConfig struct {
	Brokers      string `envconfig:"KAFKA_BROKER" default:"localhost:9092"`
	GroupID      string `envconfig:"KAFKA_GROUP" default:"candle-engine"`
	InTopic      string `envconfig:"IN_TOPIC" default:"ticks"`
	OutPrefix    string `envconfig:"OUT_TOPIC_PREFIX" default:"candles"`
	ProducerAcks string `envconfig:"KAFKA_ACKS" default:"all"`
	LingerMS     int    `envconfig:"KAFKA_LINGER_MS" default:"5"`
	BatchBytes   int    `envconfig:"KAFKA_BATCH_BYTES" default:"1048576"` // 1MB
}

func (k KafkaConfig) BrokerList() []string {
	parts := strings.Split(k.Brokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"localhost:9092"}
	}
	return out
}

// PostgresConfig holds DB connection details.
type PostgresConfig struct {
	Host     string `envconfig:"POSTGRES_HOST" default:"localhost"`
	Port     int    `envconfig:"POSTGRES_PORT" default:"5432"`
	Database string `envconfig:"POSTGRES_DB" default:"trading"`
	User     string `envconfig:"POSTGRES_USER" default:"trader"`
	Password string `envconfig:"POSTGRES_PASSWORD" default:"trader"`
	PoolMax  int    `envconfig:"PG_POOL_MAX" default:"8"`
}

// MetricsConfig controls Prometheus listener.
type MetricsConfig struct {
	Port int `envconfig:"METRICS_PORT" default:"9000"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level string `envconfig:"LOG_LEVEL" default:"info"`
	Dev   bool   `envconfig:"LOG_DEV" default:"false"`
}

// PersistConfig controls the candle store and its writers.
type PersistConfig struct {
	DataDir     string        `envconfig:"DATA_DIR" default:"data"`
	HistorySize int           `envconfig:"HISTORY_SIZE" default:"64"`
	Workers     int           `envconfig:"PERSIST_WORKERS" default:"4"`
	QueueSize   int           `envconfig:"PERSIST_QUEUE" default:"256"`
	Timeout     time.Duration `envconfig:"PERSIST_TIMEOUT" default:"5s"`
	MirrorKafka bool          `envconfig:"MIRROR_KAFKA" default:"false"`
	MirrorPG    bool          `envconfig:"MIRROR_PG" default:"false"`
}

// Bounds is an inclusive price range.
type Bounds struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

func (b Bounds) Contains(p decimal.Decimal) bool {
	return p.Cmp(b.Min) >= 0 && p.Cmp(b.Max) <= 0
}

// AssetBounds decodes "BTC=50:500;ETH=10:10000".
type AssetBounds map[string]Bounds

func (a *AssetBounds) Decode(value string) error {
	out := AssetBounds{}
	for _, entry := range strings.Split(value, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, rng, ok := strings.Cut(entry, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return fmt.Errorf("asset entry %q: want NAME=MIN:MAX", entry)
		}
		if strings.ContainsAny(name, `/\`) {
			return fmt.Errorf("asset %q: path separators not allowed", name)
		}
		lo, hi, ok := strings.Cut(rng, ":")
		if !ok {
			return fmt.Errorf("asset %q: want MIN:MAX, got %q", name, rng)
		}
		min, err := decimal.NewFromString(strings.TrimSpace(lo))
		if err != nil {
			return fmt.Errorf("asset %q min: %w", name, err)
		}
		max, err := decimal.NewFromString(strings.TrimSpace(hi))
		if err != nil {
			return fmt.Errorf("asset %q max: %w", name, err)
		}
		if min.IsNegative() || min.Cmp(max) > 0 {
			return fmt.Errorf("asset %q: invalid range [%s, %s]", name, min, max)
		}
		if _, dup := out[name]; dup {
			return fmt.Errorf("asset %q listed twice", name)
		}
		out[name] = Bounds{Min: min, Max: max}
	}
	*a = out
	return nil
}

// Names returns the configured assets in sorted order.
func (a AssetBounds) Names() []string {
	out := make([]string, 0, len(a))
	for name := range a {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Timeframes decodes a comma separated list of labels such as "1m,5m,15m".
type Timeframes []string

func (t *Timeframes) Decode(value string) error {
	var out Timeframes
	for _, p := range strings.Split(value, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	*t = out
	return nil
}

// Load fills the given struct from environment. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load[T any](prefix string) (T, error) {
	var cfg T
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}
	err := envconfig.Process(prefix, &cfg)
	return cfg, err
}
