package source

import (
	"context"
	"math/rand"
	"time"

	"candle-engine/go/pkg/shared"

	"github.com/shopspring/decimal"
)

// SimConfig tunes the synthetic feed.
type SimConfig struct {
	Step     time.Duration `envconfig:"SIM_STEP" default:"100ms"`
	DriftPct float64       `envconfig:"SIM_DRIFT_PCT" default:"0.05"`
	GlitchP  float64       `envconfig:"SIM_GLITCH_P" default:"0.001"`
	Seed     int64         `envconfig:"SIM_SEED" default:"0"`
}

// SimSource emits a random walk per asset, starting mid-range, with the
// occasional out-of-bounds glitch so the validator has work to do.
type SimSource struct {
	cfg    SimConfig
	assets shared.AssetBounds
	now    func() time.Time
}

func NewSimSource(cfg SimConfig, assets shared.AssetBounds) *SimSource {
	if cfg.Step <= 0 {
		cfg.Step = 100 * time.Millisecond
	}
	return &SimSource{cfg: cfg, assets: assets, now: time.Now}
}

func (s *SimSource) Name() string { return "sim" }

func (s *SimSource) Run(ctx context.Context, out Ingester) error {
	seed := s.cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	names := s.assets.Names()
	two := decimal.NewFromInt(2)
	prices := make(map[string]decimal.Decimal, len(names))
	for _, a := range names {
		b := s.assets[a]
		prices[a] = b.Min.Add(b.Max).Div(two).Round(2)
	}

	ticker := time.NewTicker(s.cfg.Step)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			ts := s.now()
			for _, a := range names {
				next := s.step(rng, s.assets[a], prices[a])
				prices[a] = next
				emit := next
				if rng.Float64() < s.cfg.GlitchP {
					emit = s.assets[a].Max.Mul(decimal.NewFromInt(10))
				}
				out.Ingest(a, emit, ts)
			}
		}
	}
}

// step moves p by up to ±DriftPct percent, clamped to the asset's bounds.
func (s *SimSource) step(rng *rand.Rand, b shared.Bounds, p decimal.Decimal) decimal.Decimal {
	pct := (rng.Float64()*2 - 1) * s.cfg.DriftPct / 100
	next := p.Add(p.Mul(decimal.NewFromFloat(pct))).Round(2)
	if next.LessThan(b.Min) {
		return b.Min
	}
	if next.GreaterThan(b.Max) {
		return b.Max
	}
	return next
}
