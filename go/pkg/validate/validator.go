package validate

import (
	"errors"
	"fmt"

	"candle-engine/go/pkg/shared"

	"github.com/shopspring/decimal"
)

var (
	ErrUnknownAsset = errors.New("validate: asset has no configured bounds")
	ErrOutOfBounds  = errors.New("validate: price outside configured bounds")
)

// Validator drops venue glitches by checking prices against per-asset bounds.
type Validator struct {
	bounds shared.AssetBounds
}

func New(bounds shared.AssetBounds) *Validator {
	cp := make(shared.AssetBounds, len(bounds))
	for k, v := range bounds {
		cp[k] = v
	}
	return &Validator{bounds: cp}
}

// Validate returns price unchanged when it lies within [min, max] for asset.
func (v *Validator) Validate(asset string, price decimal.Decimal) (decimal.Decimal, error) {
	b, ok := v.bounds[asset]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	if !b.Contains(price) {
		return decimal.Zero, fmt.Errorf("%w: %s %s not in [%s, %s]", ErrOutOfBounds, asset, price, b.Min, b.Max)
	}
	return price, nil
}

// Reason is a short metric label for a rejection error.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrOutOfBounds):
		return "out_of_bounds"
	case errors.Is(err, ErrUnknownAsset):
		return "unknown_asset"
	default:
		return "invalid"
	}
}
