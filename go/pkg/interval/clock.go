// Package interval maps timestamps onto fixed-width, left-aligned buckets.
package interval

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidWidth = errors.New("interval: width must be a positive whole number of milliseconds")

const day = 24 * time.Hour

// maxDays is the largest day count a time.Duration can hold.
const maxDays = math.MaxInt64 / int64(day)

// Timeframe is a labelled bucket width, e.g. {"5m", 5 * time.Minute}.
type Timeframe struct {
	Label string
	Width time.Duration
}

// BucketStart returns floor(ts / width) * width on the millisecond epoch, in UTC.
// Timestamps before the epoch floor towards negative infinity.
func BucketStart(ts time.Time, width time.Duration) time.Time {
	w := width.Milliseconds()
	if w <= 0 {
		return ts.UTC().Truncate(time.Millisecond)
	}
	ms := ts.UnixMilli()
	start := ms - ms%w
	if ms%w < 0 {
		start -= w
	}
	return time.UnixMilli(start).UTC()
}

// ParseWidth parses a Go duration string; a trailing "d" is read as days.
func ParseWidth(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	var (
		d   time.Duration
		err error
	)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		var n int64
		n, err = strconv.ParseInt(days, 10, 64)
		if err == nil && (n <= 0 || n > maxDays) {
			return 0, fmt.Errorf("interval %q: %w", s, ErrInvalidWidth)
		}
		d = time.Duration(n) * day
	} else {
		d, err = time.ParseDuration(s)
	}
	if err != nil {
		return 0, fmt.Errorf("interval %q: %w", s, err)
	}
	if d <= 0 || d%time.Millisecond != 0 {
		return 0, fmt.Errorf("interval %q: %w", s, ErrInvalidWidth)
	}
	return d, nil
}

// ParseTimeframes turns labels like ["1m", "5m", "15m"] into timeframes.
// The label is kept verbatim; it names storage targets.
func ParseTimeframes(labels []string) ([]Timeframe, error) {
	if len(labels) == 0 {
		return nil, errors.New("interval: no timeframes configured")
	}
	seen := make(map[string]struct{}, len(labels))
	out := make([]Timeframe, 0, len(labels))
	for _, label := range labels {
		w, err := ParseWidth(label)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[label]; dup {
			return nil, fmt.Errorf("interval %q listed twice", label)
		}
		seen[label] = struct{}{}
		out = append(out, Timeframe{Label: label, Width: w})
	}
	return out, nil
}
