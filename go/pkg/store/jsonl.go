// Package store keeps finalized candles in append-only JSON-lines files,
// one file per (asset, timeframe).
package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"candle-engine/go/pkg/shared"

	"github.com/shopspring/decimal"
)

const (
	fileExt = ".jsonl"
	// ISO-8601 UTC with milliseconds.
	timeLayout = "2006-01-02T15:04:05.000Z"
	maxLine    = 64 * 1024
)

// Record is the persisted line shape. Prices are JSON numbers with two decimals.
type Record struct {
	Timestamp string      `json:"timestamp"`
	Open      json.Number `json:"open"`
	High      json.Number `json:"high"`
	Low       json.Number `json:"low"`
	Close     json.Number `json:"close"`
}

func toRecord(c shared.Candle) Record {
	return Record{
		Timestamp: c.Timestamp.UTC().Format(timeLayout),
		Open:      json.Number(c.Open.StringFixed(2)),
		High:      json.Number(c.High.StringFixed(2)),
		Low:       json.Number(c.Low.StringFixed(2)),
		Close:     json.Number(c.Close.StringFixed(2)),
	}
}

func (r Record) candle() (shared.Candle, error) {
	ts, err := time.Parse(time.RFC3339Nano, r.Timestamp)
	if err != nil {
		return shared.Candle{}, fmt.Errorf("timestamp: %w", err)
	}
	var c shared.Candle
	c.Timestamp = ts.UTC()
	for _, f := range []struct {
		dst *decimal.Decimal
		raw json.Number
		n   string
	}{
		{&c.Open, r.Open, "open"},
		{&c.High, r.High, "high"},
		{&c.Low, r.Low, "low"},
		{&c.Close, r.Close, "close"},
	} {
		d, err := decimal.NewFromString(f.raw.String())
		if err != nil {
			return shared.Candle{}, fmt.Errorf("%s: %w", f.n, err)
		}
		*f.dst = d
	}
	if !c.Valid() {
		return shared.Candle{}, errors.New("ohlc invariant violated")
	}
	return c, nil
}

// Encode renders c as one newline-terminated JSON line.
func Encode(c shared.Candle) ([]byte, error) {
	b, err := json.Marshal(toRecord(c))
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// Decode parses one line produced by Encode. Anything after the record other
// than whitespace makes the line invalid.
func Decode(line []byte) (shared.Candle, error) {
	var r Record
	if err := json.Unmarshal(line, &r); err != nil {
		return shared.Candle{}, err
	}
	return r.candle()
}

// LineError describes a malformed line skipped while loading.
type LineError struct {
	Line int
	Err  error
}

func (e LineError) Error() string { return fmt.Sprintf("line %d: %v", e.Line, e.Err) }

// History is what Load recovers from one file.
type History struct {
	Last    *shared.Candle
	Tail    []shared.Candle // up to the requested number of most recent records, oldest first
	Skipped []LineError
}

// FileStore appends candles to {dir}/{asset}_{timeframe}_OHLC.jsonl.
// Callers must not append to the same key concurrently.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Path(key shared.Key) string {
	return filepath.Join(s.dir, key.Target()+fileExt)
}

// Append writes c as a single line with one write call, then fsyncs.
// A previous torn line (no trailing newline) is fenced off first so it stays
// an isolated malformed line instead of corrupting the new record.
func (s *FileStore) Append(key shared.Key, c shared.Candle) error {
	line, err := Encode(c)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key, err)
	}
	f, err := os.OpenFile(s.Path(key), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("store: open %s: %w", key, err)
	}
	torn, err := endsTorn(s.Path(key))
	if err != nil {
		f.Close()
		return fmt.Errorf("store: inspect %s: %w", key, err)
	}
	if torn {
		line = append([]byte{'\n'}, line...)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("store: write %s: %w", key, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("store: sync %s: %w", key, err)
	}
	return f.Close()
}

func endsTorn(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return false, err
	}
	if st.Size() == 0 {
		return false, nil
	}
	b := make([]byte, 1)
	if _, err := f.ReadAt(b, st.Size()-1); err != nil {
		return false, err
	}
	return b[0] != '\n', nil
}

// Load reads every line of the key's file. A missing file is an empty history.
// Malformed lines are reported in History.Skipped and otherwise ignored.
func (s *FileStore) Load(key shared.Key, tail int) (History, error) {
	var h History
	f, err := os.Open(s.Path(key))
	if errors.Is(err, os.ErrNotExist) {
		return h, nil
	}
	if err != nil {
		return h, fmt.Errorf("store: open %s: %w", key, err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, maxLine)
	for n := 1; ; n++ {
		line, err := r.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			c, derr := Decode(line)
			if derr != nil {
				h.Skipped = append(h.Skipped, LineError{Line: n, Err: derr})
			} else {
				h.Last = &c
				if tail > 0 {
					h.Tail = append(h.Tail, c)
					if len(h.Tail) > tail {
						h.Tail = h.Tail[1:]
					}
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return h, fmt.Errorf("store: read %s: %w", key, err)
		}
	}
	return h, nil
}
