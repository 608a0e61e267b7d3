package source

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"candle-engine/go/pkg/shared"

	"github.com/shopspring/decimal"
	kitemodels "github.com/zerodha/gokiteconnect/v4/models"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"
	"go.uber.org/zap"
)

// KiteConfig locates credentials and the instrument list.
type KiteConfig struct {
	TokensCSV   string `envconfig:"ZERODHA_TOKENS_CSV" default:"configs/tokens.csv"`
	TokenJSON   string `envconfig:"ZERODHA_TOKEN_FILE" default:"ingestion/auth/token.json"`
	APIKey      string `envconfig:"KITE_API_KEY"`
	AccessToken string `envconfig:"KITE_ACCESS_TOKEN"` // optional override
}

// KiteSource streams LTP ticks from the Zerodha websocket. The ticker library
// owns reconnect and backoff.
type KiteSource struct {
	apiKey      string
	accessToken string
	tokens      []uint32
	tokenToSym  map[uint32]string
	log         shared.Logger
}

func NewKiteSource(cfg KiteConfig, log shared.Logger) (*KiteSource, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("KITE_API_KEY required for live websocket")
	}
	access := cfg.AccessToken
	if access == "" {
		var err error
		access, err = loadAccessToken(cfg.TokenJSON)
		if err != nil {
			return nil, err
		}
	}
	tokens, tokenToSym, err := loadTokens(cfg.TokensCSV)
	if err != nil {
		return nil, err
	}
	return &KiteSource{
		apiKey:      cfg.APIKey,
		accessToken: access,
		tokens:      tokens,
		tokenToSym:  tokenToSym,
		log:         log.Named("kite"),
	}, nil
}

func (k *KiteSource) Name() string { return "kite" }

func (k *KiteSource) Run(ctx context.Context, out Ingester) error {
	if len(k.tokens) == 0 {
		return errors.New("kite: no tokens to subscribe")
	}
	t := kiteticker.New(k.apiKey, k.accessToken)
	gaveUp := make(chan int, 1)
	fatal := make(chan error, 1)

	t.OnError(func(err error) {
		k.log.Warn("ws error", zap.Error(err))
	})
	t.OnClose(func(code int, reason string) {
		k.log.Info("ws closed", zap.Int("code", code), zap.String("reason", reason))
	})
	t.OnReconnect(func(attempt int, delay time.Duration) {
		k.log.Info("ws reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))
	})
	t.OnConnect(func() {
		k.log.Info("ws connected", zap.Int("tokens", len(k.tokens)))
		for _, chunk := range chunkTokens(k.tokens, 200) {
			if err := t.Subscribe(chunk); err != nil {
				k.log.Warn("subscribe chunk failed", zap.Error(err))
			}
			if err := t.SetMode(kiteticker.ModeLTP, chunk); err != nil {
				k.log.Warn("set mode failed", zap.Error(err))
			}
		}
	})
	t.OnNoReconnect(func(attempt int) {
		select {
		case gaveUp <- attempt:
		default:
		}
	})
	t.OnTick(k.tickHandler(out, fatal))

	go t.ServeWithContext(ctx)
	select {
	case <-ctx.Done():
		t.Stop()
		return nil
	case n := <-gaveUp:
		t.Stop()
		return fmt.Errorf("kite: no more reconnects after attempt %d", n)
	case err := <-fatal:
		t.Stop()
		return err
	}
}

// tickHandler runs on the ticker's goroutine, where Guard cannot see a panic.
// The first failure is reported on fatal; later ones are dropped.
func (k *KiteSource) tickHandler(out Ingester, fatal chan<- error) func(kitemodels.Tick) {
	return func(tk kitemodels.Tick) {
		sym := k.tokenToSym[tk.InstrumentToken]
		if sym == "" {
			return
		}
		ts := tk.Timestamp.Time
		if ts.IsZero() {
			ts = time.Now()
		}
		if err := ingestSafely(out, sym, decimal.NewFromFloat(tk.LastPrice), ts); err != nil {
			select {
			case fatal <- fmt.Errorf("kite: %w", err):
			default:
			}
		}
	}
}

// loadTokens reads instrument_token and tradingsymbol columns from a header CSV.
// Rows with a blank or non-numeric token are skipped.
func loadTokens(path string) ([]uint32, map[uint32]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("kite tokens: %w", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("kite tokens %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, nil, fmt.Errorf("kite tokens %s: empty file", path)
	}
	col := map[string]int{}
	for i, h := range rows[0] {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	ti, okT := col["instrument_token"]
	si, okS := col["tradingsymbol"]
	if !okT || !okS {
		return nil, nil, fmt.Errorf("kite tokens %s: instrument_token and tradingsymbol columns required", path)
	}

	var tokens []uint32
	syms := make(map[uint32]string)
	for _, row := range rows[1:] {
		if ti >= len(row) || si >= len(row) {
			continue
		}
		tok, err := strconv.ParseUint(strings.TrimSpace(row[ti]), 10, 32)
		sym := strings.ToUpper(strings.TrimSpace(row[si]))
		if err != nil || sym == "" {
			continue
		}
		tokens = append(tokens, uint32(tok))
		syms[uint32(tok)] = sym
	}
	return tokens, syms, nil
}

// loadAccessToken reads access_token from the JSON written by the login flow.
func loadAccessToken(path string) (string, error) {
	if path == "" {
		return "", errors.New("kite access token: no token file configured")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("kite access token: %w", err)
	}
	var doc struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return "", fmt.Errorf("kite access token %s: %w", path, err)
	}
	if doc.AccessToken == "" {
		return "", fmt.Errorf("kite access token %s: access_token missing", path)
	}
	return doc.AccessToken, nil
}

// chunkTokens splits tokens into subscribe batches of at most size (200 when
// size is not positive).
func chunkTokens(tokens []uint32, size int) [][]uint32 {
	if size <= 0 {
		size = 200
	}
	out := make([][]uint32, 0, (len(tokens)+size-1)/size)
	for len(tokens) > 0 {
		n := min(size, len(tokens))
		out = append(out, tokens[:n])
		tokens = tokens[n:]
	}
	return out
}
