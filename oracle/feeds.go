package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

func normaliseSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// ManualFeed is an in-memory feed holding owner-set override prices. It backs
// the manual fallback path and doubles as a test feed.
type ManualFeed struct {
	mu       sync.RWMutex
	readings map[string]PriceReading
}

// NewManualFeed constructs an empty manual feed.
func NewManualFeed() *ManualFeed {
	return &ManualFeed{readings: make(map[string]PriceReading)}
}

// Name implements Feed.
func (m *ManualFeed) Name() string { return "manual" }

// Set stores the provided rate for the symbol.
func (m *ManualFeed) Set(symbol string, rate *big.Rat, ts time.Time) {
	if m == nil || rate == nil {
		return
	}
	key := normaliseSymbol(symbol)
	if key == "" {
		return
	}
	m.mu.Lock()
	m.readings[key] = PriceReading{Rate: new(big.Rat).Set(rate), Timestamp: ts, Source: "manual"}
	m.mu.Unlock()
}

// SetDecimal parses and stores a decimal rate string for the symbol.
func (m *ManualFeed) SetDecimal(symbol, rate string, ts time.Time) error {
	if m == nil {
		return fmt.Errorf("manual feed not configured")
	}
	trimmed := strings.TrimSpace(rate)
	if trimmed == "" {
		return fmt.Errorf("manual feed: rate required")
	}
	rat, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return fmt.Errorf("manual feed: invalid rate %q", rate)
	}
	if rat.Sign() <= 0 {
		return fmt.Errorf("manual feed: rate must be positive")
	}
	m.Set(symbol, rat, ts)
	return nil
}

// Fetch implements Feed.
func (m *ManualFeed) Fetch(_ context.Context, symbol string) (PriceReading, error) {
	if m == nil {
		return PriceReading{}, fmt.Errorf("manual feed not configured")
	}
	key := normaliseSymbol(symbol)
	m.mu.RLock()
	stored, ok := m.readings[key]
	m.mu.RUnlock()
	if !ok {
		return PriceReading{}, fmt.Errorf("manual feed: no price for %s", key)
	}
	return stored.Clone(), nil
}

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// CoinGeckoFeed adapts the public CoinGecko simple price API. It serves both
// as the primary feed and as the independent aggregator consulted by the
// divergence checker.
type CoinGeckoFeed struct {
	client   HTTPDoer
	endpoint string
	idMap    map[string]string
}

const defaultCoinGeckoEndpoint = "https://api.coingecko.com/api/v3/simple/price"

// NewCoinGeckoFeed constructs a new adapter. idMap maps token symbols to
// CoinGecko asset identifiers; unmapped symbols fall back to their lowercase
// form.
func NewCoinGeckoFeed(client HTTPDoer, endpoint string, idMap map[string]string) *CoinGeckoFeed {
	ep := strings.TrimSpace(endpoint)
	if ep == "" {
		ep = defaultCoinGeckoEndpoint
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	mapped := make(map[string]string, len(idMap))
	for k, v := range idMap {
		mapped[normaliseSymbol(k)] = strings.TrimSpace(v)
	}
	return &CoinGeckoFeed{client: client, endpoint: ep, idMap: mapped}
}

// Name implements Feed.
func (f *CoinGeckoFeed) Name() string { return "coingecko" }

func (f *CoinGeckoFeed) assetID(symbol string) string {
	if id, ok := f.idMap[normaliseSymbol(symbol)]; ok && id != "" {
		return id
	}
	return strings.ToLower(strings.TrimSpace(symbol))
}

// Fetch implements Feed, resolving the USD price for the symbol.
func (f *CoinGeckoFeed) Fetch(ctx context.Context, symbol string) (PriceReading, error) {
	if f == nil {
		return PriceReading{}, fmt.Errorf("coingecko feed not configured")
	}
	id := f.assetID(symbol)
	if id == "" {
		return PriceReading{}, fmt.Errorf("coingecko feed: unmapped asset %s", symbol)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.endpoint, nil)
	if err != nil {
		return PriceReading{}, err
	}
	values := url.Values{}
	values.Set("ids", id)
	values.Set("vs_currencies", "usd")
	values.Set("include_last_updated_at", "true")
	req.URL.RawQuery = values.Encode()
	resp, err := f.client.Do(req)
	if err != nil {
		return PriceReading{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return PriceReading{}, fmt.Errorf("coingecko feed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	var payload map[string]map[string]json.Number
	if err := decoder.Decode(&payload); err != nil {
		return PriceReading{}, fmt.Errorf("coingecko feed: decode: %w", err)
	}
	entry, ok := payload[id]
	if !ok {
		return PriceReading{}, fmt.Errorf("coingecko feed: %s not listed", symbol)
	}
	priceRaw, ok := entry["usd"]
	if !ok || strings.TrimSpace(priceRaw.String()) == "" {
		return PriceReading{}, fmt.Errorf("coingecko feed: empty price for %s", symbol)
	}
	rat, ok := new(big.Rat).SetString(priceRaw.String())
	if !ok || rat.Sign() <= 0 {
		return PriceReading{}, fmt.Errorf("coingecko feed: invalid rate %q", priceRaw.String())
	}
	ts := time.Now().UTC()
	if rawTs, exists := entry["last_updated_at"]; exists {
		if parsed, err := strconv.ParseInt(rawTs.String(), 10, 64); err == nil && parsed > 0 {
			ts = time.Unix(parsed, 0)
		}
	}
	return PriceReading{Rate: rat, Timestamp: ts, Source: "coingecko"}, nil
}
