package gamma

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"pm-spread-bot/internal/config"
)

// Market is the metadata the quoting engine needs about one binary market:
// the two outcome token IDs and whether the book is still live.
type Market struct {
	ID          string
	Question    string
	ConditionID string
	YesTokenID  string
	NoTokenID   string
	Active      bool
	Closed      bool
	NegRisk     bool
	TickSize    float64
}

var ErrMarketClosed = errors.New("gamma: market closed")

// Client fetches market metadata from the Gamma API with a short TTL cache
// so the quoting loop's per-cycle liveness check does not hammer the API.
type Client struct {
	baseURL string
	http    *http.Client
	ttl     time.Duration

	mu    sync.Mutex
	cache map[string]cachedMarket
}

type cachedMarket struct {
	market  Market
	fetched time.Time
}

func NewClient(cfg config.GammaConfig) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: cfg.Timeout},
		ttl:     cfg.CacheTTL,
		cache:   make(map[string]cachedMarket),
	}
}

// Market returns metadata for one market, served from cache while fresh.
func (c *Client) Market(ctx context.Context, id string) (Market, error) {
	c.mu.Lock()
	if entry, ok := c.cache[id]; ok && time.Since(entry.fetched) < c.ttl {
		c.mu.Unlock()
		return entry.market, nil
	}
	c.mu.Unlock()

	m, err := c.fetch(ctx, id)
	if err != nil {
		return Market{}, err
	}
	c.mu.Lock()
	c.cache[id] = cachedMarket{market: m, fetched: time.Now()}
	c.mu.Unlock()
	return m, nil
}

// wireMarket mirrors the Gamma response. Several list-valued fields arrive
// as JSON-encoded strings and need a second decode pass.
type wireMarket struct {
	ID           string  `json:"id"`
	Question     string  `json:"question"`
	ConditionID  string  `json:"condition_id"`
	Active       bool    `json:"active"`
	Closed       bool    `json:"closed"`
	NegRisk      bool    `json:"neg_risk"`
	Outcomes     string  `json:"outcomes"`
	ClobTokenIDs string  `json:"clob_token_ids"`
	MinTickSize  float64 `json:"orderPriceMinTickSize"`
}

func (c *Client) fetch(ctx context.Context, id string) (Market, error) {
	endpoint := fmt.Sprintf("%s/markets/%s", c.baseURL, url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Market{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Market{}, fmt.Errorf("gamma: get market %s: %w", id, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Market{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Market{}, fmt.Errorf("gamma: get market %s: http %d: %s", id, resp.StatusCode, string(body))
	}
	var wire wireMarket
	if err := json.Unmarshal(body, &wire); err != nil {
		return Market{}, fmt.Errorf("gamma: decode market: %w", err)
	}
	return wire.toMarket()
}

func (w wireMarket) toMarket() (Market, error) {
	var tokenIDs []string
	if w.ClobTokenIDs != "" {
		if err := json.Unmarshal([]byte(w.ClobTokenIDs), &tokenIDs); err != nil {
			return Market{}, fmt.Errorf("gamma: decode clob_token_ids: %w", err)
		}
	}
	if len(tokenIDs) != 2 {
		return Market{}, fmt.Errorf("gamma: market %s has %d outcome tokens, want 2", w.ID, len(tokenIDs))
	}
	var outcomes []string
	if w.Outcomes != "" {
		if err := json.Unmarshal([]byte(w.Outcomes), &outcomes); err != nil {
			return Market{}, fmt.Errorf("gamma: decode outcomes: %w", err)
		}
	}
	m := Market{
		ID:          w.ID,
		Question:    w.Question,
		ConditionID: w.ConditionID,
		YesTokenID:  tokenIDs[0],
		NoTokenID:   tokenIDs[1],
		Active:      w.Active,
		Closed:      w.Closed,
		NegRisk:     w.NegRisk,
		TickSize:    w.MinTickSize,
	}
	// Token order follows the outcomes list; swap if "No" comes first.
	if len(outcomes) == 2 && outcomes[0] == "No" {
		m.YesTokenID, m.NoTokenID = tokenIDs[1], tokenIDs[0]
	}
	return m, nil
}
