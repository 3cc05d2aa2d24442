package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"symmetry/internal/config"
	"symmetry/internal/model"
)

// HTTPProvider implements HistoricalProvider and ChainProvider over a JSON
// HTTP API.
type HTTPProvider struct {
	client  *http.Client
	baseURL string
	token   string
}

// NewHTTPProvider creates an HTTPProvider.
func NewHTTPProvider(cfg config.ProviderConfig) *HTTPProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProvider{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
	}
}

type candlesResponse struct {
	Candles [][]float64 `json:"candles"`
}

// GetCandles fetches the latest count candles, oldest first. Rows are
// [ts, open, high, low, close, volume] with ts in seconds or milliseconds.
func (p *HTTPProvider) GetCandles(ctx context.Context, instrumentKey, interval string, count int) ([]model.Candle, error) {
	q := url.Values{}
	q.Set("instrument_key", instrumentKey)
	q.Set("interval", interval)
	q.Set("count", strconv.Itoa(count))

	var resp candlesResponse
	if err := p.get(ctx, "/candles", q, &resp); err != nil {
		return nil, fmt.Errorf("candles %s: %w", instrumentKey, err)
	}

	minutes, _ := strconv.Atoi(interval)
	out := make([]model.Candle, 0, len(resp.Candles))
	for _, row := range resp.Candles {
		if len(row) < 6 {
			continue
		}
		out = append(out, model.Candle{
			InstrumentKey: instrumentKey,
			Interval:      minutes,
			Start:         toMillis(row[0]),
			Open:          row[1],
			High:          row[2],
			Low:           row[3],
			Close:         row[4],
			Volume:        row[5],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out, nil
}

// GetChain fetches the option chain of underlying.
func (p *HTTPProvider) GetChain(ctx context.Context, underlying string) (Chain, error) {
	q := url.Values{}
	q.Set("underlying", underlying)

	var chain Chain
	if err := p.get(ctx, "/chain", q, &chain); err != nil {
		return Chain{}, fmt.Errorf("chain %s: %w", underlying, err)
	}
	return chain, nil
}

func (p *HTTPProvider) get(ctx context.Context, path string, q url.Values, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func toMillis(ts float64) int64 {
	if ts > 0 && ts < 1e10 {
		return int64(ts * 1000)
	}
	return int64(ts)
}
