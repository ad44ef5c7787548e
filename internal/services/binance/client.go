package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"binance-oi-collector/internal/config"
	"binance-oi-collector/internal/models"
	"binance-oi-collector/internal/utils"
	"binance-oi-collector/pkg/ratelimit"
)

const (
	endpointOpenInterest     = "/fapi/v1/openInterest"
	endpointPremiumIndex     = "/fapi/v1/premiumIndex"
	endpointOpenInterestHist = "/futures/data/openInterestHist"
	endpointKlines           = "/fapi/v1/klines"
	endpointTicker24h        = "/fapi/v1/ticker/24hr"

	// maxHistLimit is the page size the history endpoint accepts.
	maxHistLimit  = 500
	maxKlineLimit = 1500
)

type Client struct {
	config  *config.BinanceConfig
	client  *http.Client
	limiter *ratelimit.RequestLimiter
	clock   utils.Clock
	log     *logrus.Logger
}

func NewClient(cfg *config.BinanceConfig, limiter *ratelimit.RequestLimiter, clock utils.Clock, log *logrus.Logger) (*Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
		log.Info("Using proxy for binance requests", logrus.Fields{"proxy": proxyURL.Host})
	} else {
		transport.Proxy = http.ProxyFromEnvironment
	}

	return &Client{
		config:  cfg,
		client:  &http.Client{Timeout: 30 * time.Second, Transport: transport},
		limiter: limiter,
		clock:   clock,
		log:     log,
	}, nil
}

func (c *Client) get(ctx context.Context, symbol, endpoint string, params url.Values, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, symbol); err != nil {
			return err
		}
	}

	requestURL := c.config.BaseURL + endpoint + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to create request: %v", ErrInvalidRequest, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", endpoint, err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Message:    utils.Truncate(string(body), 500),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
		var payload models.BinanceErrorResponse
		if json.Unmarshal(body, &payload) == nil && payload.Code != 0 {
			apiErr.Code = payload.Code
			apiErr.Message = payload.Msg
		}
		return apiErr
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedResponse, endpoint, err)
	}
	return nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func parseFloat(field, v string) (float64, error) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q", ErrMalformedResponse, field, v)
	}
	return f, nil
}

// isLive reports whether ts is the current cadence slot, the only one the
// live endpoint can serve.
func (c *Client) isLive(cadence models.Cadence, ts time.Time) bool {
	age := c.clock.Now().Sub(ts)
	return age >= -cadence.Step() && age < cadence.Step()
}

// FetchPoint returns the snapshot for one cadence aligned timestamp. The
// current 1m slot comes from the live endpoint; everything else is looked up
// in the 5m history.
func (c *Client) FetchPoint(ctx context.Context, symbol string, cadence models.Cadence, ts time.Time) (models.Snapshot, error) {
	if cadence == models.CadenceRealtime {
		if !c.isLive(cadence, ts) {
			return models.Snapshot{}, fmt.Errorf("%w: no %s history for %s at %s", ErrDataUnavailable, cadence, symbol, ts.Format(time.RFC3339))
		}
		return c.fetchLive(ctx, symbol, ts)
	}

	points, err := c.FetchWindow(ctx, symbol, cadence, ts, ts)
	if err != nil {
		return models.Snapshot{}, err
	}
	for _, p := range points {
		if p.Timestamp.Equal(ts) {
			return p, nil
		}
	}
	return models.Snapshot{}, fmt.Errorf("%w: %s %s at %s", ErrDataUnavailable, symbol, cadence, ts.Format(time.RFC3339))
}

func (c *Client) fetchLive(ctx context.Context, symbol string, ts time.Time) (models.Snapshot, error) {
	var oi models.BinanceOpenInterest
	if err := c.get(ctx, symbol, endpointOpenInterest, url.Values{"symbol": {symbol}}, &oi); err != nil {
		return models.Snapshot{}, err
	}
	amount, err := parseFloat("openInterest", oi.OpenInterest)
	if err != nil {
		return models.Snapshot{}, err
	}

	snapshot := models.Snapshot{
		Symbol:       symbol,
		Cadence:      models.CadenceRealtime,
		Timestamp:    ts,
		OpenInterest: amount,
		Source:       models.SourceExchange,
	}

	// The value column is best effort: a missing mark price leaves it empty.
	mark, err := c.MarkPrice(ctx, symbol)
	if err != nil {
		if ctx.Err() != nil {
			return models.Snapshot{}, ctx.Err()
		}
		c.log.Debug("Mark price unavailable", logrus.Fields{"symbol": symbol, "error": err})
		return snapshot, nil
	}
	snapshot.SumOpenInterestValue = utils.ToPointer(amount * mark)
	return snapshot, nil
}

func (c *Client) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	var premium models.BinancePremiumIndex
	if err := c.get(ctx, symbol, endpointPremiumIndex, url.Values{"symbol": {symbol}}, &premium); err != nil {
		return 0, err
	}
	return parseFloat("markPrice", premium.MarkPrice)
}

// FetchWindow returns the 5m history points within [start, end], ascending.
// An empty result is not an error; the caller decides per timestamp.
func (c *Client) FetchWindow(ctx context.Context, symbol string, cadence models.Cadence, start, end time.Time) ([]models.Snapshot, error) {
	if cadence != models.CadenceHistorical {
		return nil, fmt.Errorf("%w: no history endpoint for cadence %s", ErrDataUnavailable, cadence)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("%w: window end %s before start %s", ErrInvalidRequest, end, start)
	}

	limit := int(end.Sub(start)/cadence.Step()) + 1
	if limit > maxHistLimit {
		return nil, fmt.Errorf("%w: window of %d points exceeds %d", ErrInvalidRequest, limit, maxHistLimit)
	}

	params := url.Values{
		"symbol":    {symbol},
		"period":    {string(cadence)},
		"limit":     {strconv.Itoa(limit)},
		"startTime": {strconv.FormatInt(start.UnixMilli(), 10)},
		"endTime":   {strconv.FormatInt(end.UnixMilli(), 10)},
	}
	var rows []models.BinanceOpenInterestHist
	if err := c.get(ctx, symbol, endpointOpenInterestHist, params, &rows); err != nil {
		return nil, err
	}

	points := make([]models.Snapshot, 0, len(rows))
	for _, row := range rows {
		ts := utils.UnixMilli(row.Timestamp)
		if ts.Before(start) || ts.After(end) {
			continue
		}
		amount, err := parseFloat("sumOpenInterest", row.SumOpenInterest)
		if err != nil {
			return nil, err
		}
		snapshot := models.Snapshot{
			Symbol:       symbol,
			Cadence:      cadence,
			Timestamp:    cadence.Align(ts),
			OpenInterest: amount,
			Source:       models.SourceExchange,
		}
		if row.SumOpenInterestValue != "" {
			value, err := parseFloat("sumOpenInterestValue", row.SumOpenInterestValue)
			if err != nil {
				return nil, err
			}
			snapshot.SumOpenInterestValue = &value
		}
		points = append(points, snapshot)
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Timestamp.Before(points[j].Timestamp) })
	return points, nil
}

// GetKlines returns candles of the given interval opening within [start, end].
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, start, end time.Time) ([]models.Kline, error) {
	params := url.Values{
		"symbol":    {symbol},
		"interval":  {interval},
		"startTime": {strconv.FormatInt(start.UnixMilli(), 10)},
		"endTime":   {strconv.FormatInt(end.UnixMilli(), 10)},
		"limit":     {strconv.Itoa(maxKlineLimit)},
	}
	var rows [][]json.RawMessage
	if err := c.get(ctx, symbol, endpointKlines, params, &rows); err != nil {
		return nil, err
	}

	klines := make([]models.Kline, 0, len(rows))
	for _, row := range rows {
		if len(row) < 7 {
			return nil, fmt.Errorf("%w: kline with %d fields", ErrMalformedResponse, len(row))
		}
		var openTime, closeTime int64
		var closePrice string
		if err := json.Unmarshal(row[0], &openTime); err != nil {
			return nil, fmt.Errorf("%w: kline open time: %v", ErrMalformedResponse, err)
		}
		if err := json.Unmarshal(row[4], &closePrice); err != nil {
			return nil, fmt.Errorf("%w: kline close: %v", ErrMalformedResponse, err)
		}
		if err := json.Unmarshal(row[6], &closeTime); err != nil {
			return nil, fmt.Errorf("%w: kline close time: %v", ErrMalformedResponse, err)
		}
		price, err := parseFloat("close", closePrice)
		if err != nil {
			return nil, err
		}
		klines = append(klines, models.Kline{
			OpenTime:  utils.UnixMilli(openTime),
			Close:     price,
			CloseTime: utils.UnixMilli(closeTime),
		})
	}
	return klines, nil
}

// TopSymbols ranks the contracts quoted in quote by 24h quote volume and
// returns the first limit of them. Contracts that did not trade are left out.
func (c *Client) TopSymbols(ctx context.Context, quote string, limit int) ([]models.SymbolVolume, error) {
	var rows []models.BinanceTicker24h
	if err := c.get(ctx, "", endpointTicker24h, url.Values{}, &rows); err != nil {
		return nil, err
	}

	ranked := make([]models.SymbolVolume, 0, len(rows))
	for _, row := range rows {
		if !strings.HasSuffix(row.Symbol, quote) {
			continue
		}
		volume, err := parseFloat("volume", row.Volume)
		if err != nil {
			c.log.Debug("Skipping ticker", logrus.Fields{"symbol": row.Symbol, "error": err})
			continue
		}
		quoteVolume, err := parseFloat("quoteVolume", row.QuoteVolume)
		if err != nil {
			c.log.Debug("Skipping ticker", logrus.Fields{"symbol": row.Symbol, "error": err})
			continue
		}
		if volume <= 0 {
			continue
		}
		ranked = append(ranked, models.SymbolVolume{Symbol: row.Symbol, Volume: volume, QuoteVolume: quoteVolume})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].QuoteVolume == ranked[j].QuoteVolume {
			return ranked[i].Symbol < ranked[j].Symbol
		}
		return ranked[i].QuoteVolume > ranked[j].QuoteVolume
	})
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}
