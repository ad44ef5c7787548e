package models

import "time"

type SnapshotSource string

const (
	SourceExchange      SnapshotSource = "exchange"
	SourceKlineEstimate SnapshotSource = "kline_estimate"
)

// Snapshot is one open interest data point stored in a partition.
type Snapshot struct {
	Symbol               string         `json:"symbol"`
	Cadence              Cadence        `json:"cadence"`
	Timestamp            time.Time      `json:"timestamp"`
	OpenInterest         float64        `json:"open_interest"`
	SumOpenInterestValue *float64       `json:"sum_open_interest_value,omitempty"`
	Source               SnapshotSource `json:"source"`
}

// Binance API payloads

type BinanceOpenInterest struct {
	Symbol       string `json:"symbol"`
	OpenInterest string `json:"openInterest"`
	Time         int64  `json:"time"`
}

type BinanceOpenInterestHist struct {
	Symbol               string `json:"symbol"`
	SumOpenInterest      string `json:"sumOpenInterest"`
	SumOpenInterestValue string `json:"sumOpenInterestValue"`
	Timestamp            int64  `json:"timestamp"`
}

type BinancePremiumIndex struct {
	Symbol    string `json:"symbol"`
	MarkPrice string `json:"markPrice"`
	Time      int64  `json:"time"`
}

// BinanceTicker24h is one row of /fapi/v1/ticker/24hr.
type BinanceTicker24h struct {
	Symbol      string `json:"symbol"`
	Volume      string `json:"volume"`
	QuoteVolume string `json:"quoteVolume"`
}

// SymbolVolume is a contract ranked by its 24h traded volume.
type SymbolVolume struct {
	Symbol      string  `json:"symbol"`
	Volume      float64 `json:"volume"`
	QuoteVolume float64 `json:"quote_volume"`
}

type BinanceErrorResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Kline is the part of a Binance candle the estimator needs.
type Kline struct {
	OpenTime  time.Time
	Close     float64
	CloseTime time.Time
}
