package binance

import "time"

type tickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Kline is one OHLCV candle.
type Kline struct {
	OpenTime  time.Time
	CloseTime time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// combinedMessage is the envelope of the /stream endpoint.
type combinedMessage struct {
	Stream string      `json:"stream"`
	Data   miniTickerW `json:"data"`
}

// miniTickerW is the 24h rolling mini-ticker payload. EventType must stay:
// without an exact "e" field encoding/json would fold it onto "E".
type miniTickerW struct {
	EventType   string `json:"e"`
	EventTime   int64  `json:"E"`
	Symbol      string `json:"s"`
	Close       string `json:"c"`
	QuoteVolume string `json:"q"`
}

// Tick is a decoded mini-ticker update.
type Tick struct {
	Symbol      string
	Price       float64
	QuoteVolume float64
	Time        time.Time
}
