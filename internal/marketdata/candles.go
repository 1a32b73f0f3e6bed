package marketdata

import (
	"errors"
	"fmt"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"

	"github.com/Shriprakashbharti/TradePros/internal/model"
)

var ErrTimeframe = errors.New("marketdata: unsupported timeframe")

var timeframes = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"1h":  time.Hour,
	"1d":  24 * time.Hour,
}

// Duration returns the bucket width of a timeframe.
func Duration(timeframe string) (time.Duration, error) {
	d, ok := timeframes[timeframe]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrTimeframe, timeframe)
	}
	return d, nil
}

// Aggregate groups ascending 1m candles into timeframe buckets. Each bucket
// is stamped with its start time (UTC-aligned).
func Aggregate(candles []model.Candle, timeframe string) ([]model.Candle, error) {
	width, err := Duration(timeframe)
	if err != nil {
		return nil, err
	}
	if width == time.Minute {
		return candles, nil
	}

	var out []model.Candle
	for _, c := range candles {
		bucket := c.Timestamp.UTC().Truncate(width)
		if n := len(out); n > 0 && out[n-1].Timestamp.Equal(bucket) {
			cur := &out[n-1]
			cur.High = decimal.Max(cur.High, c.High)
			cur.Low = decimal.Min(cur.Low, c.Low)
			cur.Close = c.Close
			cur.Volume = cur.Volume.Add(c.Volume)
			continue
		}
		out = append(out, model.Candle{
			Symbol:    c.Symbol,
			Timeframe: timeframe,
			Open:      c.Open,
			High:      c.High,
			Low:       c.Low,
			Close:     c.Close,
			Volume:    c.Volume,
			Timestamp: bucket,
		})
	}
	return out, nil
}

// IndicatorSet holds the latest indicator values. A nil field means there
// were too few candles to compute it.
type IndicatorSet struct {
	Symbol  string   `json:"symbol"`
	Candles int      `json:"candles"`
	Last    float64  `json:"last"`
	SMA20   *float64 `json:"sma20,omitempty"`
	RSI14   *float64 `json:"rsi14,omitempty"`
}

// Indicators computes SMA(20) and RSI(14) over the closes of ascending
// candles.
func Indicators(symbol string, candles []model.Candle) IndicatorSet {
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close.InexactFloat64()
	}

	set := IndicatorSet{Symbol: symbol, Candles: len(closes)}
	if len(closes) == 0 {
		return set
	}
	set.Last = closes[len(closes)-1]

	if len(closes) >= 20 {
		sma := talib.Sma(closes, 20)
		v := sma[len(sma)-1]
		set.SMA20 = &v
	}
	if len(closes) > 14 {
		rsi := talib.Rsi(closes, 14)
		v := rsi[len(rsi)-1]
		set.RSI14 = &v
	}
	return set
}
