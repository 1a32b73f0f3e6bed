package trade

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Shriprakashbharti/TradePros/internal/instrument"
	"github.com/Shriprakashbharti/TradePros/internal/marketdata"
	"github.com/Shriprakashbharti/TradePros/internal/matching"
	"github.com/Shriprakashbharti/TradePros/internal/model"
)

// indicatorWindow is the number of 1m candles indicators are computed over.
const indicatorWindow = 100

// ListInstruments handles GET /api/v1/instruments
// Active instruments only.
func (s *Service) ListInstruments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List(true))
}

// GetOrderBook handles GET /api/v1/orderbook/{symbol}?depth=
func (s *Service) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	depth := 0
	if v := r.URL.Query().Get("depth"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxLimit {
			writeError(w, "depth must be between 1 and 500", http.StatusBadRequest)
			return
		}
		depth = n
	}

	snap, err := s.engine.Snapshot(chi.URLParam(r, "symbol"), depth)
	if errors.Is(err, matching.ErrUnknownSymbol) {
		writeError(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetCandles handles GET /api/v1/candles?symbol=&timeframe=&limit=
// Higher timeframes are aggregated from stored 1m candles. Oldest first.
func (s *Service) GetCandles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	inst, ok := s.lookup(w, q.Get("symbol"))
	if !ok {
		return
	}
	timeframe := q.Get("timeframe")
	if timeframe == "" {
		timeframe = "1m"
	}
	width, err := marketdata.Duration(timeframe)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit, ok := parseLimit(w, q.Get("limit"))
	if !ok {
		return
	}

	minutes, err := s.minuteCandles(r, inst.Symbol, limit*int(width/time.Minute))
	if err != nil {
		writeError(w, "failed to load candles", http.StatusInternalServerError)
		return
	}
	candles, err := marketdata.Aggregate(minutes, timeframe)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	if candles == nil {
		candles = []model.Candle{}
	}
	writeJSON(w, http.StatusOK, candles)
}

// GetIndicators handles GET /api/v1/indicators/{symbol}
func (s *Service) GetIndicators(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.lookup(w, chi.URLParam(r, "symbol"))
	if !ok {
		return
	}
	candles, err := s.minuteCandles(r, inst.Symbol, indicatorWindow)
	if err != nil {
		writeError(w, "failed to load candles", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, marketdata.Indicators(inst.Symbol, candles))
}

func (s *Service) lookup(w http.ResponseWriter, symbol string) (model.Instrument, bool) {
	if symbol == "" {
		writeError(w, "symbol is required", http.StatusBadRequest)
		return model.Instrument{}, false
	}
	sym, err := instrument.NormalizeSymbol(symbol)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return model.Instrument{}, false
	}
	inst, err := s.registry.Get(sym)
	if err != nil {
		writeError(w, err.Error(), http.StatusNotFound)
		return model.Instrument{}, false
	}
	return inst, true
}

// minuteCandles returns up to n stored 1m candles plus the feed's open one.
func (s *Service) minuteCandles(r *http.Request, symbol string, n int) ([]model.Candle, error) {
	candles, err := s.store.ListCandles(r.Context(), symbol, "1m", n)
	if err != nil {
		return nil, err
	}
	if s.feed == nil {
		return candles, nil
	}
	cur, ok := s.feed.Current(symbol)
	if !ok {
		return candles, nil
	}
	if k := len(candles); k == 0 || cur.Timestamp.After(candles[k-1].Timestamp) {
		candles = append(candles, cur)
		if len(candles) > n {
			candles = candles[1:]
		}
	}
	return candles, nil
}
