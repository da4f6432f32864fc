package usecase

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
	"go.uber.org/zap"

	"github.com/vitos/crypto_liq_dca/internal/domain"
)

type atrEntry struct {
	value     float64 // ATR as a percent of the last close
	fetchedAt time.Time
}

// VolatilityService computes ATR% from exchange candles, cached per symbol.
// On a fetch failure it falls back to the last known value; entry is aborted
// upstream when no value was ever known.
type VolatilityService struct {
	exchange domain.Exchange
	logger   *zap.Logger

	interval string
	period   int
	ttl      time.Duration

	mu      sync.Mutex
	cache   map[string]atrEntry
	timeNow func() time.Time // for testing
}

func NewVolatilityService(exchange domain.Exchange, logger *zap.Logger) *VolatilityService {
	return &VolatilityService{
		exchange: exchange,
		logger:   logger,
		interval: "1h",
		period:   14,
		ttl:      time.Minute,
		cache:    make(map[string]atrEntry),
		timeNow:  time.Now,
	}
}

// ATRPercent returns the current ATR as a percent of price for the symbol.
func (s *VolatilityService) ATRPercent(ctx context.Context, symbol string) (float64, error) {
	s.mu.Lock()
	cached, ok := s.cache[symbol]
	fresh := ok && s.timeNow().Sub(cached.fetchedAt) < s.ttl
	s.mu.Unlock()

	if fresh {
		return cached.value, nil
	}

	candles, err := s.exchange.GetCandles(ctx, symbol, s.interval, s.period+1)
	if err != nil {
		if ok {
			s.logger.Warn("candle fetch failed, using last known ATR",
				zap.String("symbol", symbol), zap.Error(err))
			return cached.value, nil
		}
		return 0, fmt.Errorf("atr %s: %w", symbol, err)
	}

	atrPct, err := atrPercent(candles, s.period)
	if err != nil {
		if ok {
			return cached.value, nil
		}
		return 0, fmt.Errorf("atr %s: %w", symbol, err)
	}

	s.mu.Lock()
	s.cache[symbol] = atrEntry{value: atrPct, fetchedAt: s.timeNow()}
	s.mu.Unlock()

	return atrPct, nil
}

// atrPercent computes Wilder true ranges over the candle series and averages
// the last period of them, expressed as a percent of the final close.
func atrPercent(candles []domain.Candle, period int) (float64, error) {
	if len(candles) < 2 {
		return 0, fmt.Errorf("need at least 2 candles, got %d", len(candles))
	}

	var trs []float64
	for i := 1; i < len(candles); i++ {
		c, prev := candles[i], candles[i-1]
		tr := c.High - c.Low
		if d := math.Abs(c.High - prev.Close); d > tr {
			tr = d
		}
		if d := math.Abs(c.Low - prev.Close); d > tr {
			tr = d
		}
		trs = append(trs, tr)
	}
	if len(trs) > period {
		trs = trs[len(trs)-period:]
	}

	atr, err := stats.Mean(trs)
	if err != nil {
		return 0, err
	}

	lastClose := candles[len(candles)-1].Close
	if lastClose <= 0 {
		return 0, fmt.Errorf("invalid last close %f", lastClose)
	}
	return 100 * atr / lastClose, nil
}
