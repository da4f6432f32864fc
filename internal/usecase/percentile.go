package usecase

import (
	"math"
	"sort"
	"sync"
)

// PercentileHistory keeps the historical liquidation USD values per symbol
// and ranks new events against them. Values are bounded per symbol; the
// oldest entries are evicted first.
type PercentileHistory struct {
	mu           sync.RWMutex
	maxPerSymbol int
	sorted       map[string][]float64 // ascending
	arrival      map[string][]float64 // FIFO, for eviction
}

func NewPercentileHistory(maxPerSymbol int) *PercentileHistory {
	if maxPerSymbol <= 0 {
		maxPerSymbol = 10000
	}
	return &PercentileHistory{
		maxPerSymbol: maxPerSymbol,
		sorted:       make(map[string][]float64),
		arrival:      make(map[string][]float64),
	}
}

// Record inserts a value into the symbol's sorted history, evicting the
// oldest value when the cap is reached.
func (h *PercentileHistory) Record(symbol string, v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.arrival[symbol]) >= h.maxPerSymbol {
		oldest := h.arrival[symbol][0]
		h.arrival[symbol] = h.arrival[symbol][1:]

		s := h.sorted[symbol]
		i := sort.SearchFloat64s(s, oldest)
		if i < len(s) && s[i] == oldest {
			h.sorted[symbol] = append(s[:i], s[i+1:]...)
		}
	}

	h.arrival[symbol] = append(h.arrival[symbol], v)
	s := h.sorted[symbol]
	i := sort.SearchFloat64s(s, v)
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	h.sorted[symbol] = s
}

// Rank returns the percentile rank of v among the recorded values:
// round(100 * |{values <= v}| / n). ok is false when the symbol has no
// history yet.
func (h *PercentileHistory) Rank(symbol string, v float64) (rank float64, ok bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s := h.sorted[symbol]
	if len(s) == 0 {
		return 0, false
	}
	// First index with s[i] > v, i.e. the count of values <= v.
	count := sort.Search(len(s), func(i int) bool { return s[i] > v })
	return math.Round(100 * float64(count) / float64(len(s))), true
}

// Size reports how many values are recorded for the symbol.
func (h *PercentileHistory) Size(symbol string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sorted[symbol])
}
