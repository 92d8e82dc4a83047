// Package candles holds the OHLCV series of the active instrument.
package candles

import (
	"sync"

	"signalboard-go/internal/market"
)

// Store is an ordered candle series for one symbol and interval.
// Only the last candle is ever mutated; earlier bars are immutable once appended.
type Store struct {
	mu       sync.RWMutex
	symbol   string
	interval string
	bars     []market.Candle
}

// NewStore returns an empty store not bound to any instrument.
func NewStore() *Store {
	return &Store{}
}

// Replace swaps the whole series, e.g. after the active instrument or interval changes.
// The input is copied and expected in ascending timestamp order.
func (s *Store) Replace(symbol, interval string, bars []market.Candle) {
	cp := make([]market.Candle, len(bars))
	copy(cp, bars)
	s.mu.Lock()
	s.symbol = symbol
	s.interval = interval
	s.bars = cp
	s.mu.Unlock()
}

// ApplyPrice moves the last candle's close to price and widens high/low when price breaks out.
// It reports false, touching nothing, when the store is empty, belongs to another symbol or price
// is not positive.
func (s *Store) ApplyPrice(symbol string, price float64) bool {
	if price <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.bars)
	if n == 0 || s.symbol != symbol {
		return false
	}
	last := &s.bars[n-1]
	last.Close = price
	if price > last.High {
		last.High = price
	}
	if price < last.Low {
		last.Low = price
	}
	return true
}

// Last returns the most recent candle.
func (s *Store) Last() (market.Candle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.bars) == 0 {
		return market.Candle{}, false
	}
	return s.bars[len(s.bars)-1], true
}

// Snapshot returns a copy of the series.
func (s *Store) Snapshot() []market.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]market.Candle, len(s.bars))
	copy(out, s.bars)
	return out
}

// Len reports the number of candles held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bars)
}

// Instrument returns the symbol and interval the series belongs to.
func (s *Store) Instrument() (symbol, interval string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.symbol, s.interval
}
