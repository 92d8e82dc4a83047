// Package ticker projects live ticker batches onto the ticker table, the active price and the open candle.
package ticker

import (
	"sort"
	"sync"

	"signalboard-go/internal/candles"
	"signalboard-go/internal/market"
	"signalboard-go/internal/metrics"
)

// OtherSymbols is the tick metric label used for symbols that are neither tracked nor active.
const OtherSymbols = "other"

// Projector owns the symbol->ticker table and the current price of the active instrument.
// Apply is expected to be called by a single feed goroutine; readers may call the accessors concurrently.
type Projector struct {
	mu      sync.RWMutex
	table   map[string]market.TickerRecord
	tracked map[string]struct{}
	active  string
	price   float64
	priced  bool
	candles *candles.Store
}

// NewProjector binds a projector to the candle store it mutates.
func NewProjector(store *candles.Store) *Projector {
	if store == nil {
		store = candles.NewStore()
	}
	return &Projector{
		table:   make(map[string]market.TickerRecord),
		tracked: make(map[string]struct{}),
		candles: store,
	}
}

// Track names the symbols that get their own tick metric series. Ticks for any other symbol
// except the active one are counted under OtherSymbols.
func (p *Projector) Track(symbols ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sym := range symbols {
		p.tracked[sym] = struct{}{}
	}
}

// Apply upserts each record in arrival order (last write wins) and, for the active symbol,
// refreshes the current price and the last candle. It never looks beyond the last candle.
// Records without a positive price are dropped.
func (p *Projector) Apply(batch []market.TickerRecord) {
	if len(batch) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, rec := range batch {
		if rec.Price <= 0 {
			continue
		}
		p.table[rec.Symbol] = rec
		metrics.TicksTotal.WithLabelValues(p.tickLabelLocked(rec.Symbol)).Inc()
		if p.active == "" || rec.Symbol != p.active {
			continue
		}
		p.price = rec.Price
		p.priced = true
		p.candles.ApplyPrice(rec.Symbol, rec.Price)
	}
}

func (p *Projector) tickLabelLocked(symbol string) string {
	if symbol == p.active {
		return symbol
	}
	if _, ok := p.tracked[symbol]; ok {
		return symbol
	}
	return OtherSymbols
}

// Reload replaces the whole table, e.g. after a REST refresh.
func (p *Projector) Reload(records []market.TickerRecord) {
	table := make(map[string]market.TickerRecord, len(records))
	for _, rec := range records {
		table[rec.Symbol] = rec
	}
	p.mu.Lock()
	p.table = table
	if rec, ok := table[p.active]; ok {
		p.price = rec.Price
		p.priced = true
	}
	p.mu.Unlock()
}

// SetActive switches the instrument whose price is tracked. The current price is seeded
// from the table when a ticker for the symbol is already known.
func (p *Projector) SetActive(symbol string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = symbol
	rec, ok := p.table[symbol]
	p.price = rec.Price
	p.priced = ok
}

// Active returns the tracked instrument.
func (p *Projector) Active() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.active
}

// CurrentPrice returns the last price seen for the active instrument.
func (p *Projector) CurrentPrice() (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.price, p.priced
}

// Ticker looks up a single symbol.
func (p *Projector) Ticker(symbol string) (market.TickerRecord, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := p.table[symbol]
	return rec, ok
}

// Table returns a copy of the ticker table sorted by symbol.
func (p *Projector) Table() []market.TickerRecord {
	p.mu.RLock()
	out := make([]market.TickerRecord, 0, len(p.table))
	for _, rec := range p.table {
		out = append(out, rec)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
