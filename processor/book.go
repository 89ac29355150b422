package processor

import (
	"sort"

	"tickflow/logger"
	"tickflow/models"
)

// Book reconstructs one instrument's L2 order book from a stream of
// snapshot and incremental events. It is owned by a single fold goroutine;
// no internal locking is performed. Prices are keyed by their raw scaled
// integer representation so repeated folds never accumulate float error.
type Book struct {
	instrument models.ExchangeInstrument

	bids map[int64]float64
	asks map[int64]float64

	// bidPrices and askPrices are kept sorted ascending; best bid is the
	// last bid price, best ask the first ask price.
	bidPrices []int64
	askPrices []int64

	lastSequence int64
	valid        bool
	allowGaps    bool

	log *logger.Log
}

// NewBook creates an empty book for the instrument. Until the first snapshot
// arrives the book is invalid and reports no levels. With allowGaps set,
// updates with any strictly greater sequence are folded; otherwise a sequence
// gap discards the book until the next snapshot.
func NewBook(instrument models.ExchangeInstrument, allowGaps bool) *Book {
	return &Book{
		instrument: instrument,
		bids:       make(map[int64]float64),
		asks:       make(map[int64]float64),
		allowGaps:  allowGaps,
		log:        logger.GetLogger(),
	}
}

// Apply folds one event into the book. It returns an immutable copy of the
// resulting book and true when the event was accepted, or false when the
// event was discarded (stale sequence, gap, or update before first snapshot).
func (b *Book) Apply(evt models.OrderBookEvent) (models.OrderBook, bool) {
	switch evt.Kind {
	case models.BookSnapshot:
		b.reset(evt)
		return b.Snapshot(), true
	default:
		return b.applyUpdate(evt)
	}
}

func (b *Book) reset(evt models.OrderBookEvent) {
	b.bids = make(map[int64]float64, len(evt.Bids))
	b.asks = make(map[int64]float64, len(evt.Asks))
	b.bidPrices = b.bidPrices[:0]
	b.askPrices = b.askPrices[:0]

	for _, lvl := range evt.Bids {
		if lvl.Quantity == 0 {
			continue
		}
		b.bids[lvl.RawPrice] = lvl.Quantity
		b.bidPrices = append(b.bidPrices, lvl.RawPrice)
	}
	for _, lvl := range evt.Asks {
		if lvl.Quantity == 0 {
			continue
		}
		b.asks[lvl.RawPrice] = lvl.Quantity
		b.askPrices = append(b.askPrices, lvl.RawPrice)
	}
	sort.Slice(b.bidPrices, func(i, j int) bool { return b.bidPrices[i] < b.bidPrices[j] })
	sort.Slice(b.askPrices, func(i, j int) bool { return b.askPrices[i] < b.askPrices[j] })

	b.lastSequence = evt.Sequence
	b.valid = true
}

func (b *Book) applyUpdate(evt models.OrderBookEvent) (models.OrderBook, bool) {
	log := b.log.WithComponent("book_builder").WithFields(logger.Fields{
		"symbol":   b.instrument.Symbol,
		"sequence": evt.Sequence,
		"last":     b.lastSequence,
	})

	if !b.valid {
		log.Debug("dropping update before first snapshot")
		return models.OrderBook{}, false
	}
	if evt.Sequence <= b.lastSequence {
		log.Debug("dropping stale or duplicate update")
		return models.OrderBook{}, false
	}
	if evt.Sequence != b.lastSequence+1 && !b.allowGaps {
		logger.IncrementSequenceGap()
		log.Warn("sequence gap, discarding book until next snapshot")
		b.invalidate()
		return models.OrderBook{}, false
	}

	for _, lvl := range evt.Bids {
		b.setLevel(b.bids, &b.bidPrices, lvl)
	}
	for _, lvl := range evt.Asks {
		b.setLevel(b.asks, &b.askPrices, lvl)
	}
	b.lastSequence = evt.Sequence
	return b.Snapshot(), true
}

func (b *Book) invalidate() {
	b.bids = make(map[int64]float64)
	b.asks = make(map[int64]float64)
	b.bidPrices = b.bidPrices[:0]
	b.askPrices = b.askPrices[:0]
	b.valid = false
}

// setLevel applies one absolute level replacement: quantity zero removes the
// price, anything else sets it.
func (b *Book) setLevel(side map[int64]float64, prices *[]int64, lvl models.BookLevel) {
	_, exists := side[lvl.RawPrice]
	if lvl.Quantity == 0 {
		if exists {
			delete(side, lvl.RawPrice)
			i := sort.Search(len(*prices), func(i int) bool { return (*prices)[i] >= lvl.RawPrice })
			*prices = append((*prices)[:i], (*prices)[i+1:]...)
		}
		return
	}

	side[lvl.RawPrice] = lvl.Quantity
	if !exists {
		i := sort.Search(len(*prices), func(i int) bool { return (*prices)[i] >= lvl.RawPrice })
		*prices = append(*prices, 0)
		copy((*prices)[i+1:], (*prices)[i:])
		(*prices)[i] = lvl.RawPrice
	}
}

// BestBid returns the highest bid level, or false when the book has no bids.
func (b *Book) BestBid() (models.BookLevel, bool) {
	if len(b.bidPrices) == 0 {
		return models.BookLevel{}, false
	}
	raw := b.bidPrices[len(b.bidPrices)-1]
	return b.level(raw, b.bids[raw]), true
}

// BestAsk returns the lowest ask level, or false when the book has no asks.
func (b *Book) BestAsk() (models.BookLevel, bool) {
	if len(b.askPrices) == 0 {
		return models.BookLevel{}, false
	}
	raw := b.askPrices[0]
	return b.level(raw, b.asks[raw]), true
}

// Valid reports whether the book has been initialized by a snapshot and has
// not been discarded by a sequence gap since.
func (b *Book) Valid() bool {
	return b.valid
}

// LastSequence returns the sequence of the last accepted event.
func (b *Book) LastSequence() int64 {
	return b.lastSequence
}

// Snapshot returns an immutable copy of the book with bids sorted descending
// and asks ascending by price.
func (b *Book) Snapshot() models.OrderBook {
	book := models.OrderBook{
		Instrument:   b.instrument,
		Bids:         make([]models.BookLevel, 0, len(b.bidPrices)),
		Asks:         make([]models.BookLevel, 0, len(b.askPrices)),
		LastSequence: b.lastSequence,
	}
	for i := len(b.bidPrices) - 1; i >= 0; i-- {
		raw := b.bidPrices[i]
		book.Bids = append(book.Bids, b.level(raw, b.bids[raw]))
	}
	for _, raw := range b.askPrices {
		book.Asks = append(book.Asks, b.level(raw, b.asks[raw]))
	}
	return book
}

func (b *Book) level(raw int64, qty float64) models.BookLevel {
	return models.BookLevel{
		RawPrice: raw,
		Price:    b.instrument.Price(raw),
		Quantity: qty,
	}
}
