package models

import (
	"math"
	"time"
)

// ExchangeInstrument is the immutable identity of one tradable instrument on
// one exchange. Instances are created once during instrument discovery and
// shared read-only by every component afterwards.
type ExchangeInstrument struct {
	Exchange     string
	Symbol       string
	InstrumentID int64
	PriceScale   int
}

// Price converts a raw scaled integer price from the wire into a float64
// using the instrument's declared price scale.
func (i ExchangeInstrument) Price(raw int64) float64 {
	return float64(raw) / math.Pow10(i.PriceScale)
}

// Side of a trade print.
type Side int

const (
	Sell Side = iota
	Buy
)

func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

// Trade is a single normalized trade print. RawPrice keeps the exchange's
// scaled integer representation; Price is derived once at decode time.
type Trade struct {
	Instrument ExchangeInstrument
	TradeID    int64
	Side       Side
	Quantity   float64
	Price      float64
	RawPrice   int64
	Sequence   int64
}

// BookLevel is one price level of an L2 order book. RawPrice is the scaled
// integer price used as the book key; Price is the presentation value.
type BookLevel struct {
	RawPrice int64
	Price    float64
	Quantity float64
}

// OrderBookEventKind discriminates snapshot and incremental book events.
type OrderBookEventKind int

const (
	BookSnapshot OrderBookEventKind = iota
	BookUpdate
)

func (k OrderBookEventKind) String() string {
	if k == BookSnapshot {
		return "snapshot"
	}
	return "update"
}

// OrderBookEvent is a normalized book event. For BookSnapshot the levels
// replace the book wholesale; for BookUpdate each level is an absolute
// replacement at its price, quantity zero removing the level.
type OrderBookEvent struct {
	Instrument ExchangeInstrument
	Kind       OrderBookEventKind
	Bids       []BookLevel
	Asks       []BookLevel
	Sequence   int64
}

// OrderBook is an immutable copy of a reconstructed book, published to feed
// consumers after every accepted fold. Bids are sorted descending by price,
// asks ascending.
type OrderBook struct {
	Instrument   ExchangeInstrument
	Bids         []BookLevel
	Asks         []BookLevel
	LastSequence int64
}

// BestBid returns the highest bid, or nil if the book has no bid levels.
func (b *OrderBook) BestBid() *BookLevel {
	if len(b.Bids) == 0 {
		return nil
	}
	return &b.Bids[0]
}

// BestAsk returns the lowest ask, or nil if the book has no ask levels.
func (b *OrderBook) BestAsk() *BookLevel {
	if len(b.Asks) == 0 {
		return nil
	}
	return &b.Asks[0]
}

// RawMessage wraps one wire frame on its way from the stream subscriber to
// the normalizer. Channel names the logical subscription (trade, orderbook).
type RawMessage struct {
	Exchange  string
	Symbol    string
	Channel   string
	Data      []byte
	Timestamp time.Time
}

// TopOfBook is a flattened best-bid/best-ask tick used by the optional
// parquet archiver. Zero quantities mean the side had no levels.
type TopOfBook struct {
	Exchange  string
	Symbol    string
	Timestamp int64
	Sequence  int64
	BidPrice  float64
	BidQty    float64
	AskPrice  float64
	AskQty    float64
}
