package phemex

import (
	"encoding/json"
	"fmt"

	"tickflow/logger"
	"tickflow/models"
)

// Normalized is the typed result of decoding one wire frame. A frame yields
// trades, a book event, or neither (control traffic).
type Normalized struct {
	Trades []models.Trade
	Book   *models.OrderBookEvent
}

// Normalizer decodes Phemex wire frames into canonical records, applying
// each instrument's price scale. Malformed frames are dropped with a
// warning; the connection is not affected.
type Normalizer struct {
	instruments map[string]models.ExchangeInstrument
	log         *logger.Entry
}

// NewNormalizer builds a normalizer for the given symbol table.
func NewNormalizer(bysymbol map[string]models.ExchangeInstrument) *Normalizer {
	return &Normalizer{
		instruments: bysymbol,
		log:         logger.GetLogger().WithComponent("phemex_normalizer"),
	}
}

// Normalize decodes one raw message. ok is false when the frame carried no
// market data, whether control traffic or a dropped malformed frame.
func (n *Normalizer) Normalize(raw models.RawMessage) (Normalized, bool) {
	var frame models.PhemexFrame
	if err := json.Unmarshal(raw.Data, &frame); err != nil {
		n.log.WithError(err).Warn("dropping undecodable frame")
		return Normalized{}, false
	}

	// Subscribe acks and heartbeats carry no type discriminator.
	if frame.Type != "snapshot" && frame.Type != "incremental" {
		return Normalized{}, false
	}

	instrument, ok := n.instruments[frame.Symbol]
	if !ok {
		n.log.WithFields(logger.Fields{"symbol": frame.Symbol}).Warn("dropping frame for unknown symbol")
		return Normalized{}, false
	}

	if len(frame.Trades) > 0 {
		// A trade snapshot replays recent history on subscribe; only live
		// incremental trades are published.
		if frame.Type != "incremental" {
			return Normalized{}, false
		}
		trades, err := n.decodeTrades(instrument, frame)
		if err != nil {
			n.log.WithError(err).WithFields(logger.Fields{"symbol": frame.Symbol}).Warn("dropping malformed trade frame")
			return Normalized{}, false
		}
		logger.IncrementTradeRead(len(raw.Data))
		return Normalized{Trades: trades}, true
	}

	if len(frame.Book) > 0 {
		event, err := n.decodeBook(instrument, frame)
		if err != nil {
			n.log.WithError(err).WithFields(logger.Fields{"symbol": frame.Symbol}).Warn("dropping malformed book frame")
			return Normalized{}, false
		}
		logger.IncrementBookRead(len(raw.Data))
		return Normalized{Book: event}, true
	}

	return Normalized{}, false
}

// decodeTrades parses the [trade_id, side, scaled_price, quantity] tuples.
func (n *Normalizer) decodeTrades(instrument models.ExchangeInstrument, frame models.PhemexFrame) ([]models.Trade, error) {
	var tuples [][]json.RawMessage
	if err := json.Unmarshal(frame.Trades, &tuples); err != nil {
		return nil, fmt.Errorf("trades field: %w", err)
	}

	trades := make([]models.Trade, 0, len(tuples))
	for i, tuple := range tuples {
		if len(tuple) != 4 {
			return nil, fmt.Errorf("trade tuple %d: expected 4 fields, got %d", i, len(tuple))
		}

		var tradeID int64
		if err := json.Unmarshal(tuple[0], &tradeID); err != nil {
			return nil, fmt.Errorf("trade tuple %d id: %w", i, err)
		}
		var sideStr string
		if err := json.Unmarshal(tuple[1], &sideStr); err != nil {
			return nil, fmt.Errorf("trade tuple %d side: %w", i, err)
		}
		var rawPrice int64
		if err := json.Unmarshal(tuple[2], &rawPrice); err != nil {
			return nil, fmt.Errorf("trade tuple %d price: %w", i, err)
		}
		var quantity float64
		if err := json.Unmarshal(tuple[3], &quantity); err != nil {
			return nil, fmt.Errorf("trade tuple %d quantity: %w", i, err)
		}

		side, err := parseSide(sideStr)
		if err != nil {
			return nil, fmt.Errorf("trade tuple %d: %w", i, err)
		}

		trades = append(trades, models.Trade{
			Instrument: instrument,
			TradeID:    tradeID,
			Side:       side,
			Quantity:   quantity,
			Price:      instrument.Price(rawPrice),
			RawPrice:   rawPrice,
			Sequence:   frame.Sequence,
		})
	}
	return trades, nil
}

// decodeBook parses the bids/asks [scaled_price, quantity] pairs.
func (n *Normalizer) decodeBook(instrument models.ExchangeInstrument, frame models.PhemexFrame) (*models.OrderBookEvent, error) {
	var book models.PhemexBook
	if err := json.Unmarshal(frame.Book, &book); err != nil {
		return nil, fmt.Errorf("book field: %w", err)
	}

	bids, err := decodeLevels(instrument, book.Bids)
	if err != nil {
		return nil, fmt.Errorf("bids: %w", err)
	}
	asks, err := decodeLevels(instrument, book.Asks)
	if err != nil {
		return nil, fmt.Errorf("asks: %w", err)
	}

	kind := models.BookUpdate
	if frame.Type == "snapshot" {
		kind = models.BookSnapshot
	}
	return &models.OrderBookEvent{
		Instrument: instrument,
		Kind:       kind,
		Bids:       bids,
		Asks:       asks,
		Sequence:   frame.Sequence,
	}, nil
}

func decodeLevels(instrument models.ExchangeInstrument, pairs [][2]json.Number) ([]models.BookLevel, error) {
	levels := make([]models.BookLevel, 0, len(pairs))
	for i, pair := range pairs {
		rawPrice, err := pair[0].Int64()
		if err != nil {
			return nil, fmt.Errorf("level %d price: %w", i, err)
		}
		quantity, err := pair[1].Float64()
		if err != nil {
			return nil, fmt.Errorf("level %d quantity: %w", i, err)
		}
		levels = append(levels, models.BookLevel{
			RawPrice: rawPrice,
			Price:    instrument.Price(rawPrice),
			Quantity: quantity,
		})
	}
	return levels, nil
}

func parseSide(s string) (models.Side, error) {
	switch s {
	case "Buy":
		return models.Buy, nil
	case "Sell":
		return models.Sell, nil
	default:
		return models.Sell, fmt.Errorf("unknown trade side %q", s)
	}
}
