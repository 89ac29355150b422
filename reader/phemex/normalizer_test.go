package phemex

import (
	"testing"
	"time"

	"tickflow/models"
)

func testInstruments() map[string]models.ExchangeInstrument {
	return map[string]models.ExchangeInstrument{
		"BTCUSD": {Exchange: Scheme, Symbol: "BTCUSD", InstrumentID: 1, PriceScale: 4},
	}
}

func rawMsg(data string) models.RawMessage {
	return models.RawMessage{
		Exchange:  Scheme,
		Data:      []byte(data),
		Timestamp: time.Now(),
	}
}

func TestNormalizeTradeTuple(t *testing.T) {
	n := NewNormalizer(testInstruments())

	out, ok := n.Normalize(rawMsg(`{
		"type": "incremental",
		"symbol": "BTCUSD",
		"sequence": 42,
		"trades": [[555, "Buy", 3427800, 2.5]]
	}`))
	if !ok {
		t.Fatal("expected trade frame to normalize")
	}
	if len(out.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(out.Trades))
	}

	trade := out.Trades[0]
	if trade.TradeID != 555 {
		t.Fatalf("expected trade id 555, got %d", trade.TradeID)
	}
	if trade.Side != models.Buy {
		t.Fatalf("expected Buy, got %s", trade.Side)
	}
	if trade.Price != 342.78 {
		t.Fatalf("expected price 342.78, got %v", trade.Price)
	}
	if trade.Quantity != 2.5 {
		t.Fatalf("expected quantity 2.5, got %v", trade.Quantity)
	}
	if trade.Sequence != 42 {
		t.Fatalf("expected sequence 42, got %d", trade.Sequence)
	}
}

func TestNormalizeTradeSnapshotSkipped(t *testing.T) {
	n := NewNormalizer(testInstruments())

	_, ok := n.Normalize(rawMsg(`{
		"type": "snapshot",
		"symbol": "BTCUSD",
		"sequence": 1,
		"trades": [[1, "Sell", 1000, 1]]
	}`))
	if ok {
		t.Fatal("expected trade snapshot replay to be skipped")
	}
}

func TestNormalizeBookSnapshot(t *testing.T) {
	n := NewNormalizer(testInstruments())

	out, ok := n.Normalize(rawMsg(`{
		"type": "snapshot",
		"symbol": "BTCUSD",
		"sequence": 7,
		"book": {"bids": [[1000000, 5]], "asks": [[1010000, 3]]}
	}`))
	if !ok || out.Book == nil {
		t.Fatal("expected book snapshot to normalize")
	}

	evt := out.Book
	if evt.Kind != models.BookSnapshot {
		t.Fatalf("expected snapshot kind, got %s", evt.Kind)
	}
	if evt.Sequence != 7 {
		t.Fatalf("expected sequence 7, got %d", evt.Sequence)
	}
	if len(evt.Bids) != 1 || evt.Bids[0].Price != 100.0 || evt.Bids[0].Quantity != 5 {
		t.Fatalf("unexpected bids: %+v", evt.Bids)
	}
	if len(evt.Asks) != 1 || evt.Asks[0].Price != 101.0 || evt.Asks[0].Quantity != 3 {
		t.Fatalf("unexpected asks: %+v", evt.Asks)
	}
}

func TestNormalizeBookIncremental(t *testing.T) {
	n := NewNormalizer(testInstruments())

	out, ok := n.Normalize(rawMsg(`{
		"type": "incremental",
		"symbol": "BTCUSD",
		"sequence": 8,
		"book": {"bids": [[1000000, 0]], "asks": []}
	}`))
	if !ok || out.Book == nil {
		t.Fatal("expected book update to normalize")
	}
	if out.Book.Kind != models.BookUpdate {
		t.Fatalf("expected update kind, got %s", out.Book.Kind)
	}
	if out.Book.Bids[0].Quantity != 0 {
		t.Fatalf("expected removal level, got %+v", out.Book.Bids[0])
	}
}

func TestNormalizeControlFramesIgnored(t *testing.T) {
	n := NewNormalizer(testInstruments())

	for _, data := range []string{
		`{"id": 1, "result": {"status": "success"}}`,
		`{"result": "pong"}`,
		`{}`,
	} {
		if _, ok := n.Normalize(rawMsg(data)); ok {
			t.Fatalf("expected control frame to be ignored: %s", data)
		}
	}
}

func TestNormalizeMalformedDropped(t *testing.T) {
	n := NewNormalizer(testInstruments())

	for _, data := range []string{
		`not json`,
		`{"type": "incremental", "symbol": "BTCUSD", "trades": [[555, "Buy", 3427800]]}`,
		`{"type": "incremental", "symbol": "BTCUSD", "trades": [[555, "Hold", 3427800, 2.5]]}`,
		`{"type": "incremental", "symbol": "BTCUSD", "book": {"bids": [["abc", 1]], "asks": []}}`,
	} {
		if _, ok := n.Normalize(rawMsg(data)); ok {
			t.Fatalf("expected malformed frame to be dropped: %s", data)
		}
	}
}

func TestNormalizeUnknownSymbolDropped(t *testing.T) {
	n := NewNormalizer(testInstruments())

	_, ok := n.Normalize(rawMsg(`{
		"type": "incremental",
		"symbol": "DOGEUSD",
		"trades": [[1, "Buy", 100, 1]]
	}`))
	if ok {
		t.Fatal("expected unknown symbol frame to be dropped")
	}
}

func TestValidateAck(t *testing.T) {
	isAck, err := ValidateAck([]byte(`{"id": 1, "result": {"status": "success"}}`))
	if !isAck || err != nil {
		t.Fatalf("expected clean ack, got isAck=%v err=%v", isAck, err)
	}

	isAck, err = ValidateAck([]byte(`{"error": {"code": 6001, "message": "invalid argument"}}`))
	if !isAck || err == nil {
		t.Fatalf("expected rejected ack, got isAck=%v err=%v", isAck, err)
	}

	isAck, err = ValidateAck([]byte(`{"type": "incremental", "symbol": "BTCUSD", "sequence": 1}`))
	if isAck || err != nil {
		t.Fatalf("expected data frame, got isAck=%v err=%v", isAck, err)
	}
}
