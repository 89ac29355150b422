package writer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	appconfig "tickflow/config"
	"tickflow/feed"
	"tickflow/journal"
	"tickflow/logger"
	"tickflow/models"
)

type fakeHandler struct {
	instrument models.ExchangeInstrument
	state      *feed.StateSignal

	trades chan models.Trade
	events chan models.OrderBookEvent
	books  chan models.OrderBook
	feed   *feed.Feed

	mu        sync.Mutex
	feedCalls int
}

func newFakeHandler() *fakeHandler {
	h := &fakeHandler{
		instrument: models.ExchangeInstrument{Exchange: "phemex", Symbol: "BTCUSD", InstrumentID: 1, PriceScale: 4},
		state:      feed.NewStateSignal(),
		trades:     make(chan models.Trade, 16),
		events:     make(chan models.OrderBookEvent, 16),
		books:      make(chan models.OrderBook, 16),
	}
	h.feed = &feed.Feed{
		Instrument: h.instrument,
		Trades:     h.trades,
		BookEvents: h.events,
		Books:      h.books,
	}
	return h
}

func (h *fakeHandler) Scheme() string                  { return "phemex" }
func (h *fakeHandler) Instance() string                { return "test" }
func (h *fakeHandler) State() *feed.StateSignal        { return h.state }
func (h *fakeHandler) Start(ctx context.Context) error { return nil }
func (h *fakeHandler) Stop()                           {}

func (h *fakeHandler) Instruments() []models.ExchangeInstrument {
	return []models.ExchangeInstrument{h.instrument}
}

func (h *fakeHandler) GetFeed(uri string) (*feed.Feed, error) {
	h.mu.Lock()
	h.feedCalls++
	h.mu.Unlock()
	return h.feed, nil
}

func journalConfig(dir string) *appconfig.Config {
	return &appconfig.Config{
		Journal: appconfig.JournalConfig{
			Enabled: true,
			BaseDir: dir,
			Dataset: "PHEMEX",
			Books:   true,
		},
	}
}

func TestJournalWriterPersistsTradesAndBooks(t *testing.T) {
	dir := t.TempDir()
	h := newFakeHandler()

	registry := feed.NewRegistry()
	if err := registry.Register(h); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	w := NewJournalWriter(journalConfig(dir), registry, h, nil)

	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := h.state.Set(feed.StateStarting); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := h.state.Set(feed.StateLive); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	h.trades <- models.Trade{Instrument: h.instrument, TradeID: 555, Side: models.Buy, Quantity: 2.5, Price: 342.78}
	h.books <- models.OrderBook{
		Instrument: h.instrument,
		Bids:       []models.BookLevel{{Price: 100.0, Quantity: 5}},
		Asks:       []models.BookLevel{{Price: 101.0, Quantity: 3}},
	}

	tradePath := filepath.Join(dir, "PHEMEX_TRADES", "BTCUSD")
	bookPath := filepath.Join(dir, "PHEMEX_BOOKS", "BTCUSD")
	waitForFile(t, tradePath)
	waitForFile(t, bookPath)

	cancel()
	w.Stop()

	tf, err := os.Open(tradePath)
	if err != nil {
		t.Fatalf("open trade journal: %v", err)
	}
	defer tf.Close()
	trade, err := journal.DecodeTrade(tf)
	if err != nil {
		t.Fatalf("DecodeTrade failed: %v", err)
	}
	if trade.TradeID != 555 || trade.Side != 1 || trade.Price != 342.78 || trade.Instrument != "BTCUSD" {
		t.Fatalf("unexpected trade record: %+v", trade)
	}

	bf, err := os.Open(bookPath)
	if err != nil {
		t.Fatalf("open book journal: %v", err)
	}
	defer bf.Close()
	tick, err := journal.DecodeBookTick(bf)
	if err != nil {
		t.Fatalf("DecodeBookTick failed: %v", err)
	}
	if tick.BidPx != 100.0 || tick.BidQty != 5 || tick.AskPx != 101.0 || tick.AskQty != 3 {
		t.Fatalf("unexpected book record: %+v", tick)
	}
}

// waitForFile polls until the journal file exists and holds data.
func waitForFile(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if info, err := os.Stat(path); err == nil && info.Size() > 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for journal file %s", path)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestJournalWriterBooksDisabled(t *testing.T) {
	dir := t.TempDir()
	h := newFakeHandler()

	registry := feed.NewRegistry()
	if err := registry.Register(h); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	cfg := journalConfig(dir)
	cfg.Journal.Books = false
	w := NewJournalWriter(cfg, registry, h, nil)

	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.state.Set(feed.StateStarting)
	h.state.Set(feed.StateLive)

	h.trades <- models.Trade{Instrument: h.instrument, TradeID: 1, Side: models.Sell, Quantity: 1, Price: 100}
	h.books <- models.OrderBook{Instrument: h.instrument}

	waitForFile(t, filepath.Join(dir, "PHEMEX_TRADES", "BTCUSD"))

	cancel()
	w.Stop()

	if _, err := os.Stat(filepath.Join(dir, "PHEMEX_BOOKS", "BTCUSD")); !os.IsNotExist(err) {
		t.Fatalf("expected no book journal, stat err: %v", err)
	}
}

func TestJournalWriterUnwritableDirIsFatal(t *testing.T) {
	h := newFakeHandler()
	registry := feed.NewRegistry()
	if err := registry.Register(h); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	cfg := journalConfig("/proc/tickflow-nonexistent/journal")
	w := NewJournalWriter(cfg, registry, h, nil)
	if err := w.Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail on unwritable journal directory")
	}
}

func TestArchiverParquetBatch(t *testing.T) {
	cfg := &appconfig.Config{
		Tickflow: appconfig.TickflowConfig{Name: "tickflow", Version: "1.0.0"},
		Storage: appconfig.StorageConfig{
			S3: appconfig.S3Config{Compression: "snappy"},
		},
	}
	a := &Archiver{config: cfg, log: logger.GetLogger()}

	ticks := []models.TopOfBook{
		{Exchange: "phemex", Symbol: "BTCUSD", Timestamp: 1756500000000, Sequence: 1, BidPrice: 100, BidQty: 5, AskPrice: 101, AskQty: 3},
		{Exchange: "phemex", Symbol: "BTCUSD", Timestamp: 1756500001000, Sequence: 2, AskPrice: 101.5, AskQty: 2},
	}
	data, err := a.createParquetFile(ticks)
	if err != nil {
		t.Fatalf("createParquetFile failed: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty parquet payload")
	}
	// PAR1 magic at both ends of the file.
	if string(data[:4]) != "PAR1" || string(data[len(data)-4:]) != "PAR1" {
		t.Fatal("payload is not a parquet file")
	}
}

func TestArchiverS3KeyLayout(t *testing.T) {
	a := &Archiver{config: &appconfig.Config{}, log: logger.GetLogger()}
	ts := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	key := a.s3Key("BTCUSD", "phemex", ts)
	if !strings.HasPrefix(key, "exchange=phemex/symbol=BTCUSD/2026/08/30/phemex_tob_BTCUSD_20260830120000_") {
		t.Fatalf("unexpected key layout: %s", key)
	}
	if !strings.HasSuffix(key, ".parquet") {
		t.Fatalf("expected parquet suffix: %s", key)
	}
}
