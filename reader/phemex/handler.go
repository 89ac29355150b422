package phemex

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"tickflow/config"
	"tickflow/feed"
	"tickflow/instruments"
	"tickflow/internal/channel"
	"tickflow/logger"
	"tickflow/models"
	"tickflow/processor"
	"tickflow/reader"
)

// feedStreams is the send side of one instrument's Feed. Until the Feed has
// been acquired by a consumer, published records are discarded; afterwards
// the trade and book sends block so nothing is lost on the journal path.
type feedStreams struct {
	feed       *feed.Feed
	acquired   atomic.Bool
	trades     chan models.Trade
	bookEvents chan models.OrderBookEvent
	books      chan models.OrderBook
}

// FeedHandler is the Phemex connector: it discovers instruments, maintains
// the websocket subscription and folds the raw stream into per-instrument
// trades, book events and reconstructed books. All mutable book state is
// owned by a single fold goroutine; consumers only see immutable copies.
type FeedHandler struct {
	config   *config.Config
	instance string
	cache    *instruments.Cache

	state       *feed.StateSignal
	raw         *channel.Channels
	subscriber  *reader.WebsocketSubscriber
	normalizer  *Normalizer
	instruments map[string]models.ExchangeInstrument
	ordered     []models.ExchangeInstrument
	books       map[string]*processor.Book

	feedMu sync.RWMutex
	feeds  map[string]*feedStreams

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

// NewFeedHandler creates a Phemex feedhandler in the INITIALIZING state.
// Instruments are discovered when Start is called.
func NewFeedHandler(cfg *config.Config, cache *instruments.Cache) *FeedHandler {
	return &FeedHandler{
		config:      cfg,
		instance:    cfg.Source.Phemex.Instance,
		cache:       cache,
		state:       feed.NewStateSignal(),
		raw:         channel.NewChannels(cfg.Channels.RawBuffer),
		instruments: make(map[string]models.ExchangeInstrument),
		books:       make(map[string]*processor.Book),
		feeds:       make(map[string]*feedStreams),
		wg:          &sync.WaitGroup{},
		log:         logger.GetLogger(),
	}
}

// Scheme implements feed.Handler.
func (h *FeedHandler) Scheme() string { return Scheme }

// Instance implements feed.Handler.
func (h *FeedHandler) Instance() string { return h.instance }

// State implements feed.Handler.
func (h *FeedHandler) State() *feed.StateSignal { return h.state }

// Instruments returns the discovered instruments in symbol order. Empty
// until Start has completed discovery.
func (h *FeedHandler) Instruments() []models.ExchangeInstrument {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]models.ExchangeInstrument(nil), h.ordered...)
}

// GetFeed resolves a feed URI to this handler's feed for the symbol. The
// per-instrument channels are allocated during Start, so repeated calls
// always return the identical Feed.
func (h *FeedHandler) GetFeed(uri string) (*feed.Feed, error) {
	parsed, err := feed.ParseURI(uri)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme != Scheme {
		return nil, fmt.Errorf("%w: got %q, handler serves %q", feed.ErrSchemeMismatch, parsed.Scheme, Scheme)
	}
	if parsed.Instance != h.instance {
		return nil, fmt.Errorf("%w: got %q, handler serves %q", feed.ErrInstanceMismatch, parsed.Instance, h.instance)
	}

	h.mu.RLock()
	instrument, ok := h.instruments[parsed.Symbol]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", feed.ErrUnknownInstrument, parsed.Symbol)
	}

	h.feedMu.RLock()
	fs, ok := h.feeds[parsed.Symbol]
	h.feedMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", feed.ErrUnknownInstrument, instrument.Symbol)
	}
	fs.acquired.Store(true)
	return fs.feed, nil
}

// newFeedStreams allocates the per-instrument channels and their Feed.
func newFeedStreams(instrument models.ExchangeInstrument, size int) *feedStreams {
	fs := &feedStreams{
		trades:     make(chan models.Trade, size),
		bookEvents: make(chan models.OrderBookEvent, size),
		books:      make(chan models.OrderBook, size),
	}
	fs.feed = &feed.Feed{
		Instrument: instrument,
		Trades:     fs.trades,
		BookEvents: fs.bookEvents,
		Books:      fs.books,
	}
	return fs
}

// Start discovers instruments, opens the websocket subscription and runs
// the fold loop until ctx is cancelled.
func (h *FeedHandler) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return fmt.Errorf("phemex feedhandler already running")
	}
	h.running = true
	h.ctx = ctx
	h.mu.Unlock()

	log := h.log.WithComponent("phemex_handler").WithFields(logger.Fields{
		"instance": h.instance,
	})

	if !h.config.Source.Phemex.Enabled {
		log.Warn("phemex source is disabled")
		return fmt.Errorf("phemex source is disabled")
	}

	if err := h.state.Set(feed.StateStarting); err != nil {
		return err
	}

	discovered, err := LoadInstruments(ctx, h.config, h.cache)
	if err != nil {
		h.state.Set(feed.StateStopped)
		return fmt.Errorf("instrument discovery: %w", err)
	}

	h.mu.Lock()
	h.ordered = discovered
	for _, instrument := range discovered {
		h.instruments[instrument.Symbol] = instrument
		h.books[instrument.Symbol] = processor.NewBook(instrument, h.config.Book.AllowGaps)
	}
	h.mu.Unlock()

	h.feedMu.Lock()
	for _, instrument := range discovered {
		h.feeds[instrument.Symbol] = newFeedStreams(instrument, h.config.Channels.FeedBuffer)
	}
	h.feedMu.Unlock()

	h.normalizer = NewNormalizer(h.instruments)
	h.subscriber = reader.NewWebsocketSubscriber(
		h.config, Scheme, h.config.Source.Phemex.WsURL,
		subscriptions(discovered), ValidateAck, h.raw,
	)

	if err := h.subscriber.Start(ctx); err != nil {
		h.state.Set(feed.StateStopped)
		return err
	}

	h.wg.Add(1)
	go h.foldLoop()

	if err := h.state.Set(feed.StateLive); err != nil {
		return err
	}
	log.WithFields(logger.Fields{"instruments": len(discovered)}).Info("phemex feedhandler live")
	return nil
}

// Stop shuts the handler down. The context passed to Start must be
// cancelled first; Stop waits for the workers to exit.
func (h *FeedHandler) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()

	log := h.log.WithComponent("phemex_handler").WithFields(logger.Fields{"instance": h.instance})
	log.Info("stopping phemex feedhandler")

	if h.subscriber != nil {
		h.subscriber.Stop()
	}
	h.wg.Wait()
	h.state.Set(feed.StateStopped)
	log.Info("phemex feedhandler stopped")
}

// subscriptions builds one trade and one orderbook subscribe request per
// instrument, issued in order on every (re)connect.
func subscriptions(instruments []models.ExchangeInstrument) []reader.Subscription {
	subs := make([]reader.Subscription, 0, 2*len(instruments))
	id := 0
	for _, instrument := range instruments {
		id++
		subs = append(subs, reader.Subscription{
			Channel: "trade:" + instrument.Symbol,
			Message: models.PhemexSubscribeMsg{ID: id, Method: "trade.subscribe", Params: []string{instrument.Symbol}},
		})
		id++
		subs = append(subs, reader.Subscription{
			Channel: "orderbook:" + instrument.Symbol,
			Message: models.PhemexSubscribeMsg{ID: id, Method: "orderbook.subscribe", Params: []string{instrument.Symbol}},
		})
	}
	return subs
}

// ValidateAck classifies a frame as a subscribe acknowledgement and reports
// exchange-side rejections, which the subscriber treats as connection
// faults.
func ValidateAck(data []byte) (bool, error) {
	var frame models.PhemexFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		// Not an ack; the fold loop logs undecodable data frames.
		return false, nil
	}
	if frame.Error != nil {
		return true, fmt.Errorf("code %d: %s", frame.Error.Code, frame.Error.Message)
	}
	if frame.ID != nil && frame.Result != nil {
		return true, nil
	}
	return false, nil
}

// foldLoop is the single goroutine owning all book state. It drains the
// raw channel, normalizes each frame and publishes typed records onto the
// per-instrument feed channels.
func (h *FeedHandler) foldLoop() {
	defer h.wg.Done()

	log := h.log.WithComponent("phemex_handler").WithFields(logger.Fields{
		"instance": h.instance,
		"worker":   "fold_loop",
	})

	for {
		select {
		case <-h.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case msg := <-h.raw.Raw:
			h.fold(msg, log)
		}
	}
}

func (h *FeedHandler) fold(msg models.RawMessage, log *logger.Entry) {
	normalized, ok := h.normalizer.Normalize(msg)
	if !ok {
		return
	}

	for _, trade := range normalized.Trades {
		h.publishTrade(trade)
	}

	if evt := normalized.Book; evt != nil {
		book, folded := h.books[evt.Instrument.Symbol].Apply(*evt)
		h.publishBookEvent(*evt, log)
		if folded {
			h.publishBook(book)
		}
	}
}

func (h *FeedHandler) streams(symbol string) *feedStreams {
	h.feedMu.RLock()
	defer h.feedMu.RUnlock()
	return h.feeds[symbol]
}

func (h *FeedHandler) publishTrade(trade models.Trade) {
	fs := h.streams(trade.Instrument.Symbol)
	if fs == nil || !fs.acquired.Load() {
		return
	}
	select {
	case fs.trades <- trade:
	case <-h.ctx.Done():
	}
}

func (h *FeedHandler) publishBookEvent(evt models.OrderBookEvent, log *logger.Entry) {
	fs := h.streams(evt.Instrument.Symbol)
	if fs == nil {
		return
	}
	select {
	case fs.bookEvents <- evt:
	default:
		log.WithFields(logger.Fields{"symbol": evt.Instrument.Symbol}).Warn("book event channel full, dropping event")
	}
}

func (h *FeedHandler) publishBook(book models.OrderBook) {
	fs := h.streams(book.Instrument.Symbol)
	if fs == nil || !fs.acquired.Load() {
		return
	}
	select {
	case fs.books <- book:
	case <-h.ctx.Done():
	}
}

// FeedURI is the canonical URI for one of this handler's instruments.
func (h *FeedHandler) FeedURI(instrument models.ExchangeInstrument) string {
	return strings.Join([]string{Scheme, h.instance, instrument.Symbol}, ":")
}
