package writer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	appconfig "tickflow/config"
	"tickflow/feed"
	"tickflow/journal"
	"tickflow/logger"
	"tickflow/models"
)

// journalFlushInterval bounds how long an appended record can sit in the
// write buffer before reaching disk.
const journalFlushInterval = time.Second

// JournalWriter persists every emitted trade and top-of-book tick for a
// handler's instruments to the binary journal. It waits for the handler to
// go LIVE, acquires each instrument's feed through the registry and runs
// one append worker per instrument.
type JournalWriter struct {
	config   *appconfig.Config
	registry *feed.Registry
	handler  feed.Handler
	journal  *journal.Journal
	archiver *Archiver

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

// NewJournalWriter creates a journal writer for handler's instruments.
// archiver may be nil; when set, every book tick is also offered to it.
func NewJournalWriter(cfg *appconfig.Config, registry *feed.Registry, handler feed.Handler, archiver *Archiver) *JournalWriter {
	return &JournalWriter{
		config:   cfg,
		registry: registry,
		handler:  handler,
		journal:  journal.NewJournal(cfg.Journal.BaseDir, cfg.Journal.Dataset),
		archiver: archiver,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

// Start verifies the journal directory is writable and launches the state
// watcher. An unwritable directory is a fatal startup fault.
func (w *JournalWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("journal writer already running")
	}
	w.running = true
	w.ctx = ctx
	w.mu.Unlock()

	log := w.log.WithComponent("journal_writer").WithFields(logger.Fields{"operation": "start"})

	if err := journal.CheckWritable(w.config.Journal.BaseDir); err != nil {
		return err
	}

	log.WithFields(logger.Fields{
		"base_dir": w.config.Journal.BaseDir,
		"dataset":  w.config.Journal.Dataset,
		"books":    w.config.Journal.Books,
	}).Info("starting journal writer")

	w.wg.Add(2)
	go w.watchState()
	go w.flushWorker()

	return nil
}

// Stop waits for all append workers and closes the journal files.
func (w *JournalWriter) Stop() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	log := w.log.WithComponent("journal_writer")
	log.Info("stopping journal writer")
	w.wg.Wait()
	if err := w.journal.Close(); err != nil {
		log.WithError(err).Error("failed to close journal files")
	}
	log.Info("journal writer stopped")
}

// watchState waits for the handler to reach LIVE, then acquires every
// instrument's feed and spawns the append workers.
func (w *JournalWriter) watchState() {
	defer w.wg.Done()

	log := w.log.WithComponent("journal_writer").WithFields(logger.Fields{"worker": "state_watch"})
	states := w.handler.State().Watch()

	for {
		select {
		case <-w.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case state := <-states:
			switch state {
			case feed.StateLive:
				w.subscribeAll(log)
				return
			case feed.StateStopped:
				log.Info("handler stopped before going live")
				return
			}
		}
	}
}

func (w *JournalWriter) subscribeAll(log *logger.Entry) {
	scheme := w.handler.Scheme()
	instance := w.handler.Instance()

	for _, instrument := range w.handler.Instruments() {
		uri := strings.Join([]string{scheme, instance, instrument.Symbol}, ":")
		f, err := w.registry.GetFeed(uri)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"uri": uri}).Error("failed to acquire feed")
			continue
		}
		w.wg.Add(1)
		go w.consume(f)
	}
	log.WithFields(logger.Fields{"instruments": len(w.handler.Instruments())}).Info("journal workers started")
}

// consume appends every trade and book tick for one instrument.
func (w *JournalWriter) consume(f *feed.Feed) {
	defer w.wg.Done()

	log := w.log.WithComponent("journal_writer").WithFields(logger.Fields{
		"symbol": f.Instrument.Symbol,
		"worker": "append",
	})

	for {
		select {
		case <-w.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case trade := <-f.Trades:
			if err := w.journal.AppendTrade(trade, time.Now().UTC()); err != nil {
				log.WithError(err).Error("failed to append trade record")
			}
		case book := <-f.Books:
			w.appendBook(book, log)
		}
	}
}

func (w *JournalWriter) appendBook(book models.OrderBook, log *logger.Entry) {
	now := time.Now().UTC()
	if w.config.Journal.Books {
		if err := w.journal.AppendBookTick(book, now); err != nil {
			log.WithError(err).Error("failed to append book record")
		}
	}
	if w.archiver != nil {
		tob := models.TopOfBook{
			Exchange:  book.Instrument.Exchange,
			Symbol:    book.Instrument.Symbol,
			Timestamp: now.UnixMilli(),
			Sequence:  book.LastSequence,
		}
		if bid := book.BestBid(); bid != nil {
			tob.BidPrice = bid.Price
			tob.BidQty = bid.Quantity
		}
		if ask := book.BestAsk(); ask != nil {
			tob.AskPrice = ask.Price
			tob.AskQty = ask.Quantity
		}
		w.archiver.Offer(tob)
	}
}

func (w *JournalWriter) flushWorker() {
	defer w.wg.Done()

	ticker := time.NewTicker(journalFlushInterval)
	defer ticker.Stop()

	log := w.log.WithComponent("journal_writer").WithFields(logger.Fields{"worker": "flush"})
	for {
		select {
		case <-w.ctx.Done():
			if err := w.journal.Flush(); err != nil {
				log.WithError(err).Error("final journal flush failed")
			}
			log.Info("flush worker stopped due to context cancellation")
			return
		case <-ticker.C:
			if err := w.journal.Flush(); err != nil {
				log.WithError(err).Error("journal flush failed")
			}
		}
	}
}
