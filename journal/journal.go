package journal

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tickflow/logger"
	"tickflow/models"
)

// Record-kind directory suffixes under the journal base directory.
const (
	tradesSuffix = "_TRADES"
	booksSuffix  = "_BOOKS"
)

// Fixed portions of the encoded record sizes, used for write accounting.
const (
	tradeRecordSize = 8 + 8 + 8 + 4 + 2 + 8 + 8
	bookRecordSize  = 5 * 8
)

type appendFile struct {
	f *os.File
	w *bufio.Writer
}

// Journal appends normalized trades and top-of-book ticks to per-instrument
// binary log files, one file per instrument per record kind under
// {base_dir}/{dataset}_TRADES/{code} and {base_dir}/{dataset}_BOOKS/{code}.
// Files are opened lazily on first append and only ever appended to.
type Journal struct {
	baseDir string
	dataset string

	mu    sync.Mutex
	files map[string]*appendFile

	log *logger.Entry
}

// NewJournal returns a journal rooted at baseDir for the named dataset.
func NewJournal(baseDir, dataset string) *Journal {
	return &Journal{
		baseDir: baseDir,
		dataset: dataset,
		files:   make(map[string]*appendFile),
		log: logger.GetLogger().WithComponent("journal").WithFields(logger.Fields{
			"base_dir": baseDir,
			"dataset":  dataset,
		}),
	}
}

// CheckWritable verifies the journal base directory can be created and
// written. It is called once at startup; failure is fatal.
func CheckWritable(baseDir string) error {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return fmt.Errorf("journal directory %s not writable: %w", baseDir, err)
	}
	probe, err := os.CreateTemp(baseDir, ".probe-*")
	if err != nil {
		return fmt.Errorf("journal directory %s not writable: %w", baseDir, err)
	}
	name := probe.Name()
	probe.Close()
	os.Remove(name)
	return nil
}

func (j *Journal) path(suffix, code string) string {
	return filepath.Join(j.baseDir, j.dataset+suffix, code)
}

func (j *Journal) open(suffix, code string) (*appendFile, error) {
	key := suffix + "/" + code
	if af, ok := j.files[key]; ok {
		return af, nil
	}

	path := j.path(suffix, code)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}

	af := &appendFile{f: f, w: bufio.NewWriter(f)}
	j.files[key] = af

	j.log.WithFields(logger.Fields{"path": path}).Info("Opened journal file")
	return af, nil
}

// AppendTrade writes one trade record for trade's instrument.
func (j *Journal) AppendTrade(trade models.Trade, ts time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	af, err := j.open(tradesSuffix, trade.Instrument.Symbol)
	if err != nil {
		return err
	}

	side := int16(0)
	if trade.Side == models.Buy {
		side = 1
	}
	rec := TradeRecord{
		Timestamp:  float64(ts.UnixNano()) / float64(time.Second),
		TradeID:    trade.TradeID,
		Instrument: trade.Instrument.Symbol,
		Side:       side,
		Quantity:   trade.Quantity,
		Price:      trade.Price,
	}
	if err := EncodeTrade(af.w, rec); err != nil {
		return fmt.Errorf("append trade record: %w", err)
	}
	logger.IncrementJournalWrite(tradeRecordSize + len(rec.Instrument))
	return nil
}

// AppendBookTick writes one top-of-book record for book's instrument,
// zero-filling a side with no levels.
func (j *Journal) AppendBookTick(book models.OrderBook, ts time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	af, err := j.open(booksSuffix, book.Instrument.Symbol)
	if err != nil {
		return err
	}

	rec := BookRecord{Timestamp: float64(ts.UnixNano()) / float64(time.Second)}
	if bid := book.BestBid(); bid != nil {
		rec.BidQty = bid.Quantity
		rec.BidPx = bid.Price
	}
	if ask := book.BestAsk(); ask != nil {
		rec.AskQty = ask.Quantity
		rec.AskPx = ask.Price
	}
	if err := EncodeBookTick(af.w, rec); err != nil {
		return fmt.Errorf("append book record: %w", err)
	}
	logger.IncrementJournalWrite(bookRecordSize)
	return nil
}

// Flush pushes buffered records to disk.
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	for key, af := range j.files {
		if err := af.w.Flush(); err != nil {
			return fmt.Errorf("flush journal %s: %w", key, err)
		}
	}
	return nil
}

// Close flushes and closes every open journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var firstErr error
	for key, af := range j.files {
		if err := af.w.Flush(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("flush journal %s: %w", key, err)
		}
		if err := af.f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close journal %s: %w", key, err)
		}
		delete(j.files, key)
	}
	return firstErr
}
