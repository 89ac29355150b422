package journal

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Binary record layouts, all fields little-endian, fixed width, no record
// header or footer. Strings are int32-length-prefixed UTF-8.
//
// Trade record:
//   float64 timestamp, int64 trade_id, int64 trade_id, string instrument,
//   int16 side (1=buy, 0=sell), float64 quantity, float64 price
//
// Book-tick record:
//   float64 timestamp, float64 bid_qty, float64 bid_px,
//   float64 ask_qty, float64 ask_px

// TradeRecord is the flattened journal form of a normalized trade.
type TradeRecord struct {
	Timestamp  float64
	TradeID    int64
	Instrument string
	Side       int16
	Quantity   float64
	Price      float64
}

// BookRecord is the flattened journal form of a top-of-book tick. Both
// quantity and price are zero for an empty side.
type BookRecord struct {
	Timestamp float64
	BidQty    float64
	BidPx     float64
	AskQty    float64
	AskPx     float64
}

type encoder struct {
	w       io.Writer
	scratch [8]byte
	err     error
}

func (e *encoder) putDouble(v float64) {
	if e.err != nil {
		return
	}
	binary.LittleEndian.PutUint64(e.scratch[:8], math.Float64bits(v))
	_, e.err = e.w.Write(e.scratch[:8])
}

func (e *encoder) putLong(v int64) {
	if e.err != nil {
		return
	}
	binary.LittleEndian.PutUint64(e.scratch[:8], uint64(v))
	_, e.err = e.w.Write(e.scratch[:8])
}

func (e *encoder) putShort(v int16) {
	if e.err != nil {
		return
	}
	binary.LittleEndian.PutUint16(e.scratch[:2], uint16(v))
	_, e.err = e.w.Write(e.scratch[:2])
}

func (e *encoder) putString(s string) {
	if e.err != nil {
		return
	}
	binary.LittleEndian.PutUint32(e.scratch[:4], uint32(len(s)))
	if _, e.err = e.w.Write(e.scratch[:4]); e.err != nil {
		return
	}
	_, e.err = io.WriteString(e.w, s)
}

// EncodeTrade appends r's binary form to w.
func EncodeTrade(w io.Writer, r TradeRecord) error {
	e := encoder{w: w}
	e.putDouble(r.Timestamp)
	e.putLong(r.TradeID)
	e.putLong(r.TradeID)
	e.putString(r.Instrument)
	e.putShort(r.Side)
	e.putDouble(r.Quantity)
	e.putDouble(r.Price)
	return e.err
}

// EncodeBookTick appends r's binary form to w.
func EncodeBookTick(w io.Writer, r BookRecord) error {
	e := encoder{w: w}
	e.putDouble(r.Timestamp)
	e.putDouble(r.BidQty)
	e.putDouble(r.BidPx)
	e.putDouble(r.AskQty)
	e.putDouble(r.AskPx)
	return e.err
}

type decoder struct {
	r       io.Reader
	scratch [8]byte
	err     error
}

func (d *decoder) double() float64 {
	if d.err != nil {
		return 0
	}
	if _, d.err = io.ReadFull(d.r, d.scratch[:8]); d.err != nil {
		return 0
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(d.scratch[:8]))
}

func (d *decoder) long() int64 {
	if d.err != nil {
		return 0
	}
	if _, d.err = io.ReadFull(d.r, d.scratch[:8]); d.err != nil {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(d.scratch[:8]))
}

func (d *decoder) short() int16 {
	if d.err != nil {
		return 0
	}
	if _, d.err = io.ReadFull(d.r, d.scratch[:2]); d.err != nil {
		return 0
	}
	return int16(binary.LittleEndian.Uint16(d.scratch[:2]))
}

const maxStringLen = 1 << 16

func (d *decoder) str() string {
	if d.err != nil {
		return ""
	}
	if _, d.err = io.ReadFull(d.r, d.scratch[:4]); d.err != nil {
		return ""
	}
	n := binary.LittleEndian.Uint32(d.scratch[:4])
	if n > maxStringLen {
		d.err = fmt.Errorf("journal: string length %d exceeds limit", n)
		return ""
	}
	buf := make([]byte, n)
	if _, d.err = io.ReadFull(d.r, buf); d.err != nil {
		return ""
	}
	return string(buf)
}

// DecodeTrade reads one trade record from r. It returns io.EOF cleanly at
// end of journal and io.ErrUnexpectedEOF on a truncated record.
func DecodeTrade(r io.Reader) (TradeRecord, error) {
	d := decoder{r: r}
	rec := TradeRecord{}
	rec.Timestamp = d.double()
	rec.TradeID = d.long()
	id2 := d.long()
	rec.Instrument = d.str()
	rec.Side = d.short()
	rec.Quantity = d.double()
	rec.Price = d.double()
	if d.err != nil {
		return TradeRecord{}, d.err
	}
	if id2 != rec.TradeID {
		return TradeRecord{}, fmt.Errorf("journal: trade id mismatch %d != %d", rec.TradeID, id2)
	}
	return rec, nil
}

// DecodeBookTick reads one book-tick record from r.
func DecodeBookTick(r io.Reader) (BookRecord, error) {
	d := decoder{r: r}
	rec := BookRecord{}
	rec.Timestamp = d.double()
	rec.BidQty = d.double()
	rec.BidPx = d.double()
	rec.AskQty = d.double()
	rec.AskPx = d.double()
	if d.err != nil {
		return BookRecord{}, d.err
	}
	return rec, nil
}
