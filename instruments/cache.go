package instruments

import (
	"fmt"
	"sync"

	"tickflow/logger"
	"tickflow/models"
)

// Cache assigns stable canonical instrument identifiers to exchange-native
// symbols. Entries are created during instrument discovery and are read-only
// afterwards; GetOrCreate is idempotent for a given (exchange, symbol) pair.
type Cache struct {
	mu     sync.RWMutex
	byKey  map[string]models.ExchangeInstrument
	nextID int64
	log    *logger.Log
}

func NewCache() *Cache {
	return &Cache{
		byKey:  make(map[string]models.ExchangeInstrument),
		nextID: 1,
		log:    logger.GetLogger(),
	}
}

func key(exchange, symbol string) string {
	return fmt.Sprintf("%s:%s", exchange, symbol)
}

// GetOrCreate returns the canonical instrument for the given exchange-native
// symbol, creating it with the next stable id on first sight. The price scale
// is fixed at creation; later calls ignore the argument.
func (c *Cache) GetOrCreate(exchange, symbol string, priceScale int) models.ExchangeInstrument {
	k := key(exchange, symbol)

	c.mu.Lock()
	defer c.mu.Unlock()

	if instr, ok := c.byKey[k]; ok {
		return instr
	}

	instr := models.ExchangeInstrument{
		Exchange:     exchange,
		Symbol:       symbol,
		InstrumentID: c.nextID,
		PriceScale:   priceScale,
	}
	c.nextID++
	c.byKey[k] = instr

	c.log.WithComponent("instrument_cache").WithFields(logger.Fields{
		"exchange":      exchange,
		"symbol":        symbol,
		"instrument_id": instr.InstrumentID,
		"price_scale":   priceScale,
	}).Debug("created instrument")

	return instr
}

// Lookup returns the instrument for a known (exchange, symbol) pair.
func (c *Cache) Lookup(exchange, symbol string) (models.ExchangeInstrument, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	instr, ok := c.byKey[key(exchange, symbol)]
	return instr, ok
}

// Len returns the number of known instruments.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byKey)
}
