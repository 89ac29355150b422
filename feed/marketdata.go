package feed

import (
	"strings"

	"tickflow/models"
)

// MarketdataService is a convenience facade over a Registry for consumers
// that address instruments rather than URIs.
type MarketdataService struct {
	registry *Registry
	instance string
}

// NewMarketdataService wraps registry, addressing all lookups at the given
// handler instance.
func NewMarketdataService(registry *Registry, instance string) *MarketdataService {
	return &MarketdataService{registry: registry, instance: instance}
}

func (s *MarketdataService) uri(instrument models.ExchangeInstrument) string {
	return strings.ToLower(instrument.Exchange) + ":" + s.instance + ":" + instrument.Symbol
}

// GetTrades returns the trade stream for instrument.
func (s *MarketdataService) GetTrades(instrument models.ExchangeInstrument) (<-chan models.Trade, error) {
	f, err := s.registry.GetFeed(s.uri(instrument))
	if err != nil {
		return nil, err
	}
	return f.Trades, nil
}

// GetOrderBookEvents returns the raw book event stream for instrument.
func (s *MarketdataService) GetOrderBookEvents(instrument models.ExchangeInstrument) (<-chan models.OrderBookEvent, error) {
	f, err := s.registry.GetFeed(s.uri(instrument))
	if err != nil {
		return nil, err
	}
	return f.BookEvents, nil
}

// GetOrderBooks returns the reconstructed book stream for instrument.
func (s *MarketdataService) GetOrderBooks(instrument models.ExchangeInstrument) (<-chan models.OrderBook, error) {
	f, err := s.registry.GetFeed(s.uri(instrument))
	if err != nil {
		return nil, err
	}
	return f.Books, nil
}
