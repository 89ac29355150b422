package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tickflow/models"
)

var (
	// ErrUnregisteredHandler is returned when no handler is registered for
	// the scheme:instance pair of a feed URI.
	ErrUnregisteredHandler = errors.New("no feedhandler registered for uri")

	// ErrUnknownInstrument is returned when the addressed handler does not
	// serve the requested symbol.
	ErrUnknownInstrument = errors.New("unknown instrument")

	// ErrSchemeMismatch is returned when a URI is routed to a handler with a
	// different scheme.
	ErrSchemeMismatch = errors.New("feedhandler scheme mismatch")

	// ErrInstanceMismatch is returned when a URI is routed to a handler with
	// a different instance name.
	ErrInstanceMismatch = errors.New("feedhandler instance mismatch")

	// ErrMalformedURI is returned for URIs that are not scheme:instance:symbol.
	ErrMalformedURI = errors.New("malformed feed uri")
)

// Feed is the per-instrument view onto a live handler: normalized trades,
// order book events and reconstructed books for exactly one symbol.
type Feed struct {
	Instrument models.ExchangeInstrument

	Trades     <-chan models.Trade
	BookEvents <-chan models.OrderBookEvent
	Books      <-chan models.OrderBook
}

// Handler is a live market data feedhandler for one exchange connection.
type Handler interface {
	// Scheme identifies the exchange protocol, e.g. "phemex".
	Scheme() string

	// Instance distinguishes multiple connections to the same venue,
	// e.g. "prod" or "test".
	Instance() string

	// Instruments lists the symbols this handler serves.
	Instruments() []models.ExchangeInstrument

	// State exposes the handler lifecycle for observers.
	State() *StateSignal

	// GetFeed resolves a feed URI to this handler's feed for the symbol.
	GetFeed(uri string) (*Feed, error)

	// Start connects and runs the handler until ctx is cancelled.
	Start(ctx context.Context) error

	// Stop shuts the handler down and marks it StateStopped.
	Stop()
}

// FeedURI addresses one instrument on one handler as scheme:instance:symbol.
type FeedURI struct {
	Scheme   string
	Instance string
	Symbol   string
}

// ParseURI splits a feed URI of the form scheme:instance:symbol.
func ParseURI(uri string) (FeedURI, error) {
	parts := strings.Split(uri, ":")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return FeedURI{}, fmt.Errorf("%w: %q", ErrMalformedURI, uri)
	}
	return FeedURI{Scheme: parts[0], Instance: parts[1], Symbol: parts[2]}, nil
}

// Key is the registry key for the handler part of the URI.
func (u FeedURI) Key() string {
	return u.Scheme + ":" + u.Instance
}

func (u FeedURI) String() string {
	return u.Scheme + ":" + u.Instance + ":" + u.Symbol
}
