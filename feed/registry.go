package feed

import (
	"fmt"
	"sync"

	"tickflow/logger"
	"tickflow/models"
)

// subscribedBuffer bounds the subscribed-instruments notification channel.
const subscribedBuffer = 256

// Registry files feedhandlers under scheme:instance and resolves feed URIs
// to memoized per-instrument feeds. It carries no global state; callers
// construct one and pass it where needed.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	feeds    map[string]*Feed
	notified map[int64]struct{}

	subscribed chan models.ExchangeInstrument
	log        *logger.Entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers:   make(map[string]Handler),
		feeds:      make(map[string]*Feed),
		notified:   make(map[int64]struct{}),
		subscribed: make(chan models.ExchangeInstrument, subscribedBuffer),
		log:        logger.GetLogger().WithComponent("feed_registry"),
	}
}

// Register files h under its scheme:instance key. Registering two handlers
// under the same key is a wiring mistake and fails.
func (r *Registry) Register(h Handler) error {
	key := h.Scheme() + ":" + h.Instance()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handlers[key]; ok {
		return fmt.Errorf("feedhandler already registered for %s", key)
	}
	r.handlers[key] = h

	r.log.WithFields(logger.Fields{
		"key":         key,
		"instruments": len(h.Instruments()),
	}).Info("Registered feedhandler")
	return nil
}

// Handlers returns all registered handlers.
func (r *Registry) Handlers() []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Handler, 0, len(r.handlers))
	for _, h := range r.handlers {
		out = append(out, h)
	}
	return out
}

// GetFeed resolves a feed URI to its Feed, creating and memoizing it on
// first acquisition. Repeated calls with the same URI return the identical
// Feed value.
func (r *Registry) GetFeed(uri string) (*Feed, error) {
	parsed, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if f, ok := r.feeds[parsed.String()]; ok {
		return f, nil
	}

	h, ok := r.handlers[parsed.Key()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnregisteredHandler, parsed.Key())
	}

	f, err := h.GetFeed(uri)
	if err != nil {
		return nil, err
	}
	r.feeds[parsed.String()] = f

	if _, seen := r.notified[f.Instrument.InstrumentID]; !seen {
		r.notified[f.Instrument.InstrumentID] = struct{}{}
		select {
		case r.subscribed <- f.Instrument:
		default:
			r.log.WithFields(logger.Fields{
				"symbol": f.Instrument.Symbol,
			}).Warn("Subscribed-instrument notification dropped, channel full")
		}
	}

	r.log.WithFields(logger.Fields{
		"uri":    parsed.String(),
		"symbol": f.Instrument.Symbol,
	}).Debug("Resolved feed")
	return f, nil
}

// SubscribedInstruments emits each instrument once, upon the first feed
// acquisition for it.
func (r *Registry) SubscribedInstruments() <-chan models.ExchangeInstrument {
	return r.subscribed
}
