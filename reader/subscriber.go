package reader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tickflow/config"
	"tickflow/internal/channel"
	"tickflow/logger"
	"tickflow/models"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"
)

// Subscription is one logical channel subscription sent on every (re)connect.
type Subscription struct {
	// Channel names the logical stream, e.g. "trade" or "orderbook".
	Channel string

	// Message is the JSON subscribe request for the channel.
	Message interface{}
}

// AckValidator inspects an inbound frame shortly after subscribing. It
// reports whether the frame was a subscribe acknowledgement and, if so,
// whether the exchange rejected it. A rejection is a connection fault.
type AckValidator func(data []byte) (isAck bool, err error)

// WebsocketSubscriber owns one persistent websocket connection to an
// exchange endpoint. On connect it issues every configured subscription,
// then forwards each received frame to the raw channel. Stale connections
// are detected with a read deadline and all failures are retried with
// exponential backoff until the context is cancelled.
type WebsocketSubscriber struct {
	config   *config.Config
	exchange string
	url      string
	subs     []Subscription
	ack      AckValidator
	raw      *channel.Channels

	dialer  *websocket.Dialer
	limiter *rate.Limiter

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

// NewWebsocketSubscriber creates a subscriber for one endpoint. ack may be
// nil when the protocol's acknowledgements need no validation.
func NewWebsocketSubscriber(cfg *config.Config, exchange, url string, subs []Subscription, ack AckValidator, raw *channel.Channels) *WebsocketSubscriber {
	rps := cfg.Reader.DialRatePerSecond
	if rps <= 0 {
		rps = 1
	}
	burst := cfg.Reader.DialBurst
	if burst <= 0 {
		burst = 1
	}

	return &WebsocketSubscriber{
		config:   cfg,
		exchange: exchange,
		url:      url,
		subs:     subs,
		ack:      ack,
		raw:      raw,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.Reader.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		wg:      &sync.WaitGroup{},
		log:     logger.GetLogger(),
	}
}

// Start launches the connection worker. The worker reconnects indefinitely
// until ctx is cancelled.
func (s *WebsocketSubscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("websocket subscriber already running")
	}
	s.running = true
	s.ctx = ctx
	s.mu.Unlock()

	log := s.log.WithComponent("ws_subscriber").WithFields(logger.Fields{
		"exchange": s.exchange,
		"url":      s.url,
	})
	log.WithFields(logger.Fields{"channels": len(s.subs)}).Info("starting websocket subscriber")

	s.wg.Add(1)
	go s.connectLoop()

	return nil
}

// Stop waits for the connection worker to exit. Cancel the context passed
// to Start first.
func (s *WebsocketSubscriber) Stop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.log.WithComponent("ws_subscriber").WithFields(logger.Fields{"exchange": s.exchange}).Info("stopping websocket subscriber")
	s.wg.Wait()
	s.log.WithComponent("ws_subscriber").WithFields(logger.Fields{"exchange": s.exchange}).Info("websocket subscriber stopped")
}

// connectLoop dials, subscribes and pumps messages, reconnecting with
// backoff after any failure. There is no retry limit; an exchange endpoint
// is expected to come back eventually.
func (s *WebsocketSubscriber) connectLoop() {
	defer s.wg.Done()

	log := s.log.WithComponent("ws_subscriber").WithFields(logger.Fields{
		"exchange": s.exchange,
		"worker":   "connect_loop",
	})

	bcfg := s.config.Reader.Backoff
	b := &backoff.Backoff{
		Min:    bcfg.MinDelay,
		Max:    bcfg.MaxDelay,
		Factor: bcfg.Factor,
		Jitter: bcfg.Jitter,
	}

	attempt := 0
	for {
		if s.ctx.Err() != nil {
			log.Info("worker stopped due to context cancellation")
			return
		}
		if err := s.limiter.Wait(s.ctx); err != nil {
			return
		}

		attempt++
		sawTraffic, err := s.runConnection(log)
		if s.ctx.Err() != nil {
			log.Info("worker stopped due to context cancellation")
			return
		}
		if sawTraffic {
			b.Reset()
			attempt = 0
		}

		logger.IncrementRetryCount()
		delay := b.Duration()
		log.WithError(err).WithFields(logger.Fields{
			"attempt":     attempt,
			"retry_delay": delay.String(),
		}).Warn("websocket connection lost, reconnecting")

		select {
		case <-s.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case <-time.After(delay):
		}
	}
}

// runConnection handles a single connection lifetime: dial, subscribe all
// channels, pump frames until an error. It reports whether any frame was
// received, so the caller can reset the backoff after a healthy connection
// instead of carrying an old outage's delay forever.
func (s *WebsocketSubscriber) runConnection(log *logger.Entry) (bool, error) {
	conn, _, err := s.dialer.DialContext(s.ctx, s.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", s.url, err)
	}
	defer conn.Close()

	// Unblock the read pump when the context fires mid-read.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for _, sub := range s.subs {
		if err := conn.WriteJSON(sub.Message); err != nil {
			return false, fmt.Errorf("subscribe %s: %w", sub.Channel, err)
		}
		log.WithFields(logger.Fields{"channel": sub.Channel}).Info("subscribed to channel")
	}

	inactivity := s.config.Reader.InactivityTimeout
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(inactivity))
	})

	// Keep-alive pings at a third of the inactivity window so an idle but
	// healthy connection is not torn down.
	go func() {
		ticker := time.NewTicker(inactivity / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				deadline := time.Now().Add(s.config.Reader.Timeout)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}()

	sawTraffic := false
	for {
		if err := conn.SetReadDeadline(time.Now().Add(inactivity)); err != nil {
			return sawTraffic, fmt.Errorf("set read deadline: %w", err)
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return sawTraffic, fmt.Errorf("read message: %w", err)
		}
		sawTraffic = true

		if s.ack != nil {
			isAck, ackErr := s.ack(data)
			if ackErr != nil {
				return sawTraffic, fmt.Errorf("subscribe rejected: %w", ackErr)
			}
			if isAck {
				continue
			}
		}

		msg := models.RawMessage{
			Exchange:  s.exchange,
			Data:      data,
			Timestamp: time.Now().UTC(),
		}
		if !s.raw.SendRaw(s.ctx, msg) {
			return sawTraffic, nil
		}
	}
}
