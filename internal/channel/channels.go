package channel

import (
	"context"
	"sync"

	"tickflow/logger"
	"tickflow/models"
)

type ChannelStats struct {
	RawSent int64
}

// Channels carries raw wire frames from the stream subscribers to the
// feedhandler's fold loop. Sends block rather than drop: the subscriber to
// normalizer path must never be silently lossy.
type Channels struct {
	Raw chan models.RawMessage

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(rawBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Raw: make(chan models.RawMessage, rawBufferSize),
		log: log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"raw_buffer_size": rawBufferSize,
	}).Info("raw channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Raw)
	c.log.WithComponent("channels").Info("raw channels closed")
}

func (c *Channels) IncrementRawSent() {
	c.statsMutex.Lock()
	c.stats.RawSent++
	c.statsMutex.Unlock()
}

// SendRaw delivers a message to the fold loop, blocking until there is
// capacity or the context is cancelled. Returns false only on cancellation.
func (c *Channels) SendRaw(ctx context.Context, msg models.RawMessage) bool {
	select {
	case c.Raw <- msg:
		c.IncrementRawSent()
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
