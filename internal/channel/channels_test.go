package channel

import (
	"context"
	"testing"
	"time"

	"tickflow/models"
)

func TestSendRawBlocksInsteadOfDropping(t *testing.T) {
	c := NewChannels(1)
	ctx := context.Background()

	if !c.SendRaw(ctx, models.RawMessage{Symbol: "BTCUSD"}) {
		t.Fatal("first send should succeed")
	}

	// Second send must block until the consumer drains, not drop.
	done := make(chan bool, 1)
	go func() {
		done <- c.SendRaw(ctx, models.RawMessage{Symbol: "ETHUSD"})
	}()

	select {
	case <-done:
		t.Fatal("send completed while channel was full")
	case <-time.After(20 * time.Millisecond):
	}

	<-c.Raw
	select {
	case ok := <-done:
		if !ok {
			t.Fatal("send failed after drain")
		}
	case <-time.After(time.Second):
		t.Fatal("send did not complete after drain")
	}

	if got := c.GetStats().RawSent; got != 2 {
		t.Fatalf("expected 2 sends recorded, got %d", got)
	}
}

func TestSendRawCancelled(t *testing.T) {
	c := NewChannels(1)
	c.Raw <- models.RawMessage{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if c.SendRaw(ctx, models.RawMessage{}) {
		t.Fatal("send should fail on cancelled context")
	}
}
