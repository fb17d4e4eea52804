package broker

import (
	"context"

	"github.com/casualjim/topicbus/internal/tasks"
)

// Consumer is a queue consumer started by Manager.Listen.
type Consumer struct {
	// Queue is the consumed queue.
	Queue string
	// Tag is the consumer tag registered with the broker.
	Tag string

	handle *tasks.Handle
}

// Cancel stops the consumer and waits until its delivery loop has returned,
// including an in-flight delivery func, or ctx is done. Unsettled deliveries
// stay with the broker. Cancelling a finished consumer is a no-op.
func (c *Consumer) Cancel(ctx context.Context) error {
	c.handle.Cancel(ErrConsumerCancelled)
	select {
	case <-c.handle.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the delivery loop has returned.
func (c *Consumer) Done() <-chan struct{} { return c.handle.Done() }
