package topicbus

import (
	"context"

	"github.com/casualjim/topicbus/internal/broker"
	"github.com/casualjim/topicbus/internal/tasks"
	"github.com/casualjim/topicbus/pkg/slogx"
)

// binding is the consumer started for one event name on the current connection.
type binding struct {
	group    string
	consumer *broker.Consumer
}

// bind starts a consumer for l that turns broker deliveries into Events. The
// handler is looked up for every delivery so a re-registered listener takes
// over at once.
//
// With a buffer size the deliveries are queued and drained by a dispatch task
// of the current connection. The task is started only once the consumer runs
// and ends together with it.
func (b *Bus) bind(ctx context.Context, l *listener) (*broker.Consumer, error) {
	log := b.logger.With(slogx.EventName(l.eventName))
	eventName := l.eventName

	dispatch := func(ctx context.Context, d broker.Delivery) {
		h, ok := b.handler(eventName)
		if !ok {
			log.WarnContext(ctx, "no handler, leaving delivery unsettled", slogx.DeliveryTag(d.Tag))
			return
		}
		h(ctx, newEvent(d, b.schemas, b.metrics, log))
	}

	if b.bufferSize == 0 {
		return b.manager.Listen(ctx, l.eventName, l.group, dispatch)
	}

	queue := make(chan broker.Delivery, b.bufferSize)
	c, err := b.manager.Listen(ctx, l.eventName, l.group, func(ctx context.Context, d broker.Delivery) {
		select {
		case queue <- d:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, err
	}

	_, err = b.manager.Spawn(context.WithoutCancel(ctx), tasks.RoleDispatch, func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return context.Cause(ctx)
			case <-c.Done():
				// the consumer was replaced, hand over what it queued
				for {
					select {
					case d := <-queue:
						dispatch(ctx, d)
					default:
						return nil
					}
				}
			case d := <-queue:
				dispatch(ctx, d)
			}
		}
	})
	if err != nil {
		_ = c.Cancel(ctx)
		return nil, err
	}
	return c, nil
}
