// Package broker owns the AMQP connection and channel behind the event bus.
// It declares topic exchanges and listener queues following the routing
// convention, publishes payloads, runs queue consumers and watches the
// transport for closure.
//
// Design decisions:
//   - One connection, one channel: a Manager holds at most one live
//     connection and channel, shared by every publish and consumer
//   - Idempotent lifecycle: Connect while open and Stop while stopped are no-ops
//   - Serialized channel: every AMQP call on the shared channel is made under
//     a lock, so concurrent BindQueue, Emit and Listen calls never interleave
//   - Fail loud: when the broker drops the connection the watcher marks the
//     manager closed and cancels every task it owns except itself and an
//     in-flight Stop. The cause, ErrDisconnected, is reported by Err and Done
//     so the host's run loop terminates instead of stalling
//   - No buffering: deliveries are handed to the consumer callback as they
//     arrive, the callback decides how to queue work
//
// State machine:
//
//	Disconnected ──Connect──▶ Connecting ──▶ Open ──closure──▶ Closing ──▶ Closed
//	     ▲                        │                                          │
//	     └────── dial failure ────┘                 Connect ◀────────────────┘
//
// Example usage:
//
//	m, err := broker.New(cfg, broker.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	if err := m.Connect(ctx); err != nil {
//	    return err
//	}
//	defer m.Stop(context.Background())
//
//	_, err = m.Listen(ctx, "orders.placed", "billing", func(ctx context.Context, d broker.Delivery) {
//	    // handle d.Body, then settle it
//	    _ = d.Acknowledger.Ack(d.Tag)
//	})
package broker
