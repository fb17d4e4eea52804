/*
Package topicbus is an event bus on top of an AMQP 0-9-1 broker such as RabbitMQ.

Events are named "domain.type". Every domain is a durable topic exchange, the
type is the routing key and each consumer group reads from its own durable
queue "domain.type.group", so the members of a group share the load while
different groups each receive every event.

Payloads travel as JSON envelopes:

	{
	  "event_name": "users.created",
	  "content": {"name": "ada"},
	  "context": {"channel_user": {"id": "42"}},
	  "meta": {"version": 1, "timestamp": "2024-05-01T10:00:00.000000Z", "session_id": "..."}
	}

content is validated against a schema chosen by event name and context
against a shared schema. The schemas live in an immutable envelope.Registry
that is handed to the bus, there is no process wide schema state.

# Basic Usage

	cfg, err := topicbus.ConfigFromMap(settings)
	if err != nil {
		return err
	}

	bus, err := topicbus.New(
		topicbus.WithConfig(cfg),
		topicbus.WithSchemas(schemas),
		topicbus.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	err = bus.Listen("users.created", "mailer", func(ctx context.Context, ev *topicbus.Event) {
		env, err := ev.Validate(schemas)
		if err != nil {
			_ = ev.Drop(ctx)
			return
		}
		// ... handle env
		_ = ev.Ack(ctx)
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return bus.Run(ctx)

# Settlement

The bus never acknowledges on its own. A handler settles each Event exactly
once with Ack, Reject (requeue) or Drop (discard); a delivery that is never
settled stays unacknowledged on the broker until the connection goes away.

# Disconnects

When the broker or the network closes the connection every listener of that
connection is cancelled with ErrDisconnected as the context cause and Run
returns an error wrapping ErrDisconnected. Reconnecting is left to the host:
call Start (or Run) again and the registered listeners are bound again on the
new connection.

# Thread Safety

A Bus is safe for concurrent use. Handlers run on the consumer goroutine of
their queue, one delivery at a time, unless WithBufferSize puts a bounded
queue and a dispatch goroutine in between.
*/
package topicbus
