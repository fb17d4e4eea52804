// Package envelope defines the message wrapper carried over the wire and the
// schema validation pipeline applied to inbound messages.
//
// An Envelope is a JSON object of the form
//
//	{
//	  "event_name": "domain.type",
//	  "content": {...},
//	  "context": {...},
//	  "meta": {"version": 1, "timestamp": "2006-01-02T15:04:05.000000Z", "session_id": "<uuid>"}
//	}
//
// The envelope does not know the shape of content and context. Their shape is
// described by JSON schemas held in a Registry: one content schema per event
// name and a single context schema shared by every event. A Registry is built
// once by the hosting application and handed to whoever validates messages.
// Validation fails closed: a missing registry, a missing schema or an event
// name without a content schema is an error.
//
// Schemas can be compiled from JSON documents with CompileSchema, or reflected
// from Go types with SchemaFor:
//
//	type Greeting struct {
//	    Name string `json:"name"`
//	    Text string `json:"text"`
//	}
//
//	greeting, err := envelope.SchemaFor[Greeting]()
//	...
//	reg := envelope.NewRegistry(envelope.ContentSchemas{"chat.greeting": greeting}, contextSchema)
//	env, err := envelope.ParseAndValidate(reg, body)
package envelope
