// Package routing derives broker exchange, queue and routing key names from
// structured event names.
//
// An event name has the form "domain.type". The domain names a durable topic
// exchange, the type is used as the routing key, and listeners consume from a
// queue named "domain.type.group" where group identifies a consumer group that
// shares the load of that queue.
//
// Every function in this package is pure and safe for concurrent use.
package routing

import (
	"fmt"
	"strings"
)

// Separator splits the domain from the type in an event name.
const Separator = "."

// NamingError is returned when an event name does not have the form
// "domain.type".
type NamingError struct {
	Name string
}

func (e *NamingError) Error() string {
	return fmt.Sprintf("invalid event name %q: expected the format domain.type", e.Name)
}

// Route holds the broker names derived for an event name.
type Route struct {
	// Exchange is the topic exchange, named after the event domain.
	Exchange string
	// RoutingKey is the event type.
	RoutingKey string
	// Queue is the listener queue. It is empty when no consumer group was given.
	Queue string
}

// Split breaks an event name into its domain and type.
// The name must contain exactly one separator with non-empty text on both
// sides, anything else yields a *NamingError.
func Split(name string) (domain, typ string, err error) {
	domain, typ, ok := strings.Cut(name, Separator)
	if !ok || domain == "" || typ == "" || strings.Contains(typ, Separator) {
		return "", "", &NamingError{Name: name}
	}
	return domain, typ, nil
}

// Valid reports whether name is a well-formed event name.
func Valid(name string) bool {
	_, _, err := Split(name)
	return err == nil
}

// QueueName builds the listener queue name for a domain, type and group.
func QueueName(domain, typ, group string) string {
	return domain + Separator + typ + Separator + group
}

// For derives the route of an event name. When group is empty the route is
// meant for publishing and carries no queue.
func For(name, group string) (Route, error) {
	domain, typ, err := Split(name)
	if err != nil {
		return Route{}, err
	}

	r := Route{
		Exchange:   domain,
		RoutingKey: typ,
	}
	if group != "" {
		r.Queue = QueueName(domain, typ, group)
	}
	return r, nil
}
