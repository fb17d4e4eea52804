package envelope

import "fmt"

// ParseError reports a body that is not a well-formed envelope.
type ParseError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	msg := "envelope: " + e.Reason
	if e.Field != "" {
		msg = fmt.Sprintf("envelope: field %q %s", e.Field, e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error { return e.Err }

// ConfigError reports validation attempted without the schemas it needs.
type ConfigError struct {
	Missing string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("envelope: %s not configured, build a Registry with NewRegistry(contentSchemas, contextSchema)", e.Missing)
}

// ValidationError reports an envelope whose content or context does not match
// its schema. Path is a JSON pointer into the envelope, e.g. "/content/name".
type ValidationError struct {
	EventName string
	Path      string
	Reason    string
	Err       error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("envelope %q: invalid value at %s: %s", e.EventName, e.Path, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }
