package envelope

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/invopop/jsonschema"
	validator "github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const schemaBaseURL = "https://topicbus.local/schemas/"

var reflector = jsonschema.Reflector{
	AllowAdditionalProperties: true,
	DoNotReference:            true,
	Anonymous:                 true,
}

var printer = message.NewPrinter(language.English)

// Schema is a compiled JSON schema.
type Schema struct {
	name     string
	compiled *validator.Schema
}

// Name returns the name the schema was compiled under.
func (s *Schema) Name() string { return s.name }

// CompileSchema compiles a JSON schema document. Documents without a
// "$schema" keyword are treated as draft 2020-12.
func CompileSchema(name string, doc []byte) (*Schema, error) {
	parsed, err := validator.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("schema %q: %w", name, err)
	}

	u := schemaBaseURL + url.PathEscape(name) + ".json"
	c := validator.NewCompiler()
	c.DefaultDraft(validator.Draft2020)
	c.AssertFormat()
	if err := c.AddResource(u, parsed); err != nil {
		return nil, fmt.Errorf("schema %q: %w", name, err)
	}
	compiled, err := c.Compile(u)
	if err != nil {
		return nil, fmt.Errorf("schema %q: %w", name, err)
	}
	return &Schema{name: name, compiled: compiled}, nil
}

// MustCompileSchema is like CompileSchema but panics on error.
func MustCompileSchema(name string, doc []byte) *Schema {
	s, err := CompileSchema(name, doc)
	if err != nil {
		panic(err)
	}
	return s
}

// SchemaFor reflects a JSON schema from the Go type T and compiles it.
// Field names follow the json struct tags, constraints can be expressed with
// jsonschema tags.
func SchemaFor[T any]() (*Schema, error) {
	var v T
	s := reflector.Reflect(v)
	doc, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return CompileSchema(fmt.Sprintf("%T", v), doc)
}

// CompileSchemas compiles a set of content schema documents keyed by event name.
func CompileSchemas(docs map[string][]byte) (ContentSchemas, error) {
	names := make([]string, 0, len(docs))
	for name := range docs {
		names = append(names, name)
	}
	sort.Strings(names)

	var err error
	result := make(ContentSchemas, len(docs))
	for _, name := range names {
		s, cerr := CompileSchema(name, docs[name])
		if cerr != nil {
			err = errors.Join(err, cerr)
			continue
		}
		result[name] = s
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// validate checks a payload map against the schema. part is the envelope
// field the payload came from and prefixes the reported path.
func (s *Schema) validate(eventName, part string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return &ValidationError{EventName: eventName, Path: "/" + part, Reason: "value is not json encodable", Err: err}
	}
	inst, err := validator.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &ValidationError{EventName: eventName, Path: "/" + part, Reason: "value is not json encodable", Err: err}
	}

	err = s.compiled.Validate(inst)
	if err == nil {
		return nil
	}

	var verr *validator.ValidationError
	if !errors.As(err, &verr) {
		return &ValidationError{EventName: eventName, Path: "/" + part, Reason: err.Error(), Err: err}
	}
	leaf := firstLeaf(verr)
	return &ValidationError{
		EventName: eventName,
		Path:      pointer(part, leaf.InstanceLocation),
		Reason:    leaf.ErrorKind.LocalizedString(printer),
		Err:       err,
	}
}

func firstLeaf(e *validator.ValidationError) *validator.ValidationError {
	for len(e.Causes) > 0 {
		e = e.Causes[0]
	}
	return e
}

func pointer(part string, location []string) string {
	var b strings.Builder
	b.WriteString("/")
	b.WriteString(part)
	for _, tok := range location {
		b.WriteString("/")
		tok = strings.ReplaceAll(tok, "~", "~0")
		b.WriteString(strings.ReplaceAll(tok, "/", "~1"))
	}
	return b.String()
}
