// Package signal defines the immutable CloudEvents-like envelope that flows
// through the bus, router, and every subscription.
package signal

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// SpecVersion is the constant CloudEvents specversion carried by every signal.
const SpecVersion = "1.0.2"

var (
	typeRE      = regexp.MustCompile(`^[A-Za-z0-9._*-]+$`)
	namespaceRE = regexp.MustCompile(`^[a-z][a-z0-9]*(\.[a-z][a-z0-9]*)*$`)
)

// Signal is the immutable envelope published onto the bus. Once constructed
// via New, a Signal's fields must not be mutated; callers that need a
// derived signal should build a new one.
type Signal struct {
	id              string
	typ             string
	source          string
	time            time.Time
	data            *structpb.Struct
	datacontenttype string
	dataschema      string
	subject         string
	extensions      map[string]*structpb.Struct
}

// Option customises a Signal at construction time.
type Option func(*builder)

type builder struct {
	source          string
	data            *structpb.Struct
	datacontenttype string
	dataschema      string
	subject         string
	extensions      map[string]*structpb.Struct
	when            time.Time
}

// WithSource sets the origin identifier.
func WithSource(source string) Option {
	return func(b *builder) { b.source = source }
}

// WithData attaches an opaque structured payload.
func WithData(data map[string]any) Option {
	return func(b *builder) {
		if data == nil {
			return
		}
		s, err := structpb.NewStruct(data)
		if err == nil {
			b.data = s
		}
	}
}

// WithDataContentType sets the optional CloudEvents datacontenttype field.
func WithDataContentType(ct string) Option {
	return func(b *builder) { b.datacontenttype = ct }
}

// WithDataSchema sets the optional CloudEvents dataschema field.
func WithDataSchema(schema string) Option {
	return func(b *builder) { b.dataschema = schema }
}

// WithSubject sets the optional CloudEvents subject field.
func WithSubject(subject string) Option {
	return func(b *builder) { b.subject = subject }
}

// WithTime overrides the timestamp, primarily for deterministic tests.
func WithTime(t time.Time) Option {
	return func(b *builder) { b.when = t }
}

// WithExtension attaches a namespaced extension payload. The namespace must
// match the lowercase dotted regex `^[a-z][a-z0-9]*(\.[a-z][a-z0-9]*)*$`.
func WithExtension(namespace string, payload map[string]any) Option {
	return func(b *builder) {
		if b.extensions == nil {
			b.extensions = make(map[string]*structpb.Struct)
		}
		s, err := structpb.NewStruct(payload)
		if err == nil {
			b.extensions[namespace] = s
		}
	}
}

// New constructs a Signal with the given id and type, applying options.
// id is expected to come from the shared idgen.Generator so that it is
// unique and monotonically comparable within the owning bus.
func New(id, typ string, opts ...Option) (Signal, error) {
	if id == "" {
		return Signal{}, fmt.Errorf("signal: id must not be empty")
	}
	if typ == "" {
		return Signal{}, fmt.Errorf("signal: %w", ErrNilType)
	}
	if !typeRE.MatchString(typ) {
		return Signal{}, fmt.Errorf("signal: type %q does not match %s", typ, typeRE.String())
	}

	b := &builder{when: time.Now().UTC()}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	for ns := range b.extensions {
		if !namespaceRE.MatchString(ns) {
			return Signal{}, fmt.Errorf("signal: extension namespace %q does not match %s", ns, namespaceRE.String())
		}
	}

	return Signal{
		id:              id,
		typ:             typ,
		source:          b.source,
		time:            b.when,
		data:            b.data,
		datacontenttype: b.datacontenttype,
		dataschema:      b.dataschema,
		subject:         b.subject,
		extensions:      b.extensions,
	}, nil
}

// ErrNilType is returned when a signal type is empty or nil.
var ErrNilType = fmt.Errorf("type must not be nil or empty")

// ID returns the signal's unique identifier.
func (s Signal) ID() string { return s.id }

// Type returns the dotted routing type of the signal.
func (s Signal) Type() string { return s.typ }

// Source returns the origin identifier.
func (s Signal) Source() string { return s.source }

// Time returns the signal's timestamp.
func (s Signal) Time() time.Time { return s.time }

// DataContentType returns the optional CloudEvents datacontenttype field.
func (s Signal) DataContentType() string { return s.datacontenttype }

// DataSchema returns the optional CloudEvents dataschema field.
func (s Signal) DataSchema() string { return s.dataschema }

// Subject returns the optional CloudEvents subject field.
func (s Signal) Subject() string { return s.subject }

// Data returns the opaque payload as a plain map, or nil if absent.
func (s Signal) Data() map[string]any {
	if s.data == nil {
		return nil
	}
	return s.data.AsMap()
}

// Extension returns the payload for a namespace, and whether it was present.
func (s Signal) Extension(namespace string) (map[string]any, bool) {
	ext, ok := s.extensions[namespace]
	if !ok {
		return nil, false
	}
	return ext.AsMap(), true
}

// Extensions returns a shallow copy of the full extension set.
func (s Signal) Extensions() map[string]map[string]any {
	if len(s.extensions) == 0 {
		return nil
	}
	out := make(map[string]map[string]any, len(s.extensions))
	for ns, payload := range s.extensions {
		out[ns] = payload.AsMap()
	}
	return out
}

// wireEnvelope mirrors the §6 wire format for JSON marshalling.
type wireEnvelope struct {
	ID              string                     `json:"id"`
	Type            string                     `json:"type"`
	Source          string                     `json:"source"`
	SpecVersion     string                     `json:"specversion"`
	Time            string                     `json:"time"`
	Data            json.RawMessage            `json:"data,omitempty"`
	DataContentType string                     `json:"datacontenttype,omitempty"`
	DataSchema      string                     `json:"dataschema,omitempty"`
	Subject         string                     `json:"subject,omitempty"`
	Extensions      map[string]json.RawMessage `json:"extensions,omitempty"`
}

// MarshalJSON encodes the signal as a CloudEvents-style JSON envelope. Struct
// payloads are rendered through protojson so the structpb.Struct values the
// signal carries internally round-trip without a bespoke encoder.
func (s Signal) MarshalJSON() ([]byte, error) {
	env := wireEnvelope{
		ID:              s.id,
		Type:            s.typ,
		Source:          s.source,
		SpecVersion:     SpecVersion,
		Time:            s.time.UTC().Format(time.RFC3339Nano),
		DataContentType: s.datacontenttype,
		DataSchema:      s.dataschema,
		Subject:         s.subject,
	}
	if s.data != nil {
		raw, err := protojson.Marshal(s.data)
		if err != nil {
			return nil, fmt.Errorf("signal: marshal data: %w", err)
		}
		env.Data = raw
	}
	if len(s.extensions) > 0 {
		env.Extensions = make(map[string]json.RawMessage, len(s.extensions))
		for ns, payload := range s.extensions {
			raw, err := protojson.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("signal: marshal extension %q: %w", ns, err)
			}
			env.Extensions[ns] = raw
		}
	}
	return json.Marshal(env)
}

// UnmarshalJSON decodes a signal from its CloudEvents-style JSON envelope.
func (s *Signal) UnmarshalJSON(data []byte) error {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("signal: decode envelope: %w", err)
	}
	parsed, err := time.Parse(time.RFC3339Nano, env.Time)
	if err != nil {
		parsed, err = time.Parse(time.RFC3339, env.Time)
		if err != nil {
			return fmt.Errorf("signal: invalid time %q: %w", env.Time, err)
		}
	}
	out := Signal{
		id:              env.ID,
		typ:             env.Type,
		source:          env.Source,
		time:            parsed,
		datacontenttype: env.DataContentType,
		dataschema:      env.DataSchema,
		subject:         env.Subject,
	}
	if len(env.Data) > 0 {
		st := &structpb.Struct{}
		if err := protojson.Unmarshal(env.Data, st); err != nil {
			return fmt.Errorf("signal: decode data: %w", err)
		}
		out.data = st
	}
	if len(env.Extensions) > 0 {
		out.extensions = make(map[string]*structpb.Struct, len(env.Extensions))
		for ns, raw := range env.Extensions {
			st := &structpb.Struct{}
			if err := protojson.Unmarshal(raw, st); err != nil {
				return fmt.Errorf("signal: decode extension %q: %w", ns, err)
			}
			out.extensions[ns] = st
		}
	}
	*s = out
	return nil
}

// ValidateNamespace reports whether ns is a legal extension namespace.
func ValidateNamespace(ns string) bool {
	return namespaceRE.MatchString(ns)
}

// ValidateType reports whether typ is a legal signal/route type string.
func ValidateType(typ string) bool {
	return typ != "" && typeRE.MatchString(typ)
}
