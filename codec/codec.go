// Package codec selects the JSON encoding used for artifact manifests.
//
// Manifests record the codec name, so switching the default never breaks
// reading artifacts written by an older build.
package codec

import "fmt"

// Codec encodes and decodes values.
// Implementations must be safe for concurrent use.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// Indenter is implemented by codecs that can produce human-readable output.
type Indenter interface {
	MarshalIndent(v any, prefix, indent string) ([]byte, error)
}

// ByName returns a built-in codec by its stable name.
func ByName(name string) (Codec, bool) {
	switch name {
	case "json":
		return JSON{}, true
	case "go-json":
		return GoJSON{}, true
	default:
		return nil, false
	}
}

// Pretty marshals v with two-space indentation when c supports it.
func Pretty(c Codec, v any) ([]byte, error) {
	if c == nil {
		c = Default
	}
	if in, ok := c.(Indenter); ok {
		return in.MarshalIndent(v, "", "  ")
	}
	return c.Marshal(v)
}

// MustMarshal panics on encoding errors. Intended for tests.
func MustMarshal(c Codec, v any) []byte {
	if c == nil {
		c = Default
	}
	b, err := c.Marshal(v)
	if err != nil {
		panic(fmt.Errorf("codec %s marshal failed: %w", c.Name(), err))
	}
	return b
}
