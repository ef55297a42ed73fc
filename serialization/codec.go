package serialization

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

var (
	// ErrNilTarget is returned when Decode is given a nil target
	ErrNilTarget = errors.New("serialization: decode target cannot be nil")
)

// Codec encodes handler responses and decodes delivery payloads
type Codec interface {
	// Encode serializes a value
	Encode(v any) ([]byte, error)

	// Decode deserializes data into the value pointed to by v
	Decode(data []byte, v any) error

	// ContentType returns the MIME type of encoded payloads
	ContentType() string
}

// JSONCodec implements Codec with sonic
type JSONCodec struct {
	api         sonic.API
	prettyPrint bool
}

// JSONCodecOption configures the JSON codec
type JSONCodecOption func(*JSONCodec)

// WithPrettyPrint indents encoded output
func WithPrettyPrint(pretty bool) JSONCodecOption {
	return func(c *JSONCodec) {
		c.prettyPrint = pretty
	}
}

// WithSonicAPI replaces the sonic configuration, sonic.ConfigStd by default
func WithSonicAPI(api sonic.API) JSONCodecOption {
	return func(c *JSONCodec) {
		if api != nil {
			c.api = api
		}
	}
}

// NewJSONCodec creates a JSON codec
func NewJSONCodec(options ...JSONCodecOption) *JSONCodec {
	c := &JSONCodec{
		api: sonic.ConfigStd,
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Encode implements Codec
func (c *JSONCodec) Encode(v any) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if c.prettyPrint {
		data, err = c.api.MarshalIndent(v, "", "  ")
	} else {
		data, err = c.api.Marshal(v)
	}
	if err != nil {
		return nil, fmt.Errorf("serialization: failed to encode %T: %w", v, err)
	}
	return data, nil
}

// Decode implements Codec
func (c *JSONCodec) Decode(data []byte, v any) error {
	if v == nil {
		return ErrNilTarget
	}
	if err := c.api.Unmarshal(data, v); err != nil {
		return fmt.Errorf("serialization: failed to decode into %T: %w", v, err)
	}
	return nil
}

// ContentType implements Codec
func (c *JSONCodec) ContentType() string {
	return "application/json"
}

// IsEmptyPayload reports whether data carries no value: empty, blank, or a JSON null
func IsEmptyPayload(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// DecodeValue decodes data into a new T. ok is false when the payload holds no value
// or decoding failed; err is only set for the latter.
func DecodeValue[T any](codec Codec, data []byte) (value T, ok bool, err error) {
	if IsEmptyPayload(data) {
		return value, false, nil
	}
	if err := codec.Decode(data, &value); err != nil {
		var zero T
		return zero, false, err
	}
	return value, true, nil
}
