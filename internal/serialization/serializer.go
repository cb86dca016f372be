// Package serialization encodes job payload snapshots with a one byte format prefix.
package serialization

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"
)

// PayloadFormat is the leading byte of every encoded snapshot
type PayloadFormat byte

const (
	// FormatJSON marks a plain JSON body
	FormatJSON PayloadFormat = 0x00

	// FormatProtobuf marks a binary protobuf body
	FormatProtobuf PayloadFormat = 0x01
)

var (
	// ErrUnknownFormat is returned when the format byte is not recognised
	ErrUnknownFormat = errors.New("unknown payload format")

	// ErrMarshalFailed is returned when encoding fails
	ErrMarshalFailed = errors.New("failed to marshal payload")

	// ErrUnmarshalFailed is returned when decoding fails
	ErrUnmarshalFailed = errors.New("failed to unmarshal payload")
)

// Serializer writes new payloads in DefaultFormat and reads either format back
type Serializer struct {
	DefaultFormat PayloadFormat
}

// NewProtobufSerializer writes protobuf by default. Values that are not
// proto messages are rejected, use MarshalWithFormat(v, FormatJSON) for those.
func NewProtobufSerializer() *Serializer {
	return &Serializer{DefaultFormat: FormatProtobuf}
}

// NewJSONSerializer writes JSON by default
func NewJSONSerializer() *Serializer {
	return &Serializer{DefaultFormat: FormatJSON}
}

// Marshal encodes v in the default format
func (s *Serializer) Marshal(v interface{}) ([]byte, error) {
	return s.MarshalWithFormat(v, s.DefaultFormat)
}

// MarshalWithFormat encodes v and prepends the format byte
func (s *Serializer) MarshalWithFormat(v interface{}, format PayloadFormat) ([]byte, error) {
	var (
		body []byte
		err  error
	)

	switch format {
	case FormatJSON:
		body, err = json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w (JSON): %v", ErrMarshalFailed, err)
		}
	case FormatProtobuf:
		msg, ok := v.(proto.Message)
		if !ok {
			return nil, fmt.Errorf("%w: %T does not implement proto.Message", ErrMarshalFailed, v)
		}
		body, err = proto.MarshalOptions{Deterministic: true}.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("%w (Protobuf): %v", ErrMarshalFailed, err)
		}
	default:
		return nil, fmt.Errorf("%w: format %d", ErrUnknownFormat, format)
	}

	out := make([]byte, len(body)+1)
	out[0] = byte(format)
	copy(out[1:], body)
	return out, nil
}

// Unmarshal decodes data into v, detecting the format from the prefix
func (s *Serializer) Unmarshal(data []byte, v interface{}) error {
	format, body, err := s.DetectFormat(data)
	if err != nil {
		return err
	}

	switch format {
	case FormatJSON:
		if err := json.Unmarshal(body, v); err != nil {
			return fmt.Errorf("%w (JSON): %v", ErrUnmarshalFailed, err)
		}
		return nil
	case FormatProtobuf:
		msg, ok := v.(proto.Message)
		if !ok {
			return fmt.Errorf("%w: %T does not implement proto.Message", ErrUnmarshalFailed, v)
		}
		if err := proto.Unmarshal(body, msg); err != nil {
			return fmt.Errorf("%w (Protobuf): %v", ErrUnmarshalFailed, err)
		}
		return nil
	}
	return fmt.Errorf("%w: format %d", ErrUnknownFormat, format)
}

// DetectFormat splits data into its format and body.
// Unprefixed JSON objects and arrays are accepted as FormatJSON.
func (s *Serializer) DetectFormat(data []byte) (PayloadFormat, []byte, error) {
	if len(data) == 0 {
		return FormatJSON, nil, fmt.Errorf("%w: empty payload", ErrUnmarshalFailed)
	}

	switch PayloadFormat(data[0]) {
	case FormatJSON, FormatProtobuf:
		if len(data) < 2 {
			return PayloadFormat(data[0]), nil, fmt.Errorf("%w: payload too short", ErrUnmarshalFailed)
		}
		return PayloadFormat(data[0]), data[1:], nil
	}

	if data[0] == '{' || data[0] == '[' {
		return FormatJSON, data, nil
	}
	return FormatJSON, nil, fmt.Errorf("%w: unknown format byte 0x%02X", ErrUnknownFormat, data[0])
}

// IsProtobuf reports whether data carries the protobuf prefix
func (s *Serializer) IsProtobuf(data []byte) bool {
	return len(data) > 0 && PayloadFormat(data[0]) == FormatProtobuf
}
