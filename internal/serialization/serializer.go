// Package serialization encodes stored records with a one-byte format prefix
// so JSON and protobuf encodings can coexist in the same store.
package serialization

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"
)

// Format identifies the encoding of a serialized record
type Format byte

const (
	// FormatJSON is JSON. Records without a prefix byte are also read as JSON.
	FormatJSON Format = 0x00

	// FormatProtobuf is Protocol Buffers wire format
	FormatProtobuf Format = 0x01
)

// String returns the config name of the format
func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatProtobuf:
		return "protobuf"
	default:
		return fmt.Sprintf("format(0x%02X)", byte(f))
	}
}

// ParseFormat maps a config value ("json" or "protobuf") to a Format
func ParseFormat(name string) (Format, error) {
	switch name {
	case "json", "":
		return FormatJSON, nil
	case "protobuf", "proto":
		return FormatProtobuf, nil
	default:
		return FormatJSON, fmt.Errorf("%w: %q", ErrUnknownFormat, name)
	}
}

var (
	// ErrUnknownFormat is returned when the format cannot be determined
	ErrUnknownFormat = errors.New("unknown serialization format")

	// ErrMarshalFailed is returned when marshaling fails
	ErrMarshalFailed = errors.New("failed to marshal record")

	// ErrUnmarshalFailed is returned when unmarshaling fails
	ErrUnmarshalFailed = errors.New("failed to unmarshal record")
)

// Serializer encodes with a default format and decodes any known format
type Serializer struct {
	DefaultFormat Format
}

// NewSerializer creates a serializer writing defaultFormat
func NewSerializer(defaultFormat Format) *Serializer {
	return &Serializer{DefaultFormat: defaultFormat}
}

// NewJSONSerializer creates a serializer that writes JSON
func NewJSONSerializer() *Serializer {
	return NewSerializer(FormatJSON)
}

// NewProtobufSerializer creates a serializer that writes protobuf
func NewProtobufSerializer() *Serializer {
	return NewSerializer(FormatProtobuf)
}

// Marshal encodes v in the default format, prefixed with the format byte
func (s *Serializer) Marshal(v interface{}) ([]byte, error) {
	return s.MarshalWithFormat(v, s.DefaultFormat)
}

// MarshalWithFormat encodes v in format. Protobuf requires a proto.Message.
func (s *Serializer) MarshalWithFormat(v interface{}, format Format) ([]byte, error) {
	var data []byte
	var err error

	switch format {
	case FormatJSON:
		data, err = json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w (JSON): %v", ErrMarshalFailed, err)
		}

	case FormatProtobuf:
		msg, ok := v.(proto.Message)
		if !ok {
			return nil, fmt.Errorf("%w: %T does not implement proto.Message", ErrMarshalFailed, v)
		}
		data, err = proto.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("%w (Protobuf): %v", ErrMarshalFailed, err)
		}

	default:
		return nil, fmt.Errorf("%w: format %d", ErrUnknownFormat, format)
	}

	out := make([]byte, len(data)+1)
	out[0] = byte(format)
	copy(out[1:], data)

	return out, nil
}

// Unmarshal decodes data into v, detecting the format from the prefix
func (s *Serializer) Unmarshal(data []byte, v interface{}) error {
	format, body, err := s.DetectFormat(data)
	if err != nil {
		return err
	}
	return s.UnmarshalWithFormat(body, v, format)
}

// UnmarshalWithFormat decodes an unprefixed body in the given format
func (s *Serializer) UnmarshalWithFormat(data []byte, v interface{}, format Format) error {
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("%w (JSON): %v", ErrUnmarshalFailed, err)
		}
		return nil

	case FormatProtobuf:
		msg, ok := v.(proto.Message)
		if !ok {
			return fmt.Errorf("%w: %T does not implement proto.Message", ErrUnmarshalFailed, v)
		}
		if err := proto.Unmarshal(data, msg); err != nil {
			return fmt.Errorf("%w (Protobuf): %v", ErrUnmarshalFailed, err)
		}
		return nil

	default:
		return fmt.Errorf("%w: format %d", ErrUnknownFormat, format)
	}
}

// DetectFormat returns the format of data and the body without its prefix.
// Unprefixed JSON objects and arrays are accepted as legacy JSON.
func (s *Serializer) DetectFormat(data []byte) (Format, []byte, error) {
	if len(data) == 0 {
		return FormatJSON, nil, fmt.Errorf("%w: empty record", ErrUnknownFormat)
	}

	switch format := Format(data[0]); format {
	case FormatJSON, FormatProtobuf:
		return format, data[1:], nil
	default:
		if data[0] == '{' || data[0] == '[' {
			return FormatJSON, data, nil
		}
		return FormatJSON, data, fmt.Errorf("%w: unknown format byte 0x%02X", ErrUnknownFormat, data[0])
	}
}

// GetFormat returns the format of a serialized record
func (s *Serializer) GetFormat(data []byte) (Format, error) {
	format, _, err := s.DetectFormat(data)
	return format, err
}
