// Package jsoncodec is the single JSON entry point of sagaflow. Persisted
// records, JSON event codecs and the inspection API all go through sonic.
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

var (
	defaultConfig = sonic.ConfigStd

	// numberConfig decodes numbers into json.Number so integers beyond 2^53
	// keep every digit.
	numberConfig = sonic.Config{
		EscapeHTML:       true,
		SortMapKeys:      true,
		CompactMarshaler: true,
		CopyString:       true,
		ValidateString:   true,
		UseNumber:        true,
	}.Froze()

	// canonicalConfig sorts map keys and leaves HTML characters alone so the
	// same value always yields the same bytes.
	canonicalConfig = sonic.Config{
		SortMapKeys:      true,
		CompactMarshaler: true,
		ValidateString:   true,
	}.Froze()
)

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

// MarshalCanonical encodes v with sorted object keys and no HTML escaping.
func MarshalCanonical(v any) ([]byte, error) {
	return canonicalConfig.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// UnmarshalNumbers is Unmarshal with numbers decoded into interface values
// as json.Number instead of float64.
func UnmarshalNumbers(data []byte, v any) error {
	return numberConfig.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	enc := defaultConfig.NewEncoder(w)
	return enc.Encode(v)
}

// Decode reads a single value from r. The decoder may buffer past that
// value, so use NewDecoder to read a stream of values.
func Decode(r io.Reader, v any) error {
	return NewDecoder(r).Decode(v)
}

// NewDecoder returns a decoder that reads successive values from r.
func NewDecoder(r io.Reader) sonic.Decoder {
	return defaultConfig.NewDecoder(r)
}
