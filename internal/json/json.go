// Package json provides internal JSON utilities backed by a
// drop-in-compatible, allocation-lighter codec than encoding/json.
package json

import (
	"io"

	json "github.com/segmentio/encoding/json"

	"github.com/webrpc/capnet/internal/strictjson"
)

func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return json.MarshalIndent(v, prefix, indent)
}

// Unmarshal decodes data into v, rejecting case-smuggled field names
// (e.g. "rε" standing in for the wire's "Rε") along the way: the wire
// format's field names are case-sensitive, and Go's default JSON decode
// is not.
func Unmarshal(data []byte, v any) error {
	return strictjson.StrictUnmarshal(data, v)
}

func NewEncoder(w io.Writer) *json.Encoder {
	return json.NewEncoder(w)
}

func NewDecoder(r io.Reader) *json.Decoder {
	return json.NewDecoder(r)
}
