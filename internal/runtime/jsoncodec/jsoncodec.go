// Package jsoncodec is the single JSON implementation used for payloads, HTTP
// bodies and the sink's tag column.
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

// ConfigStd matches encoding/json output (sorted map keys, escaped HTML,
// validated strings) so encoded payloads stay byte-compatible with other
// JSON consumers of the queue.
var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

// MarshalString is Marshal for callers that need text, such as CSV cells.
func MarshalString(v any) (string, error) {
	return defaultConfig.MarshalToString(v)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	return defaultConfig.NewEncoder(w).Encode(v)
}

func Decode(r io.Reader, v any) error {
	return defaultConfig.NewDecoder(r).Decode(v)
}
