// Package xjson is the single JSON import site for the module.
package xjson

import (
	"io"

	gjson "github.com/goccy/go-json"
)

func Marshal(v any) ([]byte, error) {
	return gjson.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return gjson.Unmarshal(data, v)
}

// NewLineEncoder returns an encoder writing one JSON document per line.
func NewLineEncoder(w io.Writer) *gjson.Encoder {
	enc := gjson.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc
}
