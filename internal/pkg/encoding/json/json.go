// Package json wraps the JSON codec used across the module.
// Map keys are always sorted, so the encoded output of equal values is byte-identical.
package json

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/keboola/marketplace-live/internal/pkg/utils/errors"
)

// nolint: gochecknoglobals
var api = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
}.Froze()

type RawMessage = jsoniter.RawMessage

func Encode(v any, pretty bool) ([]byte, error) {
	var data []byte
	var err error
	if pretty {
		data, err = api.MarshalIndent(v, "", "  ")
	} else {
		data, err = api.Marshal(v)
	}
	if err != nil {
		return nil, errors.Wrap(err, "cannot encode JSON")
	}
	return data, nil
}

func EncodeString(v any, pretty bool) (string, error) {
	data, err := Encode(v, pretty)
	return string(data), err
}

func MustEncodeString(v any, pretty bool) string {
	str, err := EncodeString(v, pretty)
	if err != nil {
		panic(err)
	}
	return str
}

func Decode(data []byte, v any) error {
	if err := api.Unmarshal(data, v); err != nil {
		return errors.Wrap(err, "cannot decode JSON")
	}
	return nil
}

func DecodeString(data string, v any) error {
	return Decode([]byte(data), v)
}
