package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/edgeflare/cdcnorm/pkg/cdc"
)

var (
	ErrNotObject     = errors.New("record is not a JSON object")
	ErrTrailingInput = errors.New("unexpected data after record")
)

// Codec decodes raw change records and encodes normalized events.
type Codec interface {
	Decode(data []byte) (map[string]any, error)
	Encode(event *cdc.Event) ([]byte, error)
}

// JSONCodec reads and writes JSON. Numbers are decoded as json.Number so
// large integers and decimals are forwarded without float rounding.
type JSONCodec struct{}

func (JSONCodec) Decode(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, ErrTrailingInput
	}

	record, ok := v.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}
	return record, nil
}

func (JSONCodec) Encode(event *cdc.Event) ([]byte, error) {
	return json.Marshal(event)
}
