package channel

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// PayloadCodec serializes messages before encryption.
type PayloadCodec interface {
	Name() string
	Marshal(Message) ([]byte, error)
	Unmarshal([]byte, *Message) error
}

// Payload codec names.
const (
	PayloadJSON = "json"
	PayloadCBOR = "cbor"
)

// ParsePayloadCodec resolves a configured codec name. The empty string
// selects JSON.
func ParsePayloadCodec(name string) (PayloadCodec, error) {
	switch name {
	case "", PayloadJSON:
		return JSONCodec{}, nil
	case PayloadCBOR:
		return CBORCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown payload codec %q", name)
	}
}

// JSONCodec encodes messages as JSON.
type JSONCodec struct{}

func (JSONCodec) Name() string { return PayloadJSON }

func (JSONCodec) Marshal(m Message) ([]byte, error) { return json.Marshal(m) }

func (JSONCodec) Unmarshal(b []byte, m *Message) error { return json.Unmarshal(b, m) }

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor encoder mode: %v", err))
	}
	cborDec, err = cbor.DecOptions{
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		MaxNestedLevels: 16,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cbor decoder mode: %v", err))
	}
}

// CBORCodec encodes messages as canonical CBOR.
type CBORCodec struct{}

func (CBORCodec) Name() string { return PayloadCBOR }

func (CBORCodec) Marshal(m Message) ([]byte, error) { return cborEnc.Marshal(m) }

func (CBORCodec) Unmarshal(b []byte, m *Message) error { return cborDec.Unmarshal(b, m) }
