package transport

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// MaxEnvelopeBytes caps the encoded size of a single envelope. Payloads
// larger than this must be fragmented across envelopes, which the protocol
// supports natively.
const MaxEnvelopeBytes = 16 << 20

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		Time:        cbor.TimeRFC3339Nano,
		IndefLength: cbor.IndefLengthForbidden,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("transport: cbor enc mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		IndefLength:      cbor.IndefLengthForbidden,
		MaxArrayElements: 1 << 20,
		MaxMapPairs:      1 << 20,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("transport: cbor dec mode: %v", err))
	}
}

// EncodeEnvelope serializes an envelope to canonical CBOR.
func EncodeEnvelope(env any) ([]byte, error) {
	data, err := encMode.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if len(data) > MaxEnvelopeBytes {
		return nil, fmt.Errorf("encode envelope: %d bytes exceeds limit %d", len(data), MaxEnvelopeBytes)
	}
	return data, nil
}

// DecodeEnvelope deserializes one CBOR envelope, enforcing the size cap
// before touching the decoder.
func DecodeEnvelope(data []byte, env any) error {
	if len(data) > MaxEnvelopeBytes {
		return fmt.Errorf("decode envelope: %d bytes exceeds limit %d", len(data), MaxEnvelopeBytes)
	}
	if err := decMode.Unmarshal(data, env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	return nil
}
