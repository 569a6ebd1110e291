package crdt

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxArrayElements: 1 << 20,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// EncodeUpdate serializes an update using deterministic CBOR so that equal
// updates always produce identical bytes.
func EncodeUpdate(update Update) ([]byte, error) {
	payload, err := encMode.Marshal(update)
	if err != nil {
		return nil, fmt.Errorf("crdt: encode update: %w", err)
	}
	return payload, nil
}

// DecodeUpdate parses and validates an update produced by EncodeUpdate.
func DecodeUpdate(payload []byte) (Update, error) {
	if len(payload) == 0 {
		return Update{}, fmt.Errorf("%w: empty payload", ErrMalformedUpdate)
	}
	var update Update
	if err := decMode.Unmarshal(payload, &update); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	if err := update.validate(); err != nil {
		return Update{}, err
	}
	return update, nil
}
