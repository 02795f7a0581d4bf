package wire

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// EncodeGob round-trips a payload struct (ProposePayload, VotePayload,
// and friends) into the opaque bytes carried inside a Frame's Payload
// field. The frame itself is protobuf; the richer nested structs
// (chain.Block, with its slice-of-transactions shape) stay on gob,
// matching the teacher's own wire-payload codec.
func EncodeGob(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("wire: gob encode %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

// DecodeGob is the inverse of EncodeGob.
func DecodeGob(data []byte, target interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(target); err != nil {
		return fmt.Errorf("wire: gob decode %T: %w", target, err)
	}
	return nil
}
