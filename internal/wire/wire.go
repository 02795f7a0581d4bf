// Package wire implements the deterministic, schema-fixed binary
// encoding of the {kind, sender, payload} frame exchanged between
// participants. Protobuf's canonical field ordering gives a stable
// byte representation independent of map iteration order or struct
// field order, so the same frame always encodes to the same bytes.
package wire

import (
	"errors"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrTruncatedFrame  = errors.New("wire: truncated frame")
	ErrIncompleteFrame = errors.New("wire: frame missing required field")
)

const (
	fieldKind    = protowire.Number(1)
	fieldSender  = protowire.Number(2)
	fieldPayload = protowire.Number(3)
)

// Frame is the canonical {kind, sender, payload} triple carried over
// the wire. Kind and Payload are opaque to this package; callers
// define what they mean.
type Frame struct {
	Kind    byte
	Sender  string
	Payload []byte
}

// EncodeFrame appends the three fields in ascending field-number
// order, matching protobuf's canonical output for a message with no
// optional-field ambiguity.
func EncodeFrame(f Frame) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Kind))
	b = protowire.AppendTag(b, fieldSender, protowire.BytesType)
	b = protowire.AppendString(b, f.Sender)
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, f.Payload)
	return b
}

// DecodeFrame parses bytes produced by EncodeFrame. Unknown fields
// are skipped rather than rejected, so the frame can grow new fields
// without breaking older readers.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	var sawKind, sawSender bool
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Frame{}, ErrTruncatedFrame
		}
		data = data[n:]

		switch num {
		case fieldKind:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Frame{}, ErrTruncatedFrame
			}
			f.Kind = byte(v)
			sawKind = true
			data = data[n:]
		case fieldSender:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return Frame{}, ErrTruncatedFrame
			}
			f.Sender = v
			sawSender = true
			data = data[n:]
		case fieldPayload:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Frame{}, ErrTruncatedFrame
			}
			f.Payload = append([]byte(nil), v...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Frame{}, ErrTruncatedFrame
			}
			data = data[n:]
		}
	}
	if !sawKind || !sawSender {
		return Frame{}, ErrIncompleteFrame
	}
	return f, nil
}
