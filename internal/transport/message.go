// Package transport implements the Transport & Message Router (§4.4):
// point-to-point connections between participants, message framing,
// and dispatch of the seven message kinds to a Handler.
package transport

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"

	"lukechampine.com/blake3"

	"github.com/nimbusledger/streamlet/internal/chain"
	"github.com/nimbusledger/streamlet/internal/digest"
	"github.com/nimbusledger/streamlet/internal/wire"
)

// Kind identifies the payload carried by an Envelope: one of the
// seven message kinds the wire protocol exchanges between
// participants (§4.4).
type Kind byte

const (
	KindPropose Kind = iota
	KindVote
	KindEcho
	KindEchoNotarize
	KindEchoTransaction
	KindQueryMissingBlocks
	KindResponseMissingBlocks
)

func (k Kind) String() string {
	switch k {
	case KindPropose:
		return "PROPOSE"
	case KindVote:
		return "VOTE"
	case KindEcho:
		return "ECHO"
	case KindEchoNotarize:
		return "ECHO_NOTARIZE"
	case KindEchoTransaction:
		return "ECHO_TRANSACTION"
	case KindQueryMissingBlocks:
		return "QUERY_MISSING_BLOCKS"
	case KindResponseMissingBlocks:
		return "RESPONSE_MISSING_BLOCKS"
	default:
		return fmt.Sprintf("UNKNOWN_KIND(%d)", k)
	}
}

var (
	ErrSerialize       = errors.New("failed to serialize envelope")
	ErrDeserialize     = errors.New("failed to deserialize envelope")
	ErrUnknownKind     = errors.New("unknown message kind")
	ErrMissingSender   = errors.New("envelope missing sender id")
)

// Envelope is the wire unit exchanged between participants: a Kind
// tag, the sender's node id, and a gob-encoded payload specific to
// that kind.
type Envelope struct {
	Kind     Kind
	SenderID string
	Payload  []byte
}

// ProposePayload carries a full proposed block.
type ProposePayload struct {
	Block *chain.Block
}

// VotePayload carries one participant's vote on a block header,
// signed over Header.Hash by the voter (§1 signing abstraction).
type VotePayload struct {
	Header    chain.Header
	Voter     string
	Signature []byte
}

// EchoPayload wraps a previously-seen envelope for one further hop of
// gossip relay (§4.4 Dispatch rule 3: only a non-ECHO message is
// re-broadcast, and it is re-broadcast wrapped as an ECHO so the
// recipients know not to wrap it again).
type EchoPayload struct {
	Inner []byte // an encoded Envelope
}

// EchoNotarizePayload carries a notarized block to laggard peers.
type EchoNotarizePayload struct {
	Block *chain.Block
}

// EchoTransactionPayload gossips one mempool transaction.
type EchoTransactionPayload struct {
	Transaction chain.Transaction
	TargetEpoch uint64
}

// QueryMissingBlocksPayload requests every notarized block after
// LastEpoch, as part of the recovery bootstrap (§4.6).
type QueryMissingBlocksPayload struct {
	LastEpoch uint64
}

// ResponseMissingBlocksPayload answers a recovery query.
type ResponseMissingBlocksPayload struct {
	Blocks []*chain.Block
}

func init() {
	gob.Register(&chain.Block{})
}

// Encode serializes an Envelope for transmission: the outer
// {kind, sender, payload} triple is protobuf's canonical wire
// encoding (deterministic field order, no struct-tag ambiguity); the
// payload itself was already gob-encoded by encodePayload.
func Encode(e *Envelope) ([]byte, error) {
	return wire.EncodeFrame(wire.Frame{
		Kind:    byte(e.Kind),
		Sender:  e.SenderID,
		Payload: e.Payload,
	}), nil
}

// Decode parses a byte slice produced by Encode.
func Decode(data []byte) (*Envelope, error) {
	f, err := wire.DecodeFrame(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeserialize, err)
	}
	if f.Sender == "" {
		return nil, ErrMissingSender
	}
	return &Envelope{Kind: Kind(f.Kind), SenderID: f.Sender, Payload: f.Payload}, nil
}

// encodePayload/decodePayload route every payload struct through
// wire.EncodeGob/DecodeGob, the same nested-encoding helper
// internal/storage uses for its own persisted block records — one gob
// convention for everything that rides inside a Frame's opaque
// Payload bytes.
func encodePayload(p interface{}) ([]byte, error) {
	data, err := wire.EncodeGob(p)
	if err != nil {
		return nil, fmt.Errorf("%w: payload type %T: %v", ErrSerialize, p, err)
	}
	return data, nil
}

func decodePayload(data []byte, target interface{}) error {
	if err := wire.DecodeGob(data, target); err != nil {
		return fmt.Errorf("%w: payload type %T: %v", ErrDeserialize, target, err)
	}
	return nil
}

// digestOf returns a stable digest identifying an envelope for the
// seen-message dedup cache. It has the digest.Digest type but is not a
// block digest: it is BLAKE3 over the envelope's kind, sender id and
// raw (gob-encoded) payload bytes, truncated to digest.Size.
func digestOf(e *Envelope) digest.Digest {
	var buf bytes.Buffer
	buf.WriteByte(byte(e.Kind))
	buf.WriteString(e.SenderID)
	buf.Write(e.Payload)
	sum := blake3.Sum256(buf.Bytes())
	var d digest.Digest
	copy(d[:], sum[:digest.Size])
	return d
}
