package transport

import (
	"bytes"
	"testing"

	"github.com/nimbusledger/streamlet/internal/chain"
	"github.com/nimbusledger/streamlet/internal/digest"
)

func TestEncodeDecodeEnvelopeRoundTrips(t *testing.T) {
	hasher := digest.NewBlake3Hasher()
	genesis := chain.NewGenesisBlock(hasher)
	payload, err := encodePayload(ProposePayload{Block: genesis})
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	env := &Envelope{Kind: KindPropose, SenderID: "A", Payload: payload}

	data, err := Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Kind != env.Kind || got.SenderID != env.SenderID || !bytes.Equal(got.Payload, env.Payload) {
		t.Fatalf("round trip mismatch: got %+v", got)
	}

	var decoded ProposePayload
	if err := decodePayload(got.Payload, &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.Block.Epoch != genesis.Epoch {
		t.Fatalf("expected genesis epoch %d, got %d", genesis.Epoch, decoded.Block.Epoch)
	}
}

func TestDecodeRejectsMissingSender(t *testing.T) {
	data, _ := Encode(&Envelope{Kind: KindVote, SenderID: "", Payload: []byte("x")})
	if _, err := Decode(data); err == nil {
		t.Fatalf("expected an error decoding an envelope with no sender id")
	}
}

func TestDigestOfIsStableForIdenticalEnvelopes(t *testing.T) {
	e1 := &Envelope{Kind: KindVote, SenderID: "A", Payload: []byte{1, 2, 3}}
	e2 := &Envelope{Kind: KindVote, SenderID: "A", Payload: []byte{1, 2, 3}}
	if digestOf(e1) != digestOf(e2) {
		t.Fatalf("expected identical digests for identical envelopes")
	}
	e3 := &Envelope{Kind: KindVote, SenderID: "B", Payload: []byte{1, 2, 3}}
	if digestOf(e1) == digestOf(e3) {
		t.Fatalf("expected different digests for envelopes with different senders")
	}
}
