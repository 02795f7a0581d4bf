package wire

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeFrameRoundTrips(t *testing.T) {
	f := Frame{Kind: 4, Sender: "A", Payload: []byte("hello")}
	data := EncodeFrame(f)
	got, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Kind != f.Kind || got.Sender != f.Sender || !bytes.Equal(got.Payload, f.Payload) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, f)
	}
}

func TestEncodeFrameIsDeterministic(t *testing.T) {
	f := Frame{Kind: 1, Sender: "B", Payload: []byte{1, 2, 3}}
	a := EncodeFrame(f)
	b := EncodeFrame(f)
	if !bytes.Equal(a, b) {
		t.Fatalf("expected identical encodings for identical frames")
	}
}

func TestDecodeFrameRejectsTruncatedInput(t *testing.T) {
	f := Frame{Kind: 1, Sender: "C", Payload: []byte{9}}
	data := EncodeFrame(f)
	if _, err := DecodeFrame(data[:len(data)-2]); err == nil {
		t.Fatalf("expected an error decoding truncated frame data")
	}
}

func TestDecodeFrameRejectsMissingFields(t *testing.T) {
	if _, err := DecodeFrame(nil); err == nil {
		t.Fatalf("expected error decoding an empty frame")
	}
}

func TestGobRoundTrip(t *testing.T) {
	type payload struct {
		A int
		B string
	}
	in := payload{A: 7, B: "x"}
	data, err := EncodeGob(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var out payload
	if err := DecodeGob(data, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("got %+v, want %+v", out, in)
	}
}
