package codec

import (
	"bytes"
	"testing"

	"github.com/user/roborock-go/pkg/crypto"
	"github.com/user/roborock-go/pkg/wire"
)

const testLocalKey = "local_key"

func TestV1RoundTrip(t *testing.T) {
	msg := wire.Message{
		Version:   wire.VersionV1,
		Protocol:  wire.ProtocolRPCRequest,
		Seq:       1,
		Random:    123,
		Timestamp: 1700000000,
		Payload:   []byte("test_payload"),
	}

	encoded, err := Encode(msg, testLocalKey, crypto.L01NonceBox{})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, err := Decode(encoded, testLocalKey, crypto.L01NonceBox{})
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(decoded) != 1 {
		t.Fatalf("expected 1 message, got %d", len(decoded))
	}
	got := decoded[0]
	if !bytes.Equal(got.Payload, msg.Payload) {
		t.Errorf("payload mismatch: got %q want %q", got.Payload, msg.Payload)
	}
	if got.Seq != msg.Seq || got.Random != msg.Random || got.Timestamp != msg.Timestamp {
		t.Errorf("header mismatch: got %+v want %+v", got, msg)
	}
	if got.Protocol != msg.Protocol || got.Version != msg.Version {
		t.Errorf("protocol/version mismatch: got %+v want %+v", got, msg)
	}
}

func TestL01RoundTripWithNonces(t *testing.T) {
	msg := wire.Message{
		Version:   wire.VersionL01,
		Protocol:  wire.ProtocolRPCRequest,
		Seq:       1,
		Random:    123,
		Timestamp: 1700000000,
		Payload:   []byte("test_payload"),
	}
	nonces := crypto.L01NonceBox{ConnectNonce: 123, AckNonce: 456}

	encoded, err := Encode(msg, testLocalKey, nonces)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, err := Decode(encoded, testLocalKey, nonces)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(decoded) != 1 || !bytes.Equal(decoded[0].Payload, msg.Payload) {
		t.Fatalf("round trip failed: %+v", decoded)
	}

	wrongNonces := crypto.L01NonceBox{ConnectNonce: 123, AckNonce: 999}
	decodedWrong, err := Decode(encoded, testLocalKey, wrongNonces)
	if err != nil {
		t.Fatalf("Decode should not error, just drop undecryptable frames: %v", err)
	}
	if len(decodedWrong) != 0 {
		t.Errorf("decoding with mismatched nonces should find no valid messages, got %d", len(decodedWrong))
	}
}

func TestGarbagePrefixTolerance(t *testing.T) {
	msg := wire.Message{
		Version:   wire.VersionV1,
		Protocol:  wire.ProtocolRPCRequest,
		Seq:       1,
		Random:    123,
		Timestamp: 1700000000,
		Payload:   []byte("test_payload"),
	}
	encoded, err := Encode(msg, testLocalKey, crypto.L01NonceBox{})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	garbagePrefixes := [][]byte{
		{},
		{0x00, 0x00, 0x05, 0xa1},
		{0x00, 0x00, 0x05, 0xa1, 0xff, 0xff},
		bytes.Repeat([]byte{0xAB}, 8),
	}
	for _, g := range garbagePrefixes {
		decoded, err := Decode(append(append([]byte(nil), g...), encoded...), testLocalKey, crypto.L01NonceBox{})
		if err != nil {
			t.Fatalf("Decode failed with garbage prefix %x: %v", g, err)
		}
		if len(decoded) != 1 || !bytes.Equal(decoded[0].Payload, msg.Payload) {
			t.Errorf("garbage prefix %x: expected to recover original message, got %+v", g, decoded)
		}
	}
}

func TestMultipleConcatenatedFrames(t *testing.T) {
	msg1 := wire.Message{Version: wire.VersionV1, Protocol: wire.ProtocolRPCRequest, Seq: 1, Random: 1, Timestamp: 1700000000, Payload: []byte("first")}
	msg2 := wire.Message{Version: wire.VersionV1, Protocol: wire.ProtocolRPCResponse, Seq: 2, Random: 2, Timestamp: 1700000001, Payload: []byte("second")}

	e1, err := Encode(msg1, testLocalKey, crypto.L01NonceBox{})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	e2, err := Encode(msg2, testLocalKey, crypto.L01NonceBox{})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decoded, err := Decode(append(e1, e2...), testLocalKey, crypto.L01NonceBox{})
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(decoded))
	}
	if string(decoded[0].Payload) != "first" || string(decoded[1].Payload) != "second" {
		t.Errorf("unexpected payloads: %q, %q", decoded[0].Payload, decoded[1].Payload)
	}
}

func TestDecodeStreamPartialFrame(t *testing.T) {
	msg := wire.Message{Version: wire.VersionV1, Protocol: wire.ProtocolRPCRequest, Seq: 1, Random: 1, Timestamp: 1700000000, Payload: []byte("streamed")}
	encoded, err := Encode(msg, testLocalKey, crypto.L01NonceBox{})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	buf := new(bytes.Buffer)
	split := len(encoded) / 2
	buf.Write(encoded[:split])

	decoded, err := DecodeStream(buf, testLocalKey, crypto.L01NonceBox{})
	if err != nil {
		t.Fatalf("DecodeStream failed: %v", err)
	}
	if len(decoded) != 0 {
		t.Fatalf("expected no messages from a partial frame, got %d", len(decoded))
	}
	if buf.Len() != split {
		t.Errorf("partial frame bytes should remain buffered, got %d want %d", buf.Len(), split)
	}

	buf.Write(encoded[split:])
	decoded, err = DecodeStream(buf, testLocalKey, crypto.L01NonceBox{})
	if err != nil {
		t.Fatalf("DecodeStream failed: %v", err)
	}
	if len(decoded) != 1 || string(decoded[0].Payload) != "streamed" {
		t.Fatalf("expected the completed frame to decode, got %+v", decoded)
	}
	if buf.Len() != 0 {
		t.Errorf("buffer should be fully drained, got %d bytes left", buf.Len())
	}
}

func TestDecodeEmptyData(t *testing.T) {
	decoded, err := Decode(nil, testLocalKey, crypto.L01NonceBox{})
	if err != nil {
		t.Fatalf("Decode(nil) should not error: %v", err)
	}
	if len(decoded) != 0 {
		t.Errorf("expected no messages from empty input")
	}
}
