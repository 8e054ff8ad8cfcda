package crypto

import (
	"bytes"
	"testing"
)

func TestV1RoundTrip(t *testing.T) {
	plaintext := []byte("test_payload")
	const ts = uint32(1700000000)

	ciphertext, err := EncryptV1(plaintext, ts)
	if err != nil {
		t.Fatalf("EncryptV1 failed: %v", err)
	}
	got, err := DecryptV1(ciphertext, ts)
	if err != nil {
		t.Fatalf("DecryptV1 failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("round trip mismatch: got %q, want %q", got, plaintext)
	}
}

func TestV1WrongTimestampFails(t *testing.T) {
	ciphertext, err := EncryptV1([]byte("payload"), 1700000000)
	if err != nil {
		t.Fatalf("EncryptV1 failed: %v", err)
	}
	// A different timestamp derives a different key/IV; decrypting with it
	// should not recover the original plaintext (and will usually fail
	// PKCS#7 unpadding outright).
	got, err := DecryptV1(ciphertext, 1700000001)
	if err == nil && bytes.Equal(got, []byte("payload")) {
		t.Error("expected decrypt with wrong timestamp to fail or produce garbage")
	}
}

func TestL01RoundTrip(t *testing.T) {
	plaintext := []byte("test_payload")
	nonces := L01NonceBox{ConnectNonce: 123, AckNonce: 456}

	ciphertext, err := EncryptL01(plaintext, "local_key", 1700000000, 1, 123, nonces)
	if err != nil {
		t.Fatalf("EncryptL01 failed: %v", err)
	}
	got, err := DecryptL01(ciphertext, "local_key", 1700000000, 1, 123, nonces)
	if err != nil {
		t.Fatalf("DecryptL01 failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("round trip mismatch: got %q, want %q", got, plaintext)
	}
}

func TestL01MismatchedNoncesFail(t *testing.T) {
	plaintext := []byte("test_payload")
	encodeNonces := L01NonceBox{ConnectNonce: 123, AckNonce: 456}
	decodeNonces := L01NonceBox{ConnectNonce: 123, AckNonce: 999}

	ciphertext, err := EncryptL01(plaintext, "local_key", 1700000000, 1, 123, encodeNonces)
	if err != nil {
		t.Fatalf("EncryptL01 failed: %v", err)
	}
	if _, err := DecryptL01(ciphertext, "local_key", 1700000000, 1, 123, decodeNonces); err == nil {
		t.Error("expected decrypt with mismatched nonces to fail GCM verification")
	}
}

func TestEndpointDeterministic(t *testing.T) {
	e1 := Endpoint("some-account-key")
	e2 := Endpoint("some-account-key")
	if e1 != e2 {
		t.Errorf("Endpoint should be deterministic: got %q and %q", e1, e2)
	}
	if len(e1) == 0 {
		t.Error("Endpoint should not be empty")
	}
}

func TestMQTTCredentialsDeterministic(t *testing.T) {
	u1 := MQTTUsername("mqttuser", "k")
	u2 := MQTTUsername("mqttuser", "k")
	if u1 != u2 || len(u1) != 8 {
		t.Errorf("MQTTUsername should be an 8-char deterministic string, got %q", u1)
	}
	p1 := MQTTPassword("mqttsecret", "k")
	if len(p1) == 0 {
		t.Error("MQTTPassword should not be empty")
	}
}

func TestRandomNonceUnique(t *testing.T) {
	n1, err := RandomNonce()
	if err != nil {
		t.Fatalf("RandomNonce failed: %v", err)
	}
	n2, err := RandomNonce()
	if err != nil {
		t.Fatalf("RandomNonce failed: %v", err)
	}
	if n1 == n2 {
		t.Error("two calls to RandomNonce should not collide")
	}
}
