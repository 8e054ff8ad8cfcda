package mapdata

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/gzip"
	require "github.com/stretchr/testify/require"

	"github.com/user/roborock-go/pkg/crypto"
	"github.com/user/roborock-go/roborock"
)

func encodeFixture(t *testing.T, endpoint string, blob []byte, timestamp uint32) []byte {
	t.Helper()
	var gzBuf bytes.Buffer
	gw := gzip.NewWriter(&gzBuf)
	if _, err := gw.Write(blob); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}

	ciphertext, err := crypto.EncryptV1(gzBuf.Bytes(), timestamp)
	if err != nil {
		t.Fatalf("EncryptV1: %v", err)
	}

	header := make([]byte, headerSize)
	copy(header[0:8], endpoint)
	return append(header, ciphertext...)
}

func TestDecodeRoundTrip(t *testing.T) {
	const ts = uint32(1700000000)
	sec := roborock.SecurityData{Endpoint: "abc123"}
	payload := encodeFixture(t, sec.Endpoint, []byte("room layout blob"), ts)

	got, err := Decode(payload, sec, ts)
	require.NoError(t, err)
	require.Equal(t, "room layout blob", string(got))
}

func TestDecodeRejectsForeignClient(t *testing.T) {
	const ts = uint32(1700000000)
	payload := encodeFixture(t, "someone-else", []byte("blob"), ts)

	_, err := Decode(payload, roborock.SecurityData{Endpoint: "abc123"}, ts)
	require.ErrorIs(t, err, ErrForeignClient)
}

func TestDecodeTooShort(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3}, roborock.SecurityData{}, 0)
	require.Error(t, err)
}
