// Package mapdata decodes the MAP_RESPONSE payload format: a 24-byte
// header identifying which client the map belongs to, followed by an
// AES-CBC-encrypted, gzip-compressed map blob.
package mapdata

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/user/roborock-go/pkg/crypto"
	"github.com/user/roborock-go/roborock"
)

const headerSize = 24

// ErrForeignClient is returned when a MAP_RESPONSE's endpoint doesn't
// match this client's SecurityData — the response belongs to another
// client sharing the same device and must be dropped, not surfaced as an
// error to the caller awaiting their own map.
var ErrForeignClient = fmt.Errorf("mapdata: response endpoint does not match this client")

// Decode parses a raw MAP_RESPONSE payload, verifying it belongs to sec
// before decrypting and decompressing the map blob.
func Decode(payload []byte, sec roborock.SecurityData, timestamp uint32) ([]byte, error) {
	if len(payload) < headerSize {
		return nil, fmt.Errorf("mapdata: payload too short: %d bytes", len(payload))
	}

	endpoint := string(bytes.TrimRight(payload[0:8], "\x00"))
	if endpoint != sec.Endpoint {
		return nil, ErrForeignClient
	}
	_ = binary.LittleEndian.Uint16(payload[16:18]) // request_id, unused by the decoder itself

	ciphertext := payload[headerSize:]
	plain, err := crypto.DecryptV1(ciphertext, timestamp)
	if err != nil {
		return nil, fmt.Errorf("mapdata: decrypt: %w", err)
	}

	gz, err := gzip.NewReader(bytes.NewReader(plain))
	if err != nil {
		return nil, fmt.Errorf("mapdata: gzip: %w", err)
	}
	defer gz.Close()
	blob, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("mapdata: gzip read: %w", err)
	}
	return blob, nil
}
