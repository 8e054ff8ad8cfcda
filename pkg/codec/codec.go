// Package codec implements the Roborock wire frame: header layout, the two
// cipher suites (V1 CBC+MD5 via pkg/crypto, L01 GCM via pkg/crypto), and a
// garbage-tolerant scanner so a stream that occasionally has junk bytes
// prepended by the device never wedges the reader.
//
// Codec itself does no I/O — it is a pure function of bytes in, messages
// out — so LocalChannel's streaming reader and a one-shot MQTT payload
// decode share the same scanning logic.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/user/roborock-go/pkg/crypto"
	"github.com/user/roborock-go/pkg/wire"
)

const headerSize = 19 // version(3) + seq(4) + random(4) + timestamp(4) + protocol(2) + payloadLen(2)
const trailerSize = 4 // crc32

// ErrUnknownVersion is returned by Encode for a version this codec does
// not know how to cipher.
var ErrUnknownVersion = fmt.Errorf("codec: unknown protocol version")

// Encode frames and encrypts msg. nonces is only consulted for VersionL01;
// pass a zero-value crypto.L01NonceBox for V1-family versions.
func Encode(msg wire.Message, localKey string, nonces crypto.L01NonceBox) ([]byte, error) {
	encPayload, err := encryptPayload(msg.Version, msg.Payload, localKey, msg.Timestamp, msg.Seq, msg.Random, nonces)
	if err != nil {
		return nil, err
	}
	if len(encPayload) > 0xFFFF {
		return nil, fmt.Errorf("codec: encrypted payload too large: %d bytes", len(encPayload))
	}

	frame := make([]byte, headerSize, headerSize+len(encPayload)+trailerSize)
	copy(frame[0:3], []byte(msg.Version))
	binary.BigEndian.PutUint32(frame[3:7], msg.Seq)
	binary.BigEndian.PutUint32(frame[7:11], msg.Random)
	binary.BigEndian.PutUint32(frame[11:15], msg.Timestamp)
	binary.BigEndian.PutUint16(frame[15:17], uint16(msg.Protocol))
	binary.BigEndian.PutUint16(frame[17:19], uint16(len(encPayload)))
	frame = append(frame, encPayload...)

	crc := crc32.ChecksumIEEE(frame)
	var crcBytes [trailerSize]byte
	binary.BigEndian.PutUint32(crcBytes[:], crc)
	frame = append(frame, crcBytes[:]...)
	return frame, nil
}

// Decode parses every valid frame out of data, tolerating arbitrary
// garbage anywhere a frame doesn't start, and tolerating multiple frames
// concatenated together. Trailing bytes that look like they might be the
// start of an as-yet-incomplete frame are silently dropped (callers that
// need to retain them across reads should use DecodeStream instead).
func Decode(data []byte, localKey string, nonces crypto.L01NonceBox) ([]wire.Message, error) {
	msgs, _ := scan(data, localKey, nonces)
	return msgs, nil
}

// DecodeStream consumes as many complete frames as are available from buf,
// in place, leaving any trailing garbage or partial frame for the next
// call once more bytes have been appended.
func DecodeStream(buf *bytes.Buffer, localKey string, nonces crypto.L01NonceBox) ([]wire.Message, error) {
	msgs, consumed := scan(buf.Bytes(), localKey, nonces)
	if consumed > 0 {
		buf.Next(consumed)
	}
	return msgs, nil
}

func isValidVersion(tag []byte) (wire.Version, bool) {
	switch wire.Version(tag) {
	case wire.VersionV1, wire.VersionA01, wire.VersionB01, wire.VersionL01:
		return wire.Version(tag), true
	default:
		return "", false
	}
}

// scan returns every complete, checksum-valid frame found in data and the
// number of leading bytes that were consumed by those frames (i.e. may be
// discarded by a streaming caller).
func scan(data []byte, localKey string, nonces crypto.L01NonceBox) ([]wire.Message, int) {
	var msgs []wire.Message
	i := 0
	n := len(data)

	for i < n {
		if n-i < headerSize {
			break
		}
		version, ok := isValidVersion(data[i : i+3])
		if !ok {
			i++
			continue
		}
		seq := binary.BigEndian.Uint32(data[i+3 : i+7])
		random := binary.BigEndian.Uint32(data[i+7 : i+11])
		timestamp := binary.BigEndian.Uint32(data[i+11 : i+15])
		protocol := binary.BigEndian.Uint16(data[i+15 : i+17])
		payloadLen := int(binary.BigEndian.Uint16(data[i+17 : i+19]))

		frameLen := headerSize + payloadLen + trailerSize
		if n-i < frameLen {
			// Could be a legitimate frame still arriving; wait for more
			// bytes rather than treating it as garbage.
			break
		}

		headerAndPayload := data[i : i+headerSize+payloadLen]
		wantCRC := binary.BigEndian.Uint32(data[i+headerSize+payloadLen : i+frameLen])
		if crc32.ChecksumIEEE(headerAndPayload) != wantCRC {
			i++
			continue
		}

		encPayload := data[i+headerSize : i+headerSize+payloadLen]
		plain, err := decryptPayload(version, encPayload, localKey, timestamp, seq, random, nonces)
		if err != nil {
			// Checksum matched but decryption failed: treat as a false
			// positive in the garbage and keep scanning.
			i++
			continue
		}

		msgs = append(msgs, wire.Message{
			Protocol:  wire.Protocol(protocol),
			Version:   version,
			Seq:       seq,
			Random:    random,
			Timestamp: timestamp,
			Payload:   plain,
		})
		i += frameLen
	}

	return msgs, i
}

func encryptPayload(version wire.Version, payload []byte, localKey string, timestamp, seq, random uint32, nonces crypto.L01NonceBox) ([]byte, error) {
	switch version {
	case wire.VersionL01:
		return crypto.EncryptL01(payload, localKey, timestamp, seq, random, nonces)
	case wire.VersionV1, wire.VersionA01, wire.VersionB01:
		return crypto.EncryptV1(payload, timestamp)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownVersion, version)
	}
}

func decryptPayload(version wire.Version, ciphertext []byte, localKey string, timestamp, seq, random uint32, nonces crypto.L01NonceBox) ([]byte, error) {
	switch version {
	case wire.VersionL01:
		return crypto.DecryptL01(ciphertext, localKey, timestamp, seq, random, nonces)
	case wire.VersionV1, wire.VersionA01, wire.VersionB01:
		return crypto.DecryptV1(ciphertext, timestamp)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownVersion, version)
	}
}
