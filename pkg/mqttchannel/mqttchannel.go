// Package mqttchannel narrows a shared mqttsession.Session down to one
// device's publish/subscribe topic pair, owning that device's local-key
// codec crypto and the MQTT length-prefix framing so it satisfies the
// roborock.Transport interface exactly like a LocalChannel does.
//
// Topic derivation and the single-subscriber invariant are ported from the
// reference Python client's MqttChannel.
package mqttchannel

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/user/roborock-go/pkg/codec"
	"github.com/user/roborock-go/pkg/crypto"
	"github.com/user/roborock-go/pkg/mqttsession"
	"github.com/user/roborock-go/pkg/rrerrors"
	"github.com/user/roborock-go/pkg/wire"
)

// lengthPrefixSize is the width of the big-endian frame-length prefix MQTT
// payloads carry ahead of each codec frame (local TCP has no such prefix).
const lengthPrefixSize = 4

// Channel is a per-device façade over a shared mqttsession.Session.
type Channel struct {
	session  *mqttsession.Session
	duid     string
	rriotU   string
	mqttUser string // pre-hashed per crypto.MQTTUsername
	localKey string
	version  wire.Version

	mu    sync.Mutex
	seq   uint32
	unsub mqttsession.Unsubscribe
}

// New builds a Channel for one device. rriotU is the account's RRiot.U
// field, mqttUser is the already-hashed MQTT username
// (crypto.MQTTUsername(rriot.U, rriot.K)) shared by every device on the
// account's broker connection, localKey is the device's local_key, and
// version is the device's negotiated wire version (defaults to VersionV1,
// which also covers the A01/B01 families' shared CBC cipher).
func New(session *mqttsession.Session, duid, rriotU, mqttUser, localKey string, version wire.Version) *Channel {
	if version == "" {
		version = wire.VersionV1
	}
	return &Channel{session: session, duid: duid, rriotU: rriotU, mqttUser: mqttUser, localKey: localKey, version: version}
}

func (c *Channel) publishTopic() string {
	return "rr/m/i/" + c.rriotU + "/" + c.mqttUser + "/" + c.duid
}

func (c *Channel) subscribeTopic() string {
	return "rr/m/o/" + c.rriotU + "/" + c.mqttUser + "/" + c.duid
}

// Publish encodes and encrypts payload as a framed message, prepends the
// MQTT length prefix, and sends it to the device's command topic.
func (c *Channel) Publish(ctx context.Context, payload []byte) error {
	out, err := c.buildFrame(payload)
	if err != nil {
		return err
	}
	return c.session.Publish(ctx, c.publishTopic(), out)
}

// buildFrame encrypts and frames payload, then prepends the MQTT length
// prefix. Split out from Publish so the framing logic is testable without
// a live mqttsession.Session.
func (c *Channel) buildFrame(payload []byte) ([]byte, error) {
	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	nonce, err := crypto.RandomNonce()
	if err != nil {
		return nil, err
	}
	msg := wire.Message{
		Version:   c.version,
		Protocol:  wire.ProtocolRPCRequest,
		Seq:       seq,
		Random:    bytesToUint32(nonce[:4]),
		Timestamp: uint32(time.Now().Unix()),
		Payload:   payload,
	}
	frame, err := codec.Encode(msg, c.localKey, crypto.L01NonceBox{})
	if err != nil {
		return nil, fmt.Errorf("mqttchannel: encode: %w", err)
	}

	out := make([]byte, lengthPrefixSize+len(frame))
	binary.BigEndian.PutUint32(out[:lengthPrefixSize], uint32(len(frame)))
	copy(out[lengthPrefixSize:], frame)
	return out, nil
}

// Subscribe registers cb for this device's response topic. Only one
// subscriber is supported at a time, matching the single-owner RPC layer
// above this channel; a second concurrent Subscribe fails. Inbound raw
// bytes are split on their length prefixes, decoded and decrypted via the
// Codec, and handed to cb as decoded message payloads; frames that fail to
// decode are skipped by the codec's garbage-tolerant scanner and dropped
// without logging.
func (c *Channel) Subscribe(cb func(payload []byte)) (func(), error) {
	if c.unsub != nil {
		return nil, rrerrors.ErrAlreadySubscribed
	}
	unsub, err := c.session.Subscribe(c.subscribeTopic(), func(raw []byte) {
		c.decodeAndDispatch(raw, cb)
	})
	if err != nil {
		return nil, err
	}
	c.unsub = unsub
	return func() {
		if c.unsub != nil {
			c.unsub()
			c.unsub = nil
		}
	}, nil
}

// decodeAndDispatch walks raw as a sequence of length-prefixed codec
// frames, decrypting each with this device's local_key and invoking cb
// once per decoded payload.
func (c *Channel) decodeAndDispatch(raw []byte, cb func(payload []byte)) {
	for len(raw) >= lengthPrefixSize {
		n := binary.BigEndian.Uint32(raw[:lengthPrefixSize])
		raw = raw[lengthPrefixSize:]
		if uint64(len(raw)) < uint64(n) {
			return
		}
		frame := raw[:n]
		raw = raw[n:]

		msgs, err := codec.Decode(frame, c.localKey, crypto.L01NonceBox{})
		if err != nil {
			continue
		}
		for _, m := range msgs {
			cb(m.Payload)
		}
	}
}

func bytesToUint32(b []byte) uint32 {
	var v uint32
	for _, x := range b {
		v = v<<8 | uint32(x)
	}
	return v
}

// Connected reports the underlying session's broker connection state —
// MQTT has no per-device connection, only a shared account session.
func (c *Channel) Connected() bool {
	return c.session.Connected()
}
