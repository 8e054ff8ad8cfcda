package mqttchannel

import (
	"testing"

	require "github.com/stretchr/testify/require"

	"github.com/user/roborock-go/pkg/wire"
)

func TestTopicDerivation(t *testing.T) {
	c := New(nil, "duid-123", "rriot-u", "hashed-user", "0123456789abcdef", wire.VersionV1)
	require.Equal(t, "rr/m/i/rriot-u/hashed-user/duid-123", c.publishTopic())
	require.Equal(t, "rr/m/o/rriot-u/hashed-user/duid-123", c.subscribeTopic())
}

func TestBuildFrameAndDecodeRoundTrip(t *testing.T) {
	c := New(nil, "duid-123", "rriot-u", "hashed-user", "0123456789abcdef", wire.VersionV1)

	framed, err := c.buildFrame([]byte("hello device"))
	require.NoError(t, err)
	require.Greater(t, len(framed), 4)

	var got []byte
	c.decodeAndDispatch(framed, func(payload []byte) {
		got = payload
	})
	require.Equal(t, []byte("hello device"), got)
}

func TestDecodeAndDispatchDropsTruncatedFrame(t *testing.T) {
	c := New(nil, "duid-123", "rriot-u", "hashed-user", "0123456789abcdef", wire.VersionV1)

	framed, err := c.buildFrame([]byte("payload"))
	require.NoError(t, err)

	called := false
	c.decodeAndDispatch(framed[:len(framed)-1], func([]byte) { called = true })
	require.False(t, called)
}

func TestDefaultVersionIsV1(t *testing.T) {
	c := New(nil, "duid-123", "rriot-u", "hashed-user", "0123456789abcdef", "")
	require.Equal(t, wire.VersionV1, c.version)
}
