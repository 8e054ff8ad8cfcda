// Package localchannel implements the single-TCP-connection transport to a
// device's LAN address: framed bidirectional messaging over pkg/codec, a
// HELLO handshake that negotiates V1 vs L01, and subscriber fan-out.
//
// The reconnect/backoff shape follows the reference websocket source
// adapter's loop (exponential backoff with jitter, single owned
// net.Conn swapped out under a mutex); the handshake and frame layout are
// specific to this device protocol and have no analogue in the reference
// library.
package localchannel

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/user/roborock-go/pkg/codec"
	"github.com/user/roborock-go/pkg/crypto"
	"github.com/user/roborock-go/pkg/diagnostics"
	"github.com/user/roborock-go/pkg/health"
	"github.com/user/roborock-go/pkg/rrerrors"
	"github.com/user/roborock-go/pkg/rrlog"
	"github.com/user/roborock-go/pkg/wire"
)

// DefaultPort is the LAN port every device listens on for the local
// protocol.
const DefaultPort = 58867

// State is the LocalChannel connection lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

const (
	l01RetryDelay = 250 * time.Millisecond
	backoffMin    = 1 * time.Second
	backoffMax    = 30 * time.Second
)

// HandshakeTimeout and SendQueueDepth are package-level tunables (rather
// than New parameters) because every device on an account shares the same
// values, set once at startup from internal/config before any Channel is
// constructed.
var (
	HandshakeTimeout = 1500 * time.Millisecond
	SendQueueDepth   = 32
)

// Channel is one TCP connection to a single device.
type Channel struct {
	host     string
	localKey string
	log      rrlog.Logger
	diag     *diagnostics.Diagnostics
	health   *health.Monitor

	mu       sync.Mutex
	state    State
	conn     net.Conn
	version  wire.Version
	nonces   crypto.L01NonceBox
	seq      uint32
	subs     map[int]func([]byte)
	nextSub  int
	sendCh   chan []byte
	closed   bool
	closeCh  chan struct{}
}

// New constructs a Channel for the device at host:58867 using the device's
// local_key. It does not connect; call Start.
func New(host, localKey string, log rrlog.Logger, diag *diagnostics.Diagnostics) *Channel {
	if log == nil {
		log = rrlog.Nop()
	}
	if diag == nil {
		diag = diagnostics.New("localchannel")
	}
	c := &Channel{
		host:     host,
		localKey: localKey,
		log:      log,
		diag:     diag,
		state:    StateDisconnected,
		subs:     make(map[int]func([]byte)),
		sendCh:   make(chan []byte, SendQueueDepth),
		closeCh:  make(chan struct{}),
	}
	c.health = health.New(health.DefaultThreshold, health.DefaultCooldown, c.restart, log.For("subsystem", "localchannel-health"))
	return c
}

// Start connects (retrying with backoff until ctx is cancelled) and runs
// the read/write loops in background goroutines. It returns once the
// first connection attempt succeeds or ctx is done.
func (c *Channel) Start(ctx context.Context) error {
	backoff := backoffMin
	for {
		if err := c.connectOnce(ctx); err != nil {
			c.diag.Increment("connect_failures", 1)
			c.log.Warn("local channel connect failed, backing off", "host", c.host, "error", err, "backoff", backoff)
			jitter := time.Duration(rand.Int63n(int64(backoff/2) + 1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff + jitter):
			}
			backoff *= 2
			if backoff > backoffMax {
				backoff = backoffMax
			}
			continue
		}
		go c.readLoop()
		go c.writeLoop()
		return nil
	}
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Channel) connectOnce(ctx context.Context) error {
	c.setState(StateConnecting)
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", fmt.Sprintf("%s:%d", c.host, DefaultPort))
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("localchannel: dial %s: %w", c.host, err)
	}

	c.setState(StateHandshaking)
	version, nonces, err := handshake(conn, c.localKey)
	if err != nil {
		conn.Close()
		c.setState(StateDisconnected)
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.version = version
	c.nonces = nonces
	c.seq = 1
	c.state = StateConnected
	c.mu.Unlock()
	c.log.Info("local channel connected", "host", c.host, "version", version)
	return nil
}

// handshake performs the HELLO exchange: try "1.0" first, fall back to
// "L01" once on timeout or parse failure.
func handshake(conn net.Conn, localKey string) (wire.Version, crypto.L01NonceBox, error) {
	for _, v := range []wire.Version{wire.VersionV1, wire.VersionL01} {
		nonce, err := crypto.RandomNonce()
		if err != nil {
			return "", crypto.L01NonceBox{}, err
		}
		connectNonce := bytesToUint32(nonce[:4])
		nonces := crypto.L01NonceBox{ConnectNonce: connectNonce}

		req := wire.Message{
			Version:   v,
			Protocol:  wire.ProtocolHelloRequest,
			Seq:       0,
			Random:    connectNonce,
			Timestamp: uint32(time.Now().Unix()),
		}
		frame, err := codec.Encode(req, localKey, nonces)
		if err != nil {
			return "", crypto.L01NonceBox{}, fmt.Errorf("localchannel: encode hello: %w", err)
		}
		if _, err := conn.Write(frame); err != nil {
			return "", crypto.L01NonceBox{}, fmt.Errorf("localchannel: write hello: %w", err)
		}

		conn.SetReadDeadline(time.Now().Add(HandshakeTimeout))
		buf := make([]byte, 4096)
		n, err := conn.Read(buf)
		conn.SetReadDeadline(time.Time{})
		if err != nil {
			if v == wire.VersionV1 {
				time.Sleep(l01RetryDelay)
				continue
			}
			return "", crypto.L01NonceBox{}, fmt.Errorf("%w: hello response not received", rrerrors.ErrConnectionLost)
		}

		msgs, err := codec.Decode(buf[:n], localKey, nonces)
		if err != nil || len(msgs) == 0 {
			if v == wire.VersionV1 {
				time.Sleep(l01RetryDelay)
				continue
			}
			return "", crypto.L01NonceBox{}, fmt.Errorf("%w: hello response failed to parse", rrerrors.ErrConnectionLost)
		}

		resp := msgs[0]
		nonces.AckNonce = resp.Random
		return v, nonces, nil
	}
	return "", crypto.L01NonceBox{}, fmt.Errorf("%w: both 1.0 and L01 handshakes failed", rrerrors.ErrConnectionLost)
}

func bytesToUint32(b []byte) uint32 {
	var v uint32
	for _, x := range b {
		v = v<<8 | uint32(x)
	}
	return v
}

func (c *Channel) readLoop() {
	buf := new(bytes.Buffer)
	tmp := make([]byte, 4096)
	for {
		c.mu.Lock()
		conn := c.conn
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		if conn == nil {
			return
		}

		n, err := conn.Read(tmp)
		if err != nil {
			c.handleDisconnect(err)
			return
		}
		buf.Write(tmp[:n])

		c.mu.Lock()
		localKey, nonces := c.localKey, c.nonces
		c.mu.Unlock()

		msgs, err := codec.DecodeStream(buf, localKey, nonces)
		if err != nil {
			c.diag.Increment("decode_errors", 1)
			continue
		}
		for _, m := range msgs {
			c.fanOut(m.Payload)
		}
	}
}

func (c *Channel) fanOut(payload []byte) {
	c.mu.Lock()
	cbs := make([]func([]byte), 0, len(c.subs))
	for _, cb := range c.subs {
		cbs = append(cbs, cb)
	}
	c.mu.Unlock()
	for _, cb := range cbs {
		c.invoke(cb, payload)
	}
}

func (c *Channel) invoke(cb func([]byte), payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.diag.Increment("callback_panics", 1)
			c.log.Error("local channel subscriber panicked", "panic", r)
		}
	}()
	cb(payload)
}

func (c *Channel) writeLoop() {
	for {
		select {
		case <-c.closeCh:
			return
		case frame, ok := <-c.sendCh:
			if !ok {
				return
			}
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				continue
			}
			if _, err := conn.Write(frame); err != nil {
				c.handleDisconnect(err)
			}
		}
	}
}

func (c *Channel) handleDisconnect(err error) {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.state = StateDisconnected
	c.mu.Unlock()
	c.diag.Increment("disconnects", 1)
	c.log.Warn("local channel disconnected", "host", c.host, "error", err)
}

// Publish frames msg and queues it for the write loop, returning
// ErrChannelBusy immediately if the queue is full rather than blocking.
func (c *Channel) Publish(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return rrerrors.ErrNotConnected
	}
	c.seq++
	msg := wire.Message{
		Version:   c.version,
		Protocol:  wire.ProtocolRPCRequest,
		Seq:       c.seq,
		Timestamp: uint32(time.Now().Unix()),
		Payload:   payload,
	}
	nonce, err := crypto.RandomNonce()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	msg.Random = bytesToUint32(nonce[:4])
	localKey, nonces := c.localKey, c.nonces
	c.mu.Unlock()

	frame, err := codec.Encode(msg, localKey, nonces)
	if err != nil {
		return fmt.Errorf("localchannel: encode: %w", err)
	}

	select {
	case c.sendCh <- frame:
		return nil
	default:
		return rrerrors.ErrChannelBusy
	}
}

// Subscribe registers cb to receive every successfully decoded inbound
// message's payload.
func (c *Channel) Subscribe(cb func(payload []byte)) (func(), error) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = cb
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}, nil
}

// Connected reports whether the handshake has completed and the
// connection is believed live.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected
}

// ProtocolVersion returns the negotiated wire version, valid once
// Connected is true.
func (c *Channel) ProtocolVersion() wire.Version {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

func (c *Channel) RecordTimeout() { c.health.RecordTimeout() }
func (c *Channel) RecordSuccess() { c.health.RecordSuccess() }

func (c *Channel) restart() error {
	c.log.Warn("local channel health monitor requesting reconnect", "host", c.host)
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.state = StateDisconnected
	c.mu.Unlock()
	return c.connectOnce(context.Background())
}

// Close terminates the connection and stops the read/write loops.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	close(c.closeCh)
	if conn != nil {
		conn.Close()
	}
	return nil
}
