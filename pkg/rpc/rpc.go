// Package rpc correlates request/response pairs over a roborock.Transport
// (either pkg/localchannel or pkg/mqttchannel), matching the pending-table
// idiom used throughout the reference library wherever a fire-and-forget
// transport needs request/response semantics layered on top.
package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/user/roborock-go/pkg/diagnostics"
	"github.com/user/roborock-go/pkg/rrerrors"
	"github.com/user/roborock-go/pkg/rrlog"
	"github.com/user/roborock-go/roborock"
)

// DefaultTimeout is how long SendCommand waits for a matching response
// before giving up.
const DefaultTimeout = 10 * time.Second

// DefaultCommandsPerSecond throttles outgoing commands per Channel so a
// runaway caller can't flood a single device with requests it has no
// hope of keeping up with.
const DefaultCommandsPerSecond = 10

const (
	dpsRequestCode  = "101"
	dpsResponseCode = "102"
)

type requestEnvelope struct {
	ID       int             `json:"id"`
	Method   string          `json:"method"`
	Params   json.RawMessage `json:"params,omitempty"`
	Security *securityJSON   `json:"security,omitempty"`
}

type securityJSON struct {
	Endpoint string `json:"endpoint"`
	Nonce    string `json:"nonce"`
}

type responseEnvelope struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result"`
}

type framePayload struct {
	DPS map[string]string `json:"dps"`
	T   int64             `json:"t"`
}

// Option configures a Channel's request-building behavior.
type Option func(*Channel)

// WithSecurity attaches SecurityData to every outgoing request, used by
// the mqtt-flavored channel so devices can validate the response belongs
// to this client (see the map-response endpoint check).
func WithSecurity(sec roborock.SecurityData) Option {
	endpoint, nonceHex := SecurityHeader(sec)
	return func(c *Channel) { c.security = &securityJSON{Endpoint: endpoint, Nonce: nonceHex} }
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Channel) { c.timeout = d }
}

// WithRateLimit overrides DefaultCommandsPerSecond. burst controls how many
// commands may fire back-to-back before the limiter starts pacing them.
func WithRateLimit(commandsPerSecond float64, burst int) Option {
	return func(c *Channel) { c.limiter = rate.NewLimiter(rate.Limit(commandsPerSecond), burst) }
}

// rpcOutcome is what a pendingRequest's channel carries: either a decoded
// response envelope, or a terminal error (currently only
// rrerrors.ErrConnectionLost, sent by Close for every request still in
// flight) that SendCommand must surface instead of a zero-value result.
type rpcOutcome struct {
	resp responseEnvelope
	err  error
}

type pendingRequest struct {
	resultCh chan rpcOutcome
}

// Channel correlates SendCommand calls against inbound messages on a
// single underlying roborock.Transport. pkg/v1channel builds one Channel
// over MQTT, which serves both the mqtt_rpc and map_rpc flavors, and one
// over the local TCP transport for the local-preferred leg.
type Channel struct {
	transport roborock.Transport
	ids       roborock.IDGenerator
	security  *securityJSON
	timeout   time.Duration
	log       rrlog.Logger
	diag      *diagnostics.Diagnostics
	limiter   *rate.Limiter

	mu      sync.Mutex
	pending map[int]*pendingRequest
	unsub   roborock.Unsubscribe
}

// New wraps transport with RPC correlation. The channel subscribes to
// transport immediately.
func New(transport roborock.Transport, ids roborock.IDGenerator, log rrlog.Logger, diag *diagnostics.Diagnostics, opts ...Option) (*Channel, error) {
	if log == nil {
		log = rrlog.Nop()
	}
	if diag == nil {
		diag = diagnostics.New("rpc")
	}
	c := &Channel{
		transport: transport,
		ids:       ids,
		timeout:   DefaultTimeout,
		log:       log,
		diag:      diag,
		limiter:   rate.NewLimiter(rate.Limit(DefaultCommandsPerSecond), DefaultCommandsPerSecond),
		pending:   make(map[int]*pendingRequest),
	}
	for _, opt := range opts {
		opt(c)
	}

	unsub, err := transport.Subscribe(c.onMessage)
	if err != nil {
		return nil, fmt.Errorf("rpc: subscribe: %w", err)
	}
	c.unsub = unsub
	return c, nil
}

func (c *Channel) onMessage(payload []byte) {
	var fp framePayload
	if err := json.Unmarshal(payload, &fp); err != nil {
		c.diag.Increment("unparseable_frames", 1)
		return
	}
	raw, ok := fp.DPS[dpsResponseCode]
	if !ok {
		return
	}
	var resp responseEnvelope
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		c.diag.Increment("unparseable_frames", 1)
		return
	}

	c.mu.Lock()
	req, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case req.resultCh <- rpcOutcome{resp: resp}:
	default:
	}
}

// SendCommand issues method with params and decodes the device's result
// into result (a pointer), blocking until a response arrives, ctx is
// done, or the RPC timeout elapses.
func (c *Channel) SendCommand(ctx context.Context, method string, params any, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rpc: rate limit: %w", err)
	}

	id := c.ids.NextRequestID()
	if r, ok := c.ids.(interface{ Release(id int) }); ok {
		defer r.Release(id)
	}

	var paramsJSON json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("rpc: marshal params: %w", err)
		}
		paramsJSON = b
	}

	req := requestEnvelope{ID: id, Method: method, Params: paramsJSON}
	if c.security != nil {
		req.Security = c.security
	}
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("rpc: marshal request: %w", err)
	}

	frame := framePayload{
		DPS: map[string]string{dpsRequestCode: string(reqJSON)},
		T:   time.Now().Unix(),
	}
	framePayloadJSON, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("rpc: marshal frame: %w", err)
	}

	pending := &pendingRequest{resultCh: make(chan rpcOutcome, 1)}
	c.mu.Lock()
	c.pending[id] = pending
	c.mu.Unlock()

	timer := c.diag.Timer("rpc_" + method)
	defer timer()

	cleanup := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	if err := c.transport.Publish(ctx, framePayloadJSON); err != nil {
		cleanup()
		return fmt.Errorf("rpc: publish: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	select {
	case <-timeoutCtx.Done():
		cleanup()
		c.diag.Increment("timeouts", 1)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return rrerrors.ErrTimeout
	case outcome := <-pending.resultCh:
		if outcome.err != nil {
			return outcome.err
		}
		return decodeResult(method, outcome.resp, result)
	}
}

func decodeResult(method string, resp responseEnvelope, result any) error {
	var resultStr string
	if err := json.Unmarshal(resp.Result, &resultStr); err == nil {
		switch resultStr {
		case "unknown_method":
			return &rrerrors.ApiError{Method: method, Result: resultStr}
		case "retry":
			return rrerrors.ErrDeviceBusy
		}
	}
	if result == nil {
		return nil
	}
	if len(resp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Result, result)
}

// Close unsubscribes from the underlying transport and fails every
// pending request with ErrConnectionLost, so a SendCommand in flight when
// Close runs observes a real error instead of a zero-value success.
func (c *Channel) Close() {
	if c.unsub != nil {
		c.unsub()
	}
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int]*pendingRequest)
	c.mu.Unlock()
	for _, p := range pending {
		select {
		case p.resultCh <- rpcOutcome{err: rrerrors.ErrConnectionLost}:
		default:
		}
	}
}

// SecurityHeader renders a SecurityData's nonce as the hex string the
// device expects in the request's security field.
func SecurityHeader(sec roborock.SecurityData) (endpoint, nonceHex string) {
	return sec.Endpoint, hex.EncodeToString(sec.Nonce[:])
}

// dpCode renders an integer dp code as the decimal string used as a map
// key in framePayload.DPS, for B01-style raw dp access (see pkg/traits).
func dpCode(code int) string { return strconv.Itoa(code) }
