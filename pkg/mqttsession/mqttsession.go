// Package mqttsession wraps github.com/eclipse/paho.mqtt.golang with a
// reference-counted topic registry and idle-timeout unsubscribe, so many
// per-device MqttChannels can share one broker connection the way the
// account-level MQTT client is shared across every device in a home.
//
// The connection-loop shape (OnConnect resubscribe, OnConnectionLost
// classification, exponential backoff) follows the pattern used by the
// reference MQTT source adapter this package generalizes from
// fire-and-forget delivery to full request/response pub/sub.
package mqttsession

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/user/roborock-go/pkg/diagnostics"
	"github.com/user/roborock-go/pkg/health"
	"github.com/user/roborock-go/pkg/rrerrors"
	"github.com/user/roborock-go/pkg/rrlog"
)

// Callback receives a message payload published on a subscribed topic.
type Callback func(payload []byte)

// Unsubscribe cancels one registered callback. Safe to call more than once.
type Unsubscribe func()

const (
	backoffMin = 1 * time.Second
	backoffMax = 60 * time.Second
	idleTTL    = 60 * time.Second
)

// subscription tracks every live callback for one topic plus the idle
// timer that unsubscribes at the broker once the callback list empties.
type subscription struct {
	callbacks map[int]Callback
	nextID    int
	idleTimer *time.Timer
}

// Session is a single shared MQTT connection to the account broker. One
// Session backs every device's MqttChannel.
type Session struct {
	log   rrlog.Logger
	diag  *diagnostics.Diagnostics
	unauthorizedHook func()

	opts   *paho.ClientOptions
	qos    byte

	mu     sync.Mutex
	client paho.Client
	subs   map[string]*subscription
	closed bool

	backoff time.Duration
	health  *health.Monitor
}

// Config carries the broker connection parameters; BrokerURL, Username
// and Password come from the account's RRiot credential bundle.
type Config struct {
	BrokerURL  string
	ClientID   string
	Username   string
	Password   string
	QoS        byte
	TLSInsecure bool

	// UnauthorizedHook is invoked once if the broker rejects credentials
	// (as opposed to a transient network failure), so the owner can
	// surface rrerrors.ErrUnauthorized to every waiting caller.
	UnauthorizedHook func()
}

// New builds a Session. It does not connect; call Start for that.
func New(cfg Config, log rrlog.Logger, diag *diagnostics.Diagnostics) (*Session, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("mqttsession: BrokerURL is required")
	}
	if log == nil {
		log = rrlog.Nop()
	}
	if diag == nil {
		diag = diagnostics.New("mqttsession")
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetAutoReconnect(false) // this package drives reconnect itself, to classify auth failures

	if hasTLSScheme(cfg.BrokerURL) {
		tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
		if roots, err := x509.SystemCertPool(); err == nil && roots != nil {
			tlsCfg.RootCAs = roots
		}
		tlsCfg.InsecureSkipVerify = cfg.TLSInsecure
		opts.SetTLSConfig(tlsCfg)
	}

	qos := cfg.QoS
	if qos > 2 {
		qos = 1
	}

	s := &Session{
		log:              log,
		diag:             diag,
		unauthorizedHook: cfg.UnauthorizedHook,
		opts:             opts,
		qos:              qos,
		subs:             make(map[string]*subscription),
		backoff:          backoffMin,
	}
	s.health = health.New(health.DefaultThreshold, health.DefaultCooldown, s.restartLocked, log.For("subsystem", "mqttsession-health"))

	opts.SetDefaultPublishHandler(s.dispatch)
	opts.OnConnect = s.onConnect
	opts.OnConnectionLost = s.onConnectionLost

	return s, nil
}

func hasTLSScheme(url string) bool {
	return len(url) >= 4 && (url[:4] == "ssl:" || url[:4] == "tls:" || (len(url) >= 6 && url[:6] == "mqtts:"))
}

// Start connects, retrying with exponential backoff until ctx is
// cancelled or a successful connection is made.
func (s *Session) Start(ctx context.Context) error {
	for {
		err := s.connect()
		if err == nil {
			return nil
		}
		if isAuthError(err) {
			s.log.Error("mqtt broker rejected credentials", "error", err)
			if s.unauthorizedHook != nil {
				s.unauthorizedHook()
			}
			return rrerrors.ErrUnauthorized
		}
		s.diag.Increment("connect_failures", 1)
		s.log.Warn("mqtt connect failed, backing off", "error", err, "backoff", s.backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.backoff):
		}
		s.backoff *= 2
		if s.backoff > backoffMax {
			s.backoff = backoffMax
		}
	}
}

func (s *Session) connect() error {
	s.mu.Lock()
	client := paho.NewClient(s.opts)
	s.client = client
	s.mu.Unlock()

	token := client.Connect()
	if !token.WaitTimeout(15 * time.Second) {
		return fmt.Errorf("mqttsession: connect timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqttsession: connect failed: %w", err)
	}
	s.backoff = backoffMin
	return nil
}

func isAuthError(err error) bool {
	// Paho surfaces CONNACK rejection reasons as plain error text; there
	// is no typed error to switch on, so look for the substring.
	return err != nil && containsFold(err.Error(), "not authorized")
}

func containsFold(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if eqFold(s[i:i+len(substr)], substr) {
			return true
		}
	}
	return false
}

func eqFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func (s *Session) onConnect(c paho.Client) {
	s.log.Info("mqtt session connected")
	s.mu.Lock()
	topics := make([]string, 0, len(s.subs))
	for topic := range s.subs {
		topics = append(topics, topic)
	}
	s.mu.Unlock()
	for _, topic := range topics {
		if token := c.Subscribe(topic, s.qos, nil); token.Wait() && token.Error() != nil {
			s.log.Error("mqtt resubscribe failed", "topic", topic, "error", token.Error())
		}
	}
}

func (s *Session) onConnectionLost(_ paho.Client, err error) {
	s.diag.Increment("connection_lost", 1)
	s.log.Warn("mqtt connection lost, will reconnect", "error", err)
	go func() {
		_ = s.Start(context.Background())
	}()
}

func (s *Session) dispatch(_ paho.Client, m paho.Message) {
	payload := append([]byte(nil), m.Payload()...)
	s.mu.Lock()
	sub, ok := s.subs[m.Topic()]
	var callbacks []Callback
	if ok {
		callbacks = make([]Callback, 0, len(sub.callbacks))
		for _, cb := range sub.callbacks {
			callbacks = append(callbacks, cb)
		}
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	for _, cb := range callbacks {
		s.invoke(cb, payload)
	}
}

func (s *Session) invoke(cb Callback, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.diag.Increment("callback_panics", 1)
			s.log.Error("mqtt subscriber callback panicked", "panic", r)
		}
	}()
	cb(payload)
}

// Subscribe registers cb on topic, subscribing at the broker if this is
// the topic's first live callback. Any pending idle-unsubscribe timer for
// the topic is cancelled.
func (s *Session) Subscribe(topic string, cb Callback) (Unsubscribe, error) {
	s.mu.Lock()
	sub, ok := s.subs[topic]
	if !ok {
		sub = &subscription{callbacks: make(map[int]Callback)}
		s.subs[topic] = sub
	}
	if sub.idleTimer != nil {
		sub.idleTimer.Stop()
		sub.idleTimer = nil
	}
	id := sub.nextID
	sub.nextID++
	sub.callbacks[id] = cb
	needsSubscribe := len(sub.callbacks) == 1
	client := s.client
	s.mu.Unlock()

	if needsSubscribe && client != nil && client.IsConnectionOpen() {
		if token := client.Subscribe(topic, s.qos, nil); token.Wait() && token.Error() != nil {
			return nil, fmt.Errorf("mqttsession: subscribe %q: %w", topic, token.Error())
		}
	}

	return func() { s.unsubscribe(topic, id) }, nil
}

func (s *Session) unsubscribe(topic string, id int) {
	s.mu.Lock()
	sub, ok := s.subs[topic]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(sub.callbacks, id)
	empty := len(sub.callbacks) == 0
	if empty {
		sub.idleTimer = time.AfterFunc(idleTTL, func() { s.expireTopic(topic) })
	}
	s.mu.Unlock()
}

func (s *Session) expireTopic(topic string) {
	s.mu.Lock()
	sub, ok := s.subs[topic]
	if !ok || len(sub.callbacks) != 0 {
		s.mu.Unlock()
		return
	}
	delete(s.subs, topic)
	client := s.client
	s.mu.Unlock()

	if client != nil && client.IsConnectionOpen() {
		client.Unsubscribe(topic)
	}
}

// Publish sends payload to topic, blocking until the broker acks or ctx is
// done.
func (s *Session) Publish(ctx context.Context, topic string, payload []byte) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil || !client.IsConnectionOpen() {
		return rrerrors.ErrNotConnected
	}

	token := client.Publish(topic, s.qos, false, payload)
	done := make(chan struct{})
	go func() { token.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return token.Error()
	}
}

// RecordTimeout and RecordSuccess feed the session's health monitor. No
// RPC layer in this module calls them (pkg/v1channel feeds only the local
// channel's monitor), so this monitor restarts the session only when a
// caller outside the module reports timeouts.
func (s *Session) RecordTimeout()  { s.health.RecordTimeout() }
func (s *Session) RecordSuccess()  { s.health.RecordSuccess() }

func (s *Session) restartLocked() error {
	s.log.Warn("mqtt session health monitor requesting restart")
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client != nil {
		client.Disconnect(100)
	}
	return s.connect()
}

// Restart tears down the current connection and re-opens it. It is the
// same operation the health monitor drives internally on repeated
// timeouts, exposed so an owning DeviceManager can force a reconnect too.
func (s *Session) Restart() error {
	return s.restartLocked()
}

// Connected reports whether the underlying Paho client currently has a
// live connection.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil && s.client.IsConnectionOpen()
}

// Close disconnects and releases all resources. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	client := s.client
	for _, sub := range s.subs {
		if sub.idleTimer != nil {
			sub.idleTimer.Stop()
		}
	}
	s.subs = make(map[string]*subscription)
	s.mu.Unlock()

	if client != nil {
		client.Disconnect(250)
	}
	return nil
}
