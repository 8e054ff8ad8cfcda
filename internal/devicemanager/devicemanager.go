// Package devicemanager is the top-level coordinator: it owns the full
// device roster for an account, builds the right channel stack per
// device protocol family, and runs per-device connect-retry loops with
// ready callbacks.
package devicemanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/user/roborock-go/pkg/cache"
	"github.com/user/roborock-go/pkg/crypto"
	"github.com/user/roborock-go/pkg/diagnostics"
	"github.com/user/roborock-go/pkg/idgen"
	"github.com/user/roborock-go/pkg/localchannel"
	"github.com/user/roborock-go/pkg/mqttchannel"
	"github.com/user/roborock-go/pkg/mqttsession"
	"github.com/user/roborock-go/pkg/rpc"
	"github.com/user/roborock-go/pkg/rrlog"
	"github.com/user/roborock-go/pkg/v1channel"
	"github.com/user/roborock-go/pkg/webapi"
	"github.com/user/roborock-go/pkg/wire"
	"github.com/user/roborock-go/roborock"
)

const (
	connectBackoffMin = 1 * time.Second
	connectBackoffMax = 10 * time.Minute
)

// ReadyCallback fires the first time a device finishes its initial
// connect sequence. A callback registered after the device is already
// ready fires immediately with that device.
type ReadyCallback func(device *Device)

// Device is one account device with its channel stack and trait
// commander, regardless of protocol family.
type Device struct {
	DUID      string
	Name      string
	ProductID string
	LocalKey  string
	Version   roborock.DeviceVersion

	mu        sync.Mutex
	connected bool
	commander roborock.Commander

	v1      *v1channel.Channel // nil for non-v1 devices
	mqttOnly *rpc.Channel      // non-nil for a01/b01 devices
}

// SendCommand issues method against whichever transport this device's
// protocol family uses.
func (d *Device) SendCommand(ctx context.Context, method string, params, result any) error {
	d.mu.Lock()
	commander := d.commander
	d.mu.Unlock()
	if commander == nil {
		return fmt.Errorf("devicemanager: device %s has no commander yet", d.DUID)
	}
	return commander.SendCommand(ctx, method, params, result)
}

// IsConnected reports whether this device completed its initial connect.
func (d *Device) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *Device) markConnected() (firstTime bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	firstTime = !d.connected
	d.connected = true
	return firstTime
}

func (d *Device) close() {
	d.mu.Lock()
	v1 := d.v1
	mqttOnly := d.mqttOnly
	d.mu.Unlock()
	if v1 != nil {
		v1.Close()
	}
	if mqttOnly != nil {
		mqttOnly.Close()
	}
}

// Manager owns every device's lifecycle for one account.
type Manager struct {
	params  roborock.UserParams
	api     webapi.HomeDataFetcher
	cache   cache.Cache
	log     rrlog.Logger
	diag    *diagnostics.Diagnostics
	ids     *idgen.Generator

	mqttSession *mqttsession.Session
	security    roborock.SecurityData
	clientID    string
	mqttQoS     byte
	mqttTLSInsecure bool

	mu       sync.Mutex
	devices  map[string]*Device
	cancels  map[string]context.CancelFunc
	ready    []ReadyCallback
	userData roborock.UserData
}

// Option configures optional Manager dependencies.
type Option func(*Manager)

// WithCache overrides the default in-memory cache.
func WithCache(c cache.Cache) Option { return func(m *Manager) { m.cache = c } }

// WithReadyCallback registers a callback invoked on every device's first
// successful connect. Options run inside New, before any device has
// connected; OnReady is the entry point that also fires for devices that
// are already connected.
func WithReadyCallback(cb ReadyCallback) Option { return func(m *Manager) { m.ready = append(m.ready, cb) } }

// WithLogger overrides the default logger.
func WithLogger(log rrlog.Logger) Option { return func(m *Manager) { m.log = log } }

// WithMQTTTuning overrides the shared account MQTT session's QoS level and
// TLS certificate verification, normally sourced from internal/config's
// MQTTConfig.
func WithMQTTTuning(qos byte, tlsInsecure bool) Option {
	return func(m *Manager) { m.mqttQoS = qos; m.mqttTLSInsecure = tlsInsecure }
}

// WithLocalTuning overrides the process-wide local-channel handshake
// timeout and send-queue depth, normally sourced from internal/config's
// LocalConfig. These are package-level in pkg/localchannel (every device
// on an account shares them), so the override takes effect for every
// Channel this Manager constructs from here on.
func WithLocalTuning(handshakeTimeout time.Duration, sendQueueDepth int) Option {
	return func(m *Manager) {
		if handshakeTimeout > 0 {
			localchannel.HandshakeTimeout = handshakeTimeout
		}
		if sendQueueDepth > 0 {
			localchannel.SendQueueDepth = sendQueueDepth
		}
	}
}

// New constructs a Manager and loads the account's home-data roster (from
// cache if present, else the web API), but does not connect to any
// device — call Start for that.
func New(ctx context.Context, params roborock.UserParams, api webapi.HomeDataFetcher, opts ...Option) (*Manager, error) {
	m := &Manager{
		params:  params,
		api:     api,
		log:     rrlog.New(),
		ids:     idgen.New(),
		mqttQoS: 1,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cache == nil {
		m.cache = cache.NewInMemoryCache()
	}
	m.diag = diagnostics.New("devicemanager")
	m.devices = make(map[string]*Device)
	m.cancels = make(map[string]context.CancelFunc)

	m.clientID = uuid.New().String()
	nonce, err := crypto.RandomNonce()
	if err != nil {
		return nil, err
	}

	if err := m.loadRoster(ctx, true); err != nil {
		return nil, err
	}
	m.security = roborock.SecurityData{Endpoint: crypto.Endpoint(m.userData.RRiot.K), Nonce: nonce}
	return m, nil
}

// loadRoster logs in (RRiot credentials are never cached, only home data
// is) and then either reconciles against the cached roster or fetches a
// fresh one from the web API.
func (m *Manager) loadRoster(ctx context.Context, preferCache bool) error {
	user, err := m.api.Login(ctx, m.params.Username, m.params.Password)
	if err != nil {
		return fmt.Errorf("devicemanager: login: %w", err)
	}
	m.userData = user

	if preferCache {
		data, err := m.cache.Get(ctx)
		if err == nil && data.HomeData != nil {
			return m.reconcile(*data.HomeData)
		}
	}
	return m.fetchAndCacheHomeData(ctx)
}

// refreshFromAPI re-authenticates and fetches a fresh roster, used by
// DiscoverDevices(preferCache=false) and as the cache-miss fallback.
func (m *Manager) refreshFromAPI(ctx context.Context) error {
	user, err := m.api.Login(ctx, m.params.Username, m.params.Password)
	if err != nil {
		return fmt.Errorf("devicemanager: login: %w", err)
	}
	m.userData = user
	return m.fetchAndCacheHomeData(ctx)
}

func (m *Manager) fetchAndCacheHomeData(ctx context.Context) error {
	home, err := m.api.HomeData(ctx, m.userData)
	if err != nil {
		return fmt.Errorf("devicemanager: home_data: %w", err)
	}

	data, _ := m.cache.Get(ctx)
	data.HomeData = &home
	if err := m.cache.Set(ctx, data); err != nil {
		m.log.Warn("failed to persist home data to cache", "error", err)
	} else if err := m.cache.Flush(ctx); err != nil {
		m.log.Warn("failed to flush cache", "error", err)
	}

	return m.reconcile(home)
}

// Start opens the shared MQTT session and launches a connect-retry task
// per device in the current roster.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.ensureMqttSession(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	devices := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, d)
	}
	m.mu.Unlock()

	for _, d := range devices {
		m.launchConnectTask(ctx, d)
	}
	return nil
}

func (m *Manager) ensureMqttSession(ctx context.Context) error {
	m.mu.Lock()
	if m.mqttSession != nil {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	brokerURL := m.userData.RRiot.R.MQTT
	mqttUser := crypto.MQTTUsername(m.userData.RRiot.U, m.userData.RRiot.K)
	mqttPass := crypto.MQTTPassword(m.userData.RRiot.S, m.userData.RRiot.K)

	session, err := mqttsession.New(mqttsession.Config{
		BrokerURL:   brokerURL,
		ClientID:    m.clientID,
		Username:    mqttUser,
		Password:    mqttPass,
		QoS:         m.mqttQoS,
		TLSInsecure: m.mqttTLSInsecure,
	}, m.log.For("subsystem", "mqttsession"), m.diag.Sub("mqttsession"))
	if err != nil {
		return fmt.Errorf("devicemanager: build mqtt session: %w", err)
	}
	if err := session.Start(ctx); err != nil {
		return fmt.Errorf("devicemanager: start mqtt session: %w", err)
	}

	m.mu.Lock()
	m.mqttSession = session
	m.mu.Unlock()
	return nil
}

// reconcile builds Device entries for every roster device not already
// known, and marks no-longer-present devices for closing. Called both
// from initial load and from DiscoverDevices.
func (m *Manager) reconcile(home roborock.HomeData) error {
	seen := make(map[string]struct{}, len(home.Devices))

	m.mu.Lock()
	existing := m.devices
	m.mu.Unlock()

	for _, hd := range home.Devices {
		seen[hd.DUID] = struct{}{}
		m.mu.Lock()
		_, ok := existing[hd.DUID]
		m.mu.Unlock()
		if ok {
			continue
		}
		version := versionFromPV(hd.PV)
		device := &Device{DUID: hd.DUID, Name: hd.Name, ProductID: hd.ProductID, LocalKey: hd.LocalKey, Version: version}

		m.mu.Lock()
		m.devices[hd.DUID] = device
		m.mu.Unlock()
	}

	var toClose []*Device
	m.mu.Lock()
	for duid, d := range m.devices {
		if _, ok := seen[duid]; !ok {
			toClose = append(toClose, d)
			delete(m.devices, duid)
			if cancel, ok := m.cancels[duid]; ok {
				cancel()
				delete(m.cancels, duid)
			}
		}
	}
	m.mu.Unlock()
	for _, d := range toClose {
		d.close()
	}
	return nil
}

func versionFromPV(pv string) roborock.DeviceVersion {
	switch pv {
	case string(roborock.DeviceVersionV1):
		return roborock.DeviceVersionV1
	case string(roborock.DeviceVersionA01):
		return roborock.DeviceVersionA01
	case string(roborock.DeviceVersionB01):
		return roborock.DeviceVersionB01
	default:
		return roborock.DeviceVersionUnknown
	}
}

func (m *Manager) launchConnectTask(parent context.Context, d *Device) {
	ctx, cancel := context.WithCancel(parent)
	m.mu.Lock()
	m.cancels[d.DUID] = cancel
	m.mu.Unlock()

	go func() {
		backoff := connectBackoffMin
		for {
			err := m.connectDevice(ctx, d)
			if err == nil {
				if d.markConnected() {
					m.fireReady(d)
				}
				return
			}
			if ctx.Err() != nil {
				return
			}
			if !isRetryable(err) {
				m.log.Error("device connect task aborted by non-retryable error", "duid", d.DUID, "error", err)
				return
			}
			m.diag.Increment("connect_retries", 1)
			m.log.Warn("device connect attempt failed, retrying", "duid", d.DUID, "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > connectBackoffMax {
				backoff = connectBackoffMax
			}
		}
	}()
}

// isRetryable reports whether a connectDevice failure should be retried
// with backoff rather than aborting the connect task. Every failure this
// package's connectDevice can currently return is transport- or
// device-busy-flavored; a FatalStartupError would be the one exception,
// but nothing here constructs one yet.
func isRetryable(err error) bool {
	return err != nil
}

func (m *Manager) connectDevice(ctx context.Context, d *Device) error {
	m.mu.Lock()
	session := m.mqttSession
	m.mu.Unlock()
	if session == nil {
		return fmt.Errorf("devicemanager: mqtt session not started")
	}

	// Device local keys and duid-specific rriot fields would ordinarily
	// come from the HomeDataDevice entry; callers of New supply them via
	// the roster already folded into HomeData.Devices.
	mqttUser := crypto.MQTTUsername(m.userData.RRiot.U, m.userData.RRiot.K)
	mqttChan := mqttchannel.New(session, d.DUID, m.userData.RRiot.U, mqttUser, d.LocalKey, wire.Version(d.Version))

	switch d.Version {
	case roborock.DeviceVersionV1:
		return m.connectV1Device(ctx, d, mqttChan)
	default:
		return m.connectMqttOnlyDevice(ctx, d, mqttChan)
	}
}

func (m *Manager) connectV1Device(ctx context.Context, d *Device, mqttChan *mqttchannel.Channel) error {
	dial := func(host string) *localchannel.Channel {
		return localchannel.New(host, d.LocalKey, m.log.For("duid", d.DUID), m.diag.Sub(d.DUID))
	}
	v1 := v1channel.New(d.DUID, mqttChan, dial, m.cache, m.ids, m.log.For("duid", d.DUID))

	if err := v1.Subscribe(ctx, m.security, func([]byte) {}); err != nil {
		return err
	}

	d.mu.Lock()
	d.v1 = v1
	d.commander = v1
	d.mu.Unlock()
	return nil
}

func (m *Manager) connectMqttOnlyDevice(ctx context.Context, d *Device, mqttChan *mqttchannel.Channel) error {
	rpcChan, err := rpc.New(mqttChan, m.ids, m.log.For("duid", d.DUID), m.diag.Sub(d.DUID), rpc.WithSecurity(m.security))
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.mqttOnly = rpcChan
	d.commander = rpcChan
	d.mu.Unlock()
	return nil
}

// OnReady registers cb for every future device's first successful connect,
// and fires it immediately for any device that is already connected —
// the runtime counterpart to WithReadyCallback for callers that start
// watching for ready devices after the manager is already running.
func (m *Manager) OnReady(cb ReadyCallback) {
	m.mu.Lock()
	m.ready = append(m.ready, cb)
	devices := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, d)
	}
	m.mu.Unlock()

	for _, d := range devices {
		if d.IsConnected() {
			cb(d)
		}
	}
}

func (m *Manager) fireReady(d *Device) {
	m.mu.Lock()
	callbacks := append([]ReadyCallback(nil), m.ready...)
	m.mu.Unlock()
	for _, cb := range callbacks {
		cb(d)
	}
}

// DiscoverDevices re-fetches the roster (from cache if preferCache, else
// the web API, falling back to cache on API failure) and reconciles:
// new devices get connect tasks, removed devices are closed.
func (m *Manager) DiscoverDevices(ctx context.Context, preferCache bool) error {
	if preferCache {
		if err := m.loadRoster(ctx, true); err == nil {
			return m.startNewDevices(ctx)
		}
	}
	if err := m.refreshFromAPI(ctx); err != nil {
		if loadErr := m.loadRoster(ctx, true); loadErr != nil {
			return fmt.Errorf("devicemanager: discover devices: refresh failed (%v) and cache unavailable (%w)", err, loadErr)
		}
	}
	return m.startNewDevices(ctx)
}

func (m *Manager) startNewDevices(ctx context.Context) error {
	m.mu.Lock()
	var toStart []*Device
	for duid, d := range m.devices {
		if _, has := m.cancels[duid]; !has {
			toStart = append(toStart, d)
		}
	}
	m.mu.Unlock()
	for _, d := range toStart {
		m.launchConnectTask(ctx, d)
	}
	return nil
}

// GetDevices returns every device currently known, connected or not.
func (m *Manager) GetDevices() []*Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	return out
}

// GetDevice looks up one device by duid.
func (m *Manager) GetDevice(duid string) (*Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[duid]
	return d, ok
}

// DiagnosticData returns the nested counter/latency snapshot collected
// across every subsystem this manager owns.
func (m *Manager) DiagnosticData() map[string]any {
	return m.diag.Snapshot()
}

// Close cancels every connect task, closes every device's channels, and
// closes the shared MQTT session. Idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	for _, cancel := range m.cancels {
		cancel()
	}
	m.cancels = make(map[string]context.CancelFunc)
	devices := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, d)
	}
	session := m.mqttSession
	m.mqttSession = nil
	m.mu.Unlock()

	for _, d := range devices {
		d.close()
	}
	if session != nil {
		return session.Close()
	}
	return nil
}
