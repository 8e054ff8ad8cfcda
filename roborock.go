// Package roborock defines the shared domain types and interfaces used
// across the device communication core: device identity, account
// credentials, and the narrow Transport/Commander seams that let the RPC
// layer treat a local TCP channel and an MQTT channel interchangeably.
package roborock

import (
	"context"
	"time"
)

// DeviceVersion identifies which protocol family a device speaks.
type DeviceVersion string

const (
	DeviceVersionV1      DeviceVersion = "1.0"
	DeviceVersionA01     DeviceVersion = "A01"
	DeviceVersionB01     DeviceVersion = "B01"
	DeviceVersionL01     DeviceVersion = "L01"
	DeviceVersionUnknown DeviceVersion = "unknown"
)

// DeviceIdentity describes a single device as returned by the account's
// home-data roster.
type DeviceIdentity struct {
	DUID            string
	Name            string
	ProductID       string
	LocalKey        string
	ProtocolVersion DeviceVersion
	FeatureFlags    uint64
}

// SecurityData is generated once per client instance and accompanies every
// MQTT-flavored RPC request so responses can be correlated to this client.
type SecurityData struct {
	Endpoint string
	Nonce    [16]byte
}

// NetworkInfo is the device's LAN presence, as reported by GET_NETWORK_INFO.
type NetworkInfo struct {
	IP    string `json:"ip" yaml:"ip"`
	SSID  string `json:"ssid" yaml:"ssid"`
	MAC   string `json:"mac" yaml:"mac"`
	BSSID string `json:"bssid" yaml:"bssid"`
	RSSI  int    `json:"rssi" yaml:"rssi"`
}

// MapInfo is a home map's room layout metadata, keyed by map id elsewhere.
type MapInfo struct {
	Rooms []int  `json:"rooms" yaml:"rooms"`
	Name  string `json:"name" yaml:"name"`
}

// RRiot is the account-level credential bundle returned by the web API:
// the MQTT broker address, MQTT user/secret, and the account crypto key.
type RRiot struct {
	U string `json:"u" yaml:"u"`
	S string `json:"s" yaml:"s"`
	K string `json:"k" yaml:"k"`
	R struct {
		MQTT string `json:"mqtt" yaml:"mqtt"`
	} `json:"r" yaml:"r"`
}

// UserData is the token/credential bundle obtained from the account login.
type UserData struct {
	UID   int64  `json:"uid" yaml:"uid"`
	Token string `json:"token" yaml:"token"`
	RRiot RRiot  `json:"rriot" yaml:"rriot"`
}

// HomeDataProduct describes a product model shared by one or more devices.
type HomeDataProduct struct {
	ID      string `json:"id" yaml:"id"`
	Model   string `json:"model" yaml:"model"`
	Version string `json:"version" yaml:"version"` // e.g. "1.0", "A01", "B01"
}

// HomeDataDevice is one device entry in a home-data roster response.
type HomeDataDevice struct {
	DUID     string `json:"duid" yaml:"duid"`
	Name     string `json:"name" yaml:"name"`
	LocalKey string `json:"local_key" yaml:"local_key"`
	PV       string `json:"pv" yaml:"pv"` // product version / protocol family
	ProductID string `json:"product_id" yaml:"product_id"`
}

// HomeData is the account's full device roster plus product catalog.
type HomeData struct {
	ID       int64             `json:"id" yaml:"id"`
	Name     string            `json:"name" yaml:"name"`
	Devices  []HomeDataDevice  `json:"devices" yaml:"devices"`
	Products []HomeDataProduct `json:"products" yaml:"products"`
}

// UserParams are the inputs required to stand up a DeviceManager.
type UserParams struct {
	Username   string
	Password   string
	BaseURL    string
	CommandTimeout time.Duration
}

// Unsubscribe cancels a prior subscription. It is idempotent and safe to
// call after the owning channel has been closed.
type Unsubscribe func()

// Transport is the narrow seam the RPC layer needs from either a
// LocalChannel or a MqttChannel: publish a framed message and subscribe to
// decoded inbound messages. Request/response correlation lives above this
// interface, in pkg/rpc.
type Transport interface {
	Publish(ctx context.Context, payload []byte) error
	Subscribe(cb func(payload []byte)) (Unsubscribe, error)
	Connected() bool
}

// Commander is what trait code depends on to issue RPCs without knowing
// whether the result traveled over local TCP or MQTT.
type Commander interface {
	SendCommand(ctx context.Context, method string, params any, result any) error
}

// Clock abstracts the time source. No component in this module accepts
// one: connect loops, backoff and timestamps read the time package
// directly.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// RealClock is the production Clock backed by the time package.
type RealClock struct{}

func (RealClock) Now() time.Time                  { return time.Now() }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// IDGenerator produces request ids and random nonce values. Injected so
// tests can make sequences deterministic.
type IDGenerator interface {
	NextRequestID() int
	NextRandom() uint32
}
