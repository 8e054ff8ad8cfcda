// Package v1channel composes a MqttChannel and a LocalChannel into the
// single RPC surface V1-family devices (protocol "1.0") present to trait
// code: MQTT is always available, local TCP is preferred when connected
// and falls back to MQTT transparently on failure.
package v1channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/user/roborock-go/pkg/localchannel"
	"github.com/user/roborock-go/pkg/mqttchannel"
	"github.com/user/roborock-go/pkg/rpc"
	"github.com/user/roborock-go/pkg/rrerrors"
	"github.com/user/roborock-go/pkg/rrlog"
	"github.com/user/roborock-go/roborock"
)

// NetworkInfoFetcher issues GET_NETWORK_INFO over MQTT. Implemented by the
// mqtt-flavored rpc.Channel. Channel itself holds a concrete *rpc.Channel
// and does not accept this interface.
type NetworkInfoFetcher interface {
	SendCommand(ctx context.Context, method string, params any, result any) error
}

// NetworkInfoCache is the subset of pkg/cache.Cache the channel needs to
// persist and recall a device's last-known LAN address.
type NetworkInfoCache interface {
	GetNetworkInfo(duid string) (roborock.NetworkInfo, bool)
	SetNetworkInfo(duid string, info roborock.NetworkInfo)
}

// LocalSessionFactory builds a LocalChannel for the given host. Injected so
// the owner supplies the device's local key, logger and diagnostics; it
// always yields a TCP-backed *localchannel.Channel.
type LocalSessionFactory func(host string) *localchannel.Channel

// Channel is the dual-transport orchestrator for one V1-family device.
type Channel struct {
	duid     string
	mqtt     *mqttchannel.Channel
	dialLocal LocalSessionFactory
	cache    NetworkInfoCache
	ids      roborock.IDGenerator
	log      rrlog.Logger

	mqttRPC        *rpc.Channel
	localPreferred *rpc.Channel
	mapRPC         *rpc.Channel

	mu          sync.Mutex
	local       *localchannel.Channel
	externalSub func(payload []byte)
	subscribed  bool
}

// New builds a Channel. Call Subscribe to start it; nothing connects
// before then.
func New(duid string, mqtt *mqttchannel.Channel, dialLocal LocalSessionFactory, cache NetworkInfoCache, ids roborock.IDGenerator, log rrlog.Logger) *Channel {
	if log == nil {
		log = rrlog.Nop()
	}
	return &Channel{
		duid:      duid,
		mqtt:      mqtt,
		dialLocal: dialLocal,
		cache:     cache,
		ids:       ids,
		log:       log,
	}
}

// Subscribe wires external, subscribes to the MQTT channel, fetches (or
// recalls) the device's network info, and attempts a local connection.
// Only one external subscriber is ever allowed.
func (c *Channel) Subscribe(ctx context.Context, sec roborock.SecurityData, external func(payload []byte)) error {
	c.mu.Lock()
	if c.subscribed {
		c.mu.Unlock()
		return rrerrors.ErrAlreadySubscribed
	}
	c.subscribed = true
	c.externalSub = external
	c.mu.Unlock()

	mqttRPC, err := rpc.New(c.mqtt, c.ids, c.log, nil, rpc.WithSecurity(sec))
	if err != nil {
		return fmt.Errorf("v1channel: mqtt rpc channel: %w", err)
	}
	c.mqttRPC = mqttRPC
	c.mapRPC = mqttRPC

	if _, err := c.mqtt.Subscribe(c.dispatchExternal); err != nil {
		return fmt.Errorf("v1channel: subscribe mqtt channel: %w", err)
	}

	info, err := c.fetchNetworkInfo(ctx)
	if err != nil {
		c.log.Warn("network info unavailable, continuing mqtt-only", "duid", c.duid, "error", err)
		return nil
	}

	local := c.dialLocal(info.IP)
	if err := local.Start(ctx); err != nil {
		c.log.Warn("local connect failed, continuing mqtt-only", "duid", c.duid, "error", err)
		return nil
	}
	if _, err := local.Subscribe(c.dispatchExternal); err != nil {
		c.log.Warn("local subscribe failed, continuing mqtt-only", "duid", c.duid, "error", err)
		return nil
	}
	localRPC, err := rpc.New(local, c.ids, c.log, nil)
	if err != nil {
		c.log.Warn("local rpc channel unavailable, continuing mqtt-only", "duid", c.duid, "error", err)
		return nil
	}

	c.mu.Lock()
	c.local = local
	c.localPreferred = localRPC
	c.mu.Unlock()
	return nil
}

func (c *Channel) dispatchExternal(payload []byte) {
	c.mu.Lock()
	ext := c.externalSub
	c.mu.Unlock()
	if ext != nil {
		ext(payload)
	}
}

func (c *Channel) fetchNetworkInfo(ctx context.Context) (roborock.NetworkInfo, error) {
	var info roborock.NetworkInfo
	liveErr := c.mqttRPC.SendCommand(ctx, "get_network_info", nil, &info)
	if liveErr == nil {
		if c.cache != nil {
			c.cache.SetNetworkInfo(c.duid, info)
		}
		return info, nil
	}

	if c.cache != nil {
		if cached, ok := c.cache.GetNetworkInfo(c.duid); ok {
			return cached, nil
		}
	}
	return roborock.NetworkInfo{}, fmt.Errorf("v1channel: get_network_info failed and no cache entry: %w", liveErr)
}

// SendCommandMQTT always routes over MQTT, for callers that must avoid
// the local-preferred fallback (e.g. map RPCs, which only ever arrive
// over MQTT).
func (c *Channel) SendCommandMQTT(ctx context.Context, method string, params, result any) error {
	if c.mqttRPC == nil {
		return rrerrors.ErrNotConnected
	}
	return c.mqttRPC.SendCommand(ctx, method, params, result)
}

// SendCommandMap issues a map_rpc-flavored command; identical routing to
// SendCommandMQTT today (both are MQTT-only), kept as a distinct method
// since the response protocol and payload shape differ (see pkg/mapdata
// for the map response payload).
func (c *Channel) SendCommandMap(ctx context.Context, method string, params, result any) error {
	if c.mapRPC == nil {
		return rrerrors.ErrNotConnected
	}
	return c.mapRPC.SendCommand(ctx, method, params, result)
}

// SendCommand is the default rpc_channel routing policy: prefer local
// when connected, falling back to MQTT once when the local attempt fails
// with a timeout, a lost connection, a full send queue or no connection.
// Any other local error, including a response that fails to decode, is
// returned without trying MQTT.
func (c *Channel) SendCommand(ctx context.Context, method string, params, result any) error {
	c.mu.Lock()
	local := c.local
	localRPC := c.localPreferred
	c.mu.Unlock()

	if local != nil && local.Connected() && localRPC != nil {
		err := localRPC.SendCommand(ctx, method, params, result)
		if err == nil {
			local.RecordSuccess()
			return nil
		}
		if isLocalFallbackError(err) {
			local.RecordTimeout()
			c.log.Warn("local command failed, retrying once over mqtt", "duid", c.duid, "method", method, "error", err)
		} else {
			return err
		}
	}

	if c.mqttRPC == nil {
		return rrerrors.ErrNotConnected
	}
	return c.mqttRPC.SendCommand(ctx, method, params, result)
}

func isLocalFallbackError(err error) bool {
	return errors.Is(err, rrerrors.ErrTimeout) ||
		errors.Is(err, rrerrors.ErrConnectionLost) ||
		errors.Is(err, rrerrors.ErrChannelBusy) ||
		errors.Is(err, rrerrors.ErrNotConnected)
}

// IsMQTTConnected reports whether the MQTT transport is currently live.
func (c *Channel) IsMQTTConnected() bool {
	return c.mqtt.Connected()
}

// IsLocalConnected reports whether a local TCP connection is currently
// live for this device.
func (c *Channel) IsLocalConnected() bool {
	c.mu.Lock()
	local := c.local
	c.mu.Unlock()
	return local != nil && local.Connected()
}

// Close tears down both RPC channels and the local connection, if any.
func (c *Channel) Close() error {
	if c.mqttRPC != nil {
		c.mqttRPC.Close()
	}
	c.mu.Lock()
	local := c.local
	localRPC := c.localPreferred
	c.local = nil
	c.localPreferred = nil
	c.mu.Unlock()
	if localRPC != nil {
		localRPC.Close()
	}
	if local != nil {
		return local.Close()
	}
	return nil
}
