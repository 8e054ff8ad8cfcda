package cache

import (
	"context"
	"path/filepath"
	"testing"

	require "github.com/stretchr/testify/require"

	"github.com/user/roborock-go/roborock"
)

func TestInMemoryCacheRoundTrip(t *testing.T) {
	c := NewInMemoryCache()
	c.SetNetworkInfo("duid-1", roborock.NetworkInfo{IP: "10.0.0.5"})

	info, ok := c.GetNetworkInfo("duid-1")
	require.True(t, ok)
	require.Equal(t, "10.0.0.5", info.IP)

	_, ok = c.GetNetworkInfo("no-such-device")
	require.False(t, ok)
}

func TestFileCacheFlushAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.gob")

	fc, err := NewFileCache(path, GobCodec{})
	require.NoError(t, err)
	fc.SetNetworkInfo("duid-1", roborock.NetworkInfo{IP: "192.168.1.1"})
	require.NoError(t, fc.Flush(context.Background()))

	reloaded, err := NewFileCache(path, GobCodec{})
	require.NoError(t, err)
	info, ok := reloaded.GetNetworkInfo("duid-1")
	require.True(t, ok)
	require.Equal(t, "192.168.1.1", info.IP)
}

func TestFileCacheFlushIsNoopWhenClean(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.gob")
	fc, err := NewFileCache(path, GobCodec{})
	require.NoError(t, err)
	require.NoError(t, fc.Flush(context.Background()))
}

func TestMigrateLegacyNetworkInfo(t *testing.T) {
	data := CacheData{
		LegacyNetworkInfo: map[string]roborock.NetworkInfo{
			"duid-9": {IP: "10.1.1.1"},
		},
	}
	data.migrateLegacy()

	entry, ok := data.DeviceInfo["duid-9"]
	require.True(t, ok)
	require.NotNil(t, entry.NetworkInfo)
	require.Equal(t, "10.1.1.1", entry.NetworkInfo.IP)
	require.Nil(t, data.LegacyNetworkInfo)
}

func TestJSONCodecRoundTrip(t *testing.T) {
	data := newCacheData()
	data.DeviceInfo["duid-1"] = DeviceCacheData{TraitData: map[string]any{"battery": 80.0}}

	codec := JSONCodec{}
	b, err := codec.Encode(data)
	require.NoError(t, err)

	var decoded CacheData
	require.NoError(t, codec.Decode(b, &decoded))
	require.Equal(t, 80.0, decoded.DeviceInfo["duid-1"].TraitData["battery"])
}

func TestNoCacheDiscardsEverything(t *testing.T) {
	var nc NoCache
	require.NoError(t, nc.Set(context.Background(), CacheData{}))
	require.NoError(t, nc.Flush(context.Background()))
	_, ok := nc.GetNetworkInfo("anything")
	require.False(t, ok)
}
