// Package cache persists per-device state (network info, map metadata,
// trait snapshots) plus the account's home-data roster, so DeviceManager
// doesn't have to hit the web API on every startup.
//
// DeviceCacheData/CacheData mirror the reference Python client's cache
// dataclasses field-for-field, including the deprecated flat top-level
// fields kept for backward-compatible reads. FileCache's snapshot-file
// persistence follows the reference library's append-log/state-file
// separation, simplified to a single file since this cache only ever
// needs point-in-time state, not a durable queue.
package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/roborock-go/roborock"
)

// DeviceCacheData is the per-device slice of cached state.
type DeviceCacheData struct {
	NetworkInfo       *roborock.NetworkInfo
	HomeMapInfo       *roborock.MapInfo
	HomeMapContentB64 string
	TraitData         map[string]any
}

// CacheData is the full persisted snapshot: account home data plus
// per-device state, plus the deprecated flat fields read for backward
// compatibility with older snapshots.
type CacheData struct {
	HomeData   *roborock.HomeData
	DeviceInfo map[string]DeviceCacheData

	// Deprecated: superseded by the per-device DeviceInfo fields above.
	// Still decoded from old snapshots. migrateLegacy (run when FileCache
	// loads a snapshot and again before each Flush) moves
	// LegacyNetworkInfo into DeviceInfo; LegacyHomeMapInfo and
	// LegacyHomeMapContentB64 are discarded at that point, not migrated.
	LegacyNetworkInfo       map[string]roborock.NetworkInfo
	LegacyHomeMapInfo       map[int]roborock.MapInfo
	LegacyHomeMapContentB64 map[int]string
}

func newCacheData() CacheData {
	return CacheData{DeviceInfo: make(map[string]DeviceCacheData)}
}

// migrateLegacy folds any deprecated flat fields into the per-device map,
// keyed the only way the flat legacy shape allows: LegacyNetworkInfo was
// already duid-keyed, so it migrates directly. The map-flag-keyed legacy
// fields have no duid to migrate to and are dropped once consumed — a
// caller on an old snapshot only needed them transiently during upgrade.
func (d *CacheData) migrateLegacy() {
	if d.DeviceInfo == nil {
		d.DeviceInfo = make(map[string]DeviceCacheData)
	}
	for duid, ni := range d.LegacyNetworkInfo {
		entry := d.DeviceInfo[duid]
		if entry.NetworkInfo == nil {
			ni := ni
			entry.NetworkInfo = &ni
			d.DeviceInfo[duid] = entry
		}
	}
	d.LegacyNetworkInfo = nil
	d.LegacyHomeMapInfo = nil
	d.LegacyHomeMapContentB64 = nil
}

// Cache is a typed key/value store for one account's device state. Get
// returns an in-memory copy served from the last successful load; Set
// only marks the in-memory copy dirty, Flush persists it.
type Cache interface {
	Get(ctx context.Context) (CacheData, error)
	Set(ctx context.Context, data CacheData) error
	Flush(ctx context.Context) error

	GetNetworkInfo(duid string) (roborock.NetworkInfo, bool)
	SetNetworkInfo(duid string, info roborock.NetworkInfo)
}

// InMemoryCache is a mutex-guarded cache with no persistence, for tests
// and for callers that don't want disk state.
type InMemoryCache struct {
	mu   sync.Mutex
	data CacheData
}

// NewInMemoryCache returns an empty InMemoryCache.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{data: newCacheData()}
}

func (c *InMemoryCache) Get(context.Context) (CacheData, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data, nil
}

func (c *InMemoryCache) Set(_ context.Context, data CacheData) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = data
	return nil
}

func (c *InMemoryCache) Flush(context.Context) error { return nil }

func (c *InMemoryCache) GetNetworkInfo(duid string) (roborock.NetworkInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.data.DeviceInfo[duid]
	if !ok || entry.NetworkInfo == nil {
		return roborock.NetworkInfo{}, false
	}
	return *entry.NetworkInfo, true
}

func (c *InMemoryCache) SetNetworkInfo(duid string, info roborock.NetworkInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data.DeviceInfo == nil {
		c.data.DeviceInfo = make(map[string]DeviceCacheData)
	}
	entry := c.data.DeviceInfo[duid]
	entry.NetworkInfo = &info
	c.data.DeviceInfo[duid] = entry
}

// Codec encodes/decodes a CacheData snapshot to bytes. The zero value of
// GobCodec is the default; JSONCodec is also provided for operators who
// want a human-readable cache file.
type Codec interface {
	Encode(CacheData) ([]byte, error)
	Decode([]byte, *CacheData) error
}

// GobCodec is the default snapshot format, matching the reference
// library's binary object-graph default.
type GobCodec struct{}

func (GobCodec) Encode(data CacheData) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(data); err != nil {
		return nil, fmt.Errorf("cache: gob encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (GobCodec) Decode(b []byte, data *CacheData) error {
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(data); err != nil {
		return fmt.Errorf("cache: gob decode: %w", err)
	}
	return nil
}

// JSONCodec is a human-readable alternative snapshot format.
type JSONCodec struct{}

func (JSONCodec) Encode(data CacheData) ([]byte, error) {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("cache: json encode: %w", err)
	}
	return b, nil
}

func (JSONCodec) Decode(b []byte, data *CacheData) error {
	if err := json.Unmarshal(b, data); err != nil {
		return fmt.Errorf("cache: json decode: %w", err)
	}
	return nil
}

// FileCache persists a single snapshot file, read once at construction
// and rewritten wholesale on Flush via a temp-file-then-rename so a crash
// mid-write never corrupts the previous snapshot.
type FileCache struct {
	path  string
	codec Codec

	mu    sync.Mutex
	data  CacheData
	dirty bool
}

// NewFileCache opens (or initializes) the snapshot at path using codec.
// A nil codec defaults to GobCodec.
func NewFileCache(path string, codec Codec) (*FileCache, error) {
	if codec == nil {
		codec = GobCodec{}
	}
	fc := &FileCache{path: path, codec: codec, data: newCacheData()}

	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fc, nil
		}
		return nil, fmt.Errorf("cache: read %s: %w", path, err)
	}
	if len(b) == 0 {
		return fc, nil
	}
	var loaded CacheData
	if err := codec.Decode(b, &loaded); err != nil {
		return nil, err
	}
	loaded.migrateLegacy()
	fc.data = loaded
	return fc, nil
}

func (fc *FileCache) Get(context.Context) (CacheData, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.data, nil
}

func (fc *FileCache) Set(_ context.Context, data CacheData) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.data = data
	fc.dirty = true
	return nil
}

func (fc *FileCache) GetNetworkInfo(duid string) (roborock.NetworkInfo, bool) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	entry, ok := fc.data.DeviceInfo[duid]
	if !ok || entry.NetworkInfo == nil {
		return roborock.NetworkInfo{}, false
	}
	return *entry.NetworkInfo, true
}

func (fc *FileCache) SetNetworkInfo(duid string, info roborock.NetworkInfo) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.data.DeviceInfo == nil {
		fc.data.DeviceInfo = make(map[string]DeviceCacheData)
	}
	entry := fc.data.DeviceInfo[duid]
	entry.NetworkInfo = &info
	fc.data.DeviceInfo[duid] = entry
	fc.dirty = true
}

// Flush writes the in-memory snapshot to disk if dirty, migrating any
// legacy flat fields into per-device form first.
func (fc *FileCache) Flush(context.Context) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if !fc.dirty {
		return nil
	}
	fc.data.migrateLegacy()

	b, err := fc.codec.Encode(fc.data)
	if err != nil {
		return err
	}

	dir := filepath.Dir(fc.path)
	tmp, err := os.CreateTemp(dir, ".cache-*.tmp")
	if err != nil {
		return fmt.Errorf("cache: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("cache: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("cache: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, fc.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("cache: rename temp file: %w", err)
	}
	fc.dirty = false
	return nil
}

// NoCache discards everything, matching the reference client's no-op
// cache for callers who don't want persistence at all.
type NoCache struct{}

func (NoCache) Get(context.Context) (CacheData, error)         { return newCacheData(), nil }
func (NoCache) Set(context.Context, CacheData) error            { return nil }
func (NoCache) Flush(context.Context) error                     { return nil }
func (NoCache) GetNetworkInfo(string) (roborock.NetworkInfo, bool) { return roborock.NetworkInfo{}, false }
func (NoCache) SetNetworkInfo(string, roborock.NetworkInfo)      {}
