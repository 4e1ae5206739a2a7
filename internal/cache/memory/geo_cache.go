// Package memory implements the in-process geolocation cache: a go-cache
// store mirrored to a JSON file so lookups survive restarts.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// Config controls the cache.
type Config struct {
	// File is the JSON persistence path. Empty disables persistence.
	File string
	// MaxEntries bounds the cache; the oldest entry is evicted when full.
	// Zero means unbounded.
	MaxEntries int
	// TTL expires entries. Zero keeps them forever.
	TTL time.Duration
	// MinWriteInterval debounces file writes. Zero writes on every new entry.
	MinWriteInterval time.Duration
}

type entry struct {
	Location string
	seq      uint64
}

// slot is an insertion record. It is stale once its key was overwritten,
// deleted or expired.
type slot struct {
	key string
	seq uint64
}

// GeoCache stores IP to location strings.
type GeoCache struct {
	items  *gocache.Cache
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	// mu serializes Set and file writes.
	mu sync.Mutex
	// order is the insertion FIFO used for eviction when MaxEntries is set.
	order     []slot
	seq       uint64
	dirty     bool
	lastWrite time.Time
	timer     *time.Timer
	closed    bool
}

// New loads cfg.File when present and returns a ready cache.
func New(cfg Config, logger *zap.Logger) (*GeoCache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &GeoCache{cfg: cfg, logger: logger, now: time.Now}
	loaded, err := c.load()
	if err != nil {
		return nil, err
	}
	expiry := gocache.NoExpiration
	cleanup := time.Duration(0)
	if cfg.TTL > 0 {
		expiry = cfg.TTL
		cleanup = cfg.TTL
	}
	c.items = gocache.NewFrom(expiry, cleanup, loaded)
	if cfg.MaxEntries > 0 {
		for k, item := range loaded {
			if e, ok := item.Object.(entry); ok {
				c.order = append(c.order, slot{key: k, seq: e.seq})
			}
		}
	}
	return c, nil
}

func (c *GeoCache) load() (map[string]gocache.Item, error) {
	items := make(map[string]gocache.Item)
	if c.cfg.File == "" {
		return items, nil
	}
	raw, err := os.ReadFile(c.cfg.File)
	if errors.Is(err, fs.ErrNotExist) {
		return items, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read geo cache: %w", err)
	}
	var stored map[string]string
	if err := json.Unmarshal(raw, &stored); err != nil {
		// A corrupt file only costs us the warm cache.
		c.logger.Warn("ignoring unreadable geo cache file", zap.String("file", c.cfg.File), zap.Error(err))
		return items, nil
	}
	var expiration int64
	if c.cfg.TTL > 0 {
		expiration = c.now().Add(c.cfg.TTL).UnixNano()
	}
	for ip, loc := range stored {
		c.seq++
		items[ip] = gocache.Item{Object: entry{Location: loc, seq: c.seq}, Expiration: expiration}
	}
	c.logger.Info("loaded geo cache", zap.String("file", c.cfg.File), zap.Int("entries", len(items)))
	return items, nil
}

// Get returns the cached location for ip.
func (c *GeoCache) Get(_ context.Context, ip string) (string, bool, error) {
	v, ok := c.items.Get(ip)
	if !ok {
		return "", false, nil
	}
	e, ok := v.(entry)
	if !ok {
		return "", false, nil
	}
	return e.Location, true, nil
}

// Set stores location for ip and persists the cache per MinWriteInterval.
func (c *GeoCache) Set(_ context.Context, ip, location string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.items.Get(ip); ok {
		if e, ok := prev.(entry); ok && e.Location == location {
			return nil
		}
	} else if c.cfg.MaxEntries > 0 && c.items.ItemCount() >= c.cfg.MaxEntries {
		c.evictOldest()
	}
	c.seq++
	c.items.Set(ip, entry{Location: location, seq: c.seq}, gocache.DefaultExpiration)
	c.track(ip, c.seq)
	c.dirty = true
	return c.persistLocked()
}

// live reports whether s still names the current value of its key.
func (c *GeoCache) live(s slot) bool {
	v, ok := c.items.Get(s.key)
	if !ok {
		return false
	}
	e, ok := v.(entry)
	return ok && e.seq == s.seq
}

// track appends an insertion record. c.mu must be held.
func (c *GeoCache) track(ip string, seq uint64) {
	if c.cfg.MaxEntries <= 0 {
		return
	}
	c.order = append(c.order, slot{key: ip, seq: seq})
	if len(c.order) > 2*c.cfg.MaxEntries {
		kept := make([]slot, 0, c.cfg.MaxEntries)
		for _, s := range c.order {
			if c.live(s) {
				kept = append(kept, s)
			}
		}
		c.order = kept
	}
}

// evictOldest drops the least recently written entry. c.mu must be held.
func (c *GeoCache) evictOldest() {
	for len(c.order) > 0 {
		s := c.order[0]
		c.order = c.order[1:]
		if c.live(s) {
			c.items.Delete(s.key)
			return
		}
	}
}

// persistLocked writes now or schedules a deferred flush. c.mu must be held.
func (c *GeoCache) persistLocked() error {
	if c.cfg.File == "" || !c.dirty || c.closed {
		return nil
	}
	if wait := c.cfg.MinWriteInterval - c.now().Sub(c.lastWrite); c.cfg.MinWriteInterval > 0 && wait > 0 {
		if c.timer == nil {
			c.timer = time.AfterFunc(wait, c.flushFromTimer)
		}
		return nil
	}
	return c.writeLocked()
}

func (c *GeoCache) flushFromTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timer = nil
	if c.closed || !c.dirty {
		return
	}
	if err := c.writeLocked(); err != nil {
		c.logger.Warn("deferred geo cache write failed", zap.Error(err))
	}
}

func (c *GeoCache) writeLocked() error {
	snapshot := make(map[string]string, c.items.ItemCount())
	for k, item := range c.items.Items() {
		if e, ok := item.Object.(entry); ok {
			snapshot[k] = e.Location
		}
	}
	raw, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("encode geo cache: %w", err)
	}
	dir := filepath.Dir(c.cfg.File)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create geo cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".geo_cache-*.json")
	if err != nil {
		return fmt.Errorf("create geo cache temp file: %w", err)
	}
	defer func() {
		// No-op once the rename succeeded.
		_ = os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write geo cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close geo cache temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.cfg.File); err != nil {
		return fmt.Errorf("replace geo cache file: %w", err)
	}
	c.dirty = false
	c.lastWrite = c.now()
	return nil
}

// Close flushes pending writes. Later Sets keep working in memory only.
func (c *GeoCache) Close(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	var err error
	if c.dirty && c.cfg.File != "" {
		err = c.writeLocked()
	}
	c.closed = true
	return err
}

// Len reports the number of cached entries.
func (c *GeoCache) Len() int {
	return c.items.ItemCount()
}
