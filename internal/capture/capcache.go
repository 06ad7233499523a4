package capture

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// cachedModes is the on-disk YAML shape for one camera's probed modes.
type cachedModes struct {
	TimestampMs int64            `yaml:"timestamp_ms"`
	Modes       []CapabilityMode `yaml:"modes"`
}

type capCacheFile struct {
	Cameras map[string]cachedModes `yaml:"cameras"`
}

// CapCache persists probe results per camera key so a restart can skip
// the multi-second capability probe for recently seen hardware.
// Capabilities served from here carry Source == SourceCache.
type CapCache struct {
	path   string
	maxAge time.Duration

	mu      sync.Mutex
	entries map[string]cachedModes
}

// NewCapCache loads (or initializes) the cache at path. Entries older
// than maxAge are ignored on Get. A missing or corrupt file starts empty
// rather than failing: the cache is an optimization, never a
// correctness dependency.
func NewCapCache(path string, maxAge time.Duration) *CapCache {
	c := &CapCache{
		path:    path,
		maxAge:  maxAge,
		entries: make(map[string]cachedModes),
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return c
	}
	var file capCacheFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return c
	}
	if file.Cameras != nil {
		c.entries = file.Cameras
	}
	return c
}

// Get returns cached capabilities for key if a fresh entry exists,
// re-running the default mode selection policy over the stored modes.
func (c *CapCache) Get(key string, now time.Time) (*Capabilities, bool) {
	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	if c.maxAge > 0 && now.UnixMilli()-entry.TimestampMs > c.maxAge.Milliseconds() {
		return nil, false
	}

	caps := NormalizeCapabilities(entry.Modes, now)
	caps.Source = SourceCache
	caps.TimestampMs = entry.TimestampMs
	return &caps, true
}

// Put stores freshly probed capabilities for key and rewrites the file.
func (c *CapCache) Put(key string, caps *Capabilities) error {
	c.mu.Lock()
	c.entries[key] = cachedModes{TimestampMs: caps.TimestampMs, Modes: caps.Modes}
	snapshot := capCacheFile{Cameras: make(map[string]cachedModes, len(c.entries))}
	for k, v := range c.entries {
		snapshot.Cameras[k] = v
	}
	c.mu.Unlock()

	data, err := yaml.Marshal(&snapshot)
	if err != nil {
		return fmt.Errorf("capture: marshal capability cache: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("capture: capability cache dir: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0o644); err != nil {
		return fmt.Errorf("capture: write capability cache: %w", err)
	}
	return nil
}
