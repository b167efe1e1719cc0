package engine

import (
	"fmt"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/fxp"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
)

// CacheView exposes one layer's key and value slabs for attention.
// Rows are addressed as pos*KVDim; entries are written exactly once
// per position and read by every later position.
type CacheView struct {
	K     []fxp.Value
	V     []fxp.Value
	KVDim int
}

// KeyAt returns the cached key row for a position already committed
// by Update. No bounds check here; the view only spans valid rows.
func (cv CacheView) KeyAt(pos int) []fxp.Value {
	off := pos * cv.KVDim
	return cv.K[off : off+cv.KVDim]
}

// ValueAt returns the cached value row for a position.
func (cv CacheView) ValueAt(pos int) []fxp.Value {
	off := pos * cv.KVDim
	return cv.V[off : off+cv.KVDim]
}

// KVCache is a single flat Q16.16 arena holding keys and values for
// every (layer, position), owned by the engine for its lifetime. All
// offset arithmetic happens here so call sites never touch raw
// indices.
type KVCache struct {
	layers    int
	positions int
	kvDim     int

	k []fxp.Value
	v []fxp.Value

	initialized bool
}

// Init allocates the cache arena: layers x positions x kvDim for keys
// plus the same for values.
func (c *KVCache) Init(cfg config.Config) error {
	kvDim := cfg.KVDim()
	if kvDim == 0 {
		return fmt.Errorf("invalid config: kvDim=0")
	}
	if cfg.Layers <= 0 {
		return fmt.Errorf("invalid config: layers=%d", cfg.Layers)
	}

	c.layers = cfg.Layers
	c.positions = cfg.SeqLen
	c.kvDim = kvDim

	total := c.layers * c.positions * c.kvDim
	c.k = make([]fxp.Value, total)
	c.v = make([]fxp.Value, total)
	c.initialized = true

	metrics.RecordKVCacheStats(int64(total)*2*4, 0)
	return nil
}

// Update stores a key/value row at (layer, pos). Out-of-bounds
// coordinates skip the write silently and bump a counter; the engine
// has already gated position upstream, so this check is defense in
// depth rather than the primary gate.
func (c *KVCache) Update(layer, pos int, k, v []fxp.Value) {
	if !c.initialized {
		return
	}
	if layer < 0 || layer >= c.layers || pos < 0 || pos >= c.positions {
		metrics.RecordKVCacheOutOfBounds()
		return
	}

	off := (layer*c.positions + pos) * c.kvDim
	copy(c.k[off:off+c.kvDim], k)
	copy(c.v[off:off+c.kvDim], v)

	usedBytes := int64(c.layers) * 2 * int64(pos+1) * int64(c.kvDim) * 4
	metrics.KVCacheUsedBytes.Set(float64(usedBytes))
}

// View returns the key/value slabs for one layer, or an empty view
// for an invalid layer index.
func (c *KVCache) View(layer int) CacheView {
	if !c.initialized || layer < 0 || layer >= c.layers {
		metrics.RecordKVCacheOutOfBounds()
		return CacheView{}
	}
	metrics.KVCacheHits.Inc()
	off := layer * c.positions * c.kvDim
	size := c.positions * c.kvDim
	return CacheView{
		K:     c.k[off : off+size],
		V:     c.v[off : off+size],
		KVDim: c.kvDim,
	}
}

// Size returns the number of positions the cache can hold.
func (c *KVCache) Size() int {
	return c.positions
}

// Free releases the arena. Idempotent.
func (c *KVCache) Free() {
	c.k = nil
	c.v = nil
	c.initialized = false
}
