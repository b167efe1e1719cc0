// Package engine drives one token at a time through a fixed-point
// transformer: embedding lookup, per-layer attention over a
// persistent KV cache, SwiGLU feed-forward, and the final projection
// to vocabulary logits. All numeric work is Q16.16; missing weights
// degrade to pass-through behavior instead of failing, because the
// engine must keep producing output in bring-up configurations.
package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/fxp"
	"github.com/23skdu/longbow-bodkin/internal/kernels"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
	"github.com/23skdu/longbow-bodkin/internal/parallel"
	"github.com/23skdu/longbow-bodkin/internal/rope"
)

// ErrBounds is returned when a position or index exceeds a hard
// maximum. It is detected before any buffer is touched.
var ErrBounds = errors.New("index out of bounds")

// ErrNotInitialized is returned by operations on a cleaned-up engine.
var ErrNotInitialized = errors.New("engine not initialized")

// ForwardStatus distinguishes a fully-weighted forward pass from one
// that used fallback substitutions. Degraded is still success.
type ForwardStatus int

const (
	StatusOK ForwardStatus = iota
	StatusDegraded
)

// ForwardResult reports the outcome of one forward pass.
type ForwardResult struct {
	Status   ForwardStatus
	Position int
}

// Degraded reports whether any fallback substitution was used.
func (r ForwardResult) Degraded() bool {
	return r.Status == StatusDegraded
}

// Engine is one independent inference context. Multiple engines may
// coexist in a process; nothing here is package-global. At most one
// Forward call may be in flight per engine; concurrent calls are
// undefined and must be serialized by the caller.
type Engine struct {
	cfg  config.Config
	pool *parallel.Pool
	log  *logger.Logger

	rope  rope.Tables
	cache KVCache

	weights    []LayerWeights
	outNorm    []fxp.Value
	output     *Blob
	embeddings []fxp.Value

	pos         int
	initialized bool

	// Scratch buffers, allocated once at initialization and reused
	// for every token and layer. Never touched concurrently except
	// through disjoint row ranges handed out by the pool.
	x       []fxp.Value // hidden state, dim
	xb      []fxp.Value // normed input / projected output, dim
	q       []fxp.Value // query, heads*headDim
	kRow    []fxp.Value // key row, kvDim
	vRow    []fxp.Value // value row, kvDim
	attnOut []fxp.Value // concatenated head outputs, dim
	hb      []fxp.Value // ffn gate, hiddenDim
	hb2     []fxp.Value // ffn up, hiddenDim
	scores  []fxp.Value // attention scores, heads*seqLen
}

// New validates the configuration against the fixed maxima and
// allocates the KV cache plus every scratch buffer up front. A nil
// pool is allowed and runs everything on the calling thread.
func New(cfg config.Config, pool *parallel.Pool) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	e := &Engine{
		cfg:  cfg,
		pool: pool,
		log:  logger.Log.Component("engine"),
	}

	if err := e.cache.Init(cfg); err != nil {
		return nil, err
	}

	kvDim := cfg.KVDim()
	e.weights = make([]LayerWeights, cfg.Layers)
	e.x = make([]fxp.Value, cfg.Dim)
	e.xb = make([]fxp.Value, cfg.Dim)
	e.q = make([]fxp.Value, cfg.Dim)
	e.kRow = make([]fxp.Value, kvDim)
	e.vRow = make([]fxp.Value, kvDim)
	e.attnOut = make([]fxp.Value, cfg.Dim)
	e.hb = make([]fxp.Value, cfg.HiddenDim)
	e.hb2 = make([]fxp.Value, cfg.HiddenDim)
	e.scores = make([]fxp.Value, cfg.Heads*cfg.SeqLen)

	// RoPE tables are built here, during single-threaded setup.
	e.rope.Ensure(cfg.HeadDim)

	e.initialized = true
	e.log.Info("engine initialized",
		"layers", cfg.Layers, "dim", cfg.Dim, "hidden_dim", cfg.HiddenDim,
		"heads", cfg.Heads, "kv_heads", cfg.KVHeads, "head_dim", cfg.HeadDim,
		"vocab", cfg.VocabSize, "seq_len", cfg.SeqLen)
	return e, nil
}

// Config returns the immutable model configuration.
func (e *Engine) Config() config.Config {
	return e.cfg
}

// Position returns the next sequence position to be written.
func (e *Engine) Position() int {
	return e.pos
}

// SetLayerWeights installs (or hot-swaps) one layer's weights. It may
// be called between forward passes; keys and values already cached
// for the layer are deliberately not invalidated, which the caller
// accepts as an inconsistency of mid-sequence swapping.
func (e *Engine) SetLayerWeights(layer int, w LayerWeights) error {
	if !e.initialized {
		return ErrNotInitialized
	}
	if layer < 0 || layer >= e.cfg.Layers {
		return fmt.Errorf("%w: layer %d (layers=%d)", ErrBounds, layer, e.cfg.Layers)
	}
	e.weights[layer] = w
	if !w.complete() {
		e.log.Debug("layer weights partially absent, pass-through enabled", "layer", layer)
	}
	return nil
}

// SetOutput installs the final norm weights and the output
// projection. Either may be nil for the demo pass-through path.
func (e *Engine) SetOutput(norm []fxp.Value, proj *Blob) error {
	if !e.initialized {
		return ErrNotInitialized
	}
	e.outNorm = norm
	e.output = proj
	return nil
}

// SetEmbeddings installs the token embedding table, a flat
// vocab x dim Q16.16 array.
func (e *Engine) SetEmbeddings(table []fxp.Value) error {
	if !e.initialized {
		return ErrNotInitialized
	}
	if len(table) != e.cfg.VocabSize*e.cfg.Dim {
		return fmt.Errorf("embedding table size mismatch: %d != %d*%d",
			len(table), e.cfg.VocabSize, e.cfg.Dim)
	}
	e.embeddings = table
	return nil
}

// Forward pushes one token through every layer and writes vocabulary
// logits. The sequence position advances only on success. On a kernel
// failure the hidden state is abandoned at the last fully-applied
// layer boundary and the error is surfaced; the engine can still
// Reset and start a new sequence.
func (e *Engine) Forward(token int, logits []fxp.Value) (ForwardResult, error) {
	if !e.initialized {
		metrics.RecordForwardError("state")
		return ForwardResult{}, ErrNotInitialized
	}
	if token < 0 || token >= e.cfg.VocabSize {
		metrics.RecordForwardError("bounds")
		return ForwardResult{}, fmt.Errorf("%w: token %d (vocab=%d)", ErrBounds, token, e.cfg.VocabSize)
	}
	if e.pos >= e.cfg.SeqLen {
		metrics.RecordForwardError("bounds")
		return ForwardResult{}, fmt.Errorf("%w: position %d (seq_len=%d)", ErrBounds, e.pos, e.cfg.SeqLen)
	}
	if len(logits) < e.cfg.VocabSize {
		metrics.RecordForwardError("bounds")
		return ForwardResult{}, fmt.Errorf("%w: logits length %d (vocab=%d)", ErrBounds, len(logits), e.cfg.VocabSize)
	}

	start := time.Now()
	degraded := false
	pos := e.pos

	e.embedToken(token, &degraded)

	for l := 0; l < e.cfg.Layers; l++ {
		w := &e.weights[l]
		if !w.complete() {
			degraded = true
		}

		// Attention block with residual.
		copy(e.xb, e.x)
		kernels.RMSNorm(e.xb, w.AttnNorm, e.cfg.Eps)
		if err := e.attention(l, pos, w, &degraded); err != nil {
			metrics.RecordForwardError("kernel")
			return ForwardResult{}, fmt.Errorf("layer %d attention: %w", l, err)
		}
		for i := range e.x {
			e.x[i] += e.xb[i]
		}

		// Feed-forward block with residual.
		copy(e.xb, e.x)
		kernels.RMSNorm(e.xb, w.FfnNorm, e.cfg.Eps)
		e.matVec(e.hb, w.FfnGate, e.xb, e.cfg.HiddenDim, e.cfg.Dim, &degraded)
		e.matVec(e.hb2, w.FfnUp, e.xb, e.cfg.HiddenDim, e.cfg.Dim, &degraded)
		kernels.SwiGLU(e.hb, e.hb2)
		e.matVec(e.xb, w.FfnDown, e.hb, e.cfg.Dim, e.cfg.HiddenDim, &degraded)
		for i := range e.x {
			e.x[i] += e.xb[i]
		}
	}

	copy(e.xb, e.x)
	kernels.RMSNorm(e.xb, e.outNorm, e.cfg.Eps)
	e.matVec(logits[:e.cfg.VocabSize], e.output, e.xb, e.cfg.VocabSize, e.cfg.Dim, &degraded)

	e.pos++
	metrics.RecordForward(time.Since(start).Seconds(), degraded)

	res := ForwardResult{Status: StatusOK, Position: e.pos}
	if degraded {
		res.Status = StatusDegraded
	}
	return res, nil
}

// Reset starts a new sequence without reallocating anything. Cached
// keys and values become unreachable once the position is rewound.
func (e *Engine) Reset() {
	e.pos = 0
}

// Cleanup releases the KV cache, the weight table and all scratch
// buffers. Safe to call on an already-clean engine.
func (e *Engine) Cleanup() {
	if !e.initialized {
		return
	}
	e.cache.Free()
	e.weights = nil
	e.outNorm = nil
	e.output = nil
	e.embeddings = nil
	e.x, e.xb, e.q, e.kRow, e.vRow = nil, nil, nil, nil, nil
	e.attnOut, e.hb, e.hb2, e.scores = nil, nil, nil, nil
	e.pos = 0
	e.initialized = false
	e.log.Info("engine cleaned up")
}

// embedToken loads the token embedding into the hidden state, or
// synthesizes a deterministic pseudo-embedding when no table is set
// so the bring-up path still has something to push through.
func (e *Engine) embedToken(token int, degraded *bool) {
	if e.embeddings != nil {
		off := token * e.cfg.Dim
		copy(e.x, e.embeddings[off:off+e.cfg.Dim])
		return
	}
	*degraded = true
	seed := uint32(token)*2654435761 + 1
	for i := range e.x {
		h := seed ^ (uint32(i) * 0x9e3779b9)
		h ^= h >> 13
		h *= 0x5bd1e995
		h ^= h >> 15
		// Small values in roughly [-0.25, 0.25).
		e.x[i] = fxp.Value(int32(h%65536)-32768) >> 1
	}
}

// matVec routes one projection: dense through the pool-parallel
// kernel, quantized through the registered kernel for its type, and
// anything absent or unroutable through the identity pass-through.
func (e *Engine) matVec(dst []fxp.Value, b *Blob, x []fxp.Value, rows, cols int, degraded *bool) {
	if b == nil {
		passThrough(dst, x)
		*degraded = true
		return
	}
	if b.Dense != nil {
		kernels.MatVecParallel(e.pool, dst, b.Dense, x, rows, cols)
		return
	}
	if kernels.QuantMatVec(b.Quant, dst, b.Raw, x, rows, cols) {
		return
	}
	e.log.Warn("no matvec kernel for quant type, using pass-through", "quant", b.Quant.String())
	passThrough(dst, x)
	*degraded = true
}

// passThrough copies src into dst, cycling when the shapes differ.
// This is the identity substitution for absent weights.
func passThrough(dst, src []fxp.Value) {
	n := len(src)
	if n == 0 {
		for i := range dst {
			dst[i] = 0
		}
		return
	}
	for i := range dst {
		dst[i] = src[i%n]
	}
}
