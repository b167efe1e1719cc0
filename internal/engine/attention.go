package engine

import (
	"fmt"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/fxp"
	"github.com/23skdu/longbow-bodkin/internal/kernels"
)

// attention runs one layer's attention block on the normed input in
// e.xb, leaving the output-projected result back in e.xb:
// project -> rotate -> cache-write -> score -> softmax -> weighted
// sum -> output-project. Heads are partitioned disjointly across the
// pool; each head owns its own score row and output slice.
func (e *Engine) attention(layer, pos int, w *LayerWeights, degraded *bool) error {
	cfg := &e.cfg
	if cfg.Heads > config.MaxHeads || cfg.KVHeads > config.MaxKVHeads ||
		cfg.HeadDim > config.MaxHeadDim || cfg.SeqLen > config.MaxSeqLen {
		return fmt.Errorf("%w: attention dimensions exceed maxima", ErrBounds)
	}

	kvDim := cfg.KVDim()

	// Project.
	e.matVec(e.q, w.AttnQ, e.xb, cfg.Dim, cfg.Dim, degraded)
	e.matVec(e.kRow, w.AttnK, e.xb, kvDim, cfg.Dim, degraded)
	e.matVec(e.vRow, w.AttnV, e.xb, kvDim, cfg.Dim, degraded)

	// Rotate query and key by the cached position angle.
	e.rope.Apply(e.q, e.kRow, pos, cfg.HeadDim, cfg.Heads, cfg.KVHeads)

	// Commit this position's key/value before scoring so the row at
	// pos is read back through the same path as every earlier row.
	e.cache.Update(layer, pos, e.kRow, e.vRow)

	view := e.cache.View(layer)
	if view.K == nil {
		return fmt.Errorf("%w: layer %d", ErrBounds, layer)
	}

	group := cfg.Heads / cfg.KVHeads
	scale := fxp.Div(fxp.One, fxp.Sqrt(fxp.FromInt(cfg.HeadDim)))
	steps := pos + 1

	runHeads := func(start, end int) {
		for h := start; h < end; h++ {
			kvh := h / group
			kvOff := kvh * cfg.HeadDim
			qh := e.q[h*cfg.HeadDim : (h+1)*cfg.HeadDim]
			scores := e.scores[h*cfg.SeqLen : h*cfg.SeqLen+steps]

			// Score against every committed key.
			for t := 0; t < steps; t++ {
				key := view.KeyAt(t)
				var dot int64
				for d := 0; d < cfg.HeadDim; d++ {
					dot += int64(qh[d]) * int64(key[kvOff+d])
				}
				scores[t] = fxp.Mul(fxp.Value(dot>>fxp.Shift), scale)
			}

			kernels.Softmax(scores)

			// Weighted sum of values into this head's output slice.
			out := e.attnOut[h*cfg.HeadDim : (h+1)*cfg.HeadDim]
			for d := 0; d < cfg.HeadDim; d++ {
				var acc int64
				for t := 0; t < steps; t++ {
					acc += int64(scores[t]) * int64(view.ValueAt(t)[kvOff+d])
				}
				out[d] = fxp.Value(acc >> fxp.Shift)
			}
		}
	}

	if e.pool != nil {
		e.pool.ParallelFor(runHeads, cfg.Heads, 1)
	} else {
		runHeads(0, cfg.Heads)
	}

	// Output projection back to embedding dimension.
	e.matVec(e.xb, w.AttnO, e.attnOut, cfg.Dim, cfg.Dim, degraded)
	return nil
}
