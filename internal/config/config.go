package config

import (
	"fmt"

	"github.com/23skdu/longbow-bodkin/internal/fxp"
)

// Hard maxima for every dimension the engine allocates against. A
// configuration exceeding any of these is rejected at Validate time,
// never clamped silently.
const (
	MaxLayers  = 128
	MaxHeads   = 64
	MaxKVHeads = 64
	MaxHeadDim = 256
	MaxSeqLen  = 8192
	MaxVocab   = 262144
	MaxFFN     = 65536
)

// DefaultEps is the smallest positive Q16.16 value, close to the
// 1e-5 RMS-norm epsilon conventional models use.
const DefaultEps fxp.Value = 1

type Config struct {
	Dim       int
	HiddenDim int
	Layers    int
	Heads     int
	KVHeads   int
	HeadDim   int
	VocabSize int
	SeqLen    int
	Eps       fxp.Value
}

func (c *Config) Validate() error {
	if c.Dim <= 0 {
		return fmt.Errorf("invalid dim: %d (must be positive)", c.Dim)
	}
	if c.Layers <= 0 {
		return fmt.Errorf("invalid layers: %d (must be positive)", c.Layers)
	}
	if c.Layers > MaxLayers {
		return fmt.Errorf("invalid layers: %d (max %d)", c.Layers, MaxLayers)
	}
	if c.Heads <= 0 {
		return fmt.Errorf("invalid heads: %d (must be positive)", c.Heads)
	}
	if c.Heads > MaxHeads {
		return fmt.Errorf("invalid heads: %d (max %d)", c.Heads, MaxHeads)
	}
	if c.KVHeads <= 0 {
		return fmt.Errorf("invalid kv_heads: %d (must be positive)", c.KVHeads)
	}
	if c.KVHeads > c.Heads {
		return fmt.Errorf("invalid kv_heads: %d (must be <= heads: %d)", c.KVHeads, c.Heads)
	}
	if c.KVHeads > MaxKVHeads {
		return fmt.Errorf("invalid kv_heads: %d (max %d)", c.KVHeads, MaxKVHeads)
	}
	if c.Heads%c.KVHeads != 0 {
		return fmt.Errorf("invalid kv_heads: %d (must divide heads: %d)", c.KVHeads, c.Heads)
	}
	if c.HeadDim <= 0 {
		return fmt.Errorf("invalid head_dim: %d (must be positive)", c.HeadDim)
	}
	if c.HeadDim > MaxHeadDim {
		return fmt.Errorf("invalid head_dim: %d (max %d)", c.HeadDim, MaxHeadDim)
	}
	if c.HeadDim%2 != 0 {
		return fmt.Errorf("invalid head_dim: %d (must be even for rotary pairs)", c.HeadDim)
	}
	if c.Dim != c.Heads*c.HeadDim {
		return fmt.Errorf("dim mismatch: %d != heads(%d) * head_dim(%d)", c.Dim, c.Heads, c.HeadDim)
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", c.VocabSize)
	}
	if c.VocabSize > MaxVocab {
		return fmt.Errorf("invalid vocab_size: %d (max %d)", c.VocabSize, MaxVocab)
	}
	if c.SeqLen <= 0 {
		return fmt.Errorf("invalid seq_len: %d (must be positive)", c.SeqLen)
	}
	if c.SeqLen > MaxSeqLen {
		return fmt.Errorf("invalid seq_len: %d (max %d)", c.SeqLen, MaxSeqLen)
	}
	if c.HiddenDim <= 0 {
		return fmt.Errorf("invalid hidden_dim: %d (must be positive)", c.HiddenDim)
	}
	if c.HiddenDim > MaxFFN {
		return fmt.Errorf("invalid hidden_dim: %d (max %d)", c.HiddenDim, MaxFFN)
	}
	if c.Eps <= 0 {
		return fmt.Errorf("invalid eps: %d (must be positive)", c.Eps)
	}
	return nil
}

// KVDim is the width of one cached key or value row.
func (c *Config) KVDim() int {
	return c.KVHeads * c.HeadDim
}

// New builds a validated Config from the raw dimensions the lifecycle
// boundary accepts. HeadDim is derived as Dim/Heads.
func New(vocab, dim, layers, heads, kvHeads, ffDim, maxSeqLen int) (Config, error) {
	c := Config{
		Dim:       dim,
		HiddenDim: ffDim,
		Layers:    layers,
		Heads:     heads,
		KVHeads:   kvHeads,
		VocabSize: vocab,
		SeqLen:    maxSeqLen,
		Eps:       DefaultEps,
	}
	if heads > 0 {
		c.HeadDim = dim / heads
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func Default() Config {
	return Config{
		SeqLen: 2048,
		Eps:    DefaultEps,
	}
}
