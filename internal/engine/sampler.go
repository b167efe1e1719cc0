package engine

import (
	"math/rand"
	"sort"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/fxp"
	"github.com/23skdu/longbow-bodkin/internal/kernels"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
)

// SamplerConfig controls token selection. Temperature zero means
// greedy argmax; TopP and TopK of zero disable their filters.
type SamplerConfig struct {
	Temperature fxp.Value
	TopP        fxp.Value
	TopK        int
	RepPenalty  fxp.Value
	Seed        int64
}

// Sampler turns a logit row into a token id. It holds no reference to
// the engine and never mutates engine state; the logits slice it is
// handed is scaled in a private copy.
type Sampler struct {
	Config SamplerConfig
	rng    *rand.Rand
}

func NewSampler(cfg SamplerConfig) *Sampler {
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	return &Sampler{
		Config: cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}
}

type tokenProb struct {
	id   int
	prob fxp.Value
}

// Sample draws the next token from the logits, applying repetition
// penalty, temperature, top-k and top-p in that order.
func (s *Sampler) Sample(logits []fxp.Value, history []int) int {
	if len(logits) == 0 {
		return 0
	}
	metrics.SampledTokensTotal.Inc()

	scaled := make([]fxp.Value, len(logits))
	copy(scaled, logits)

	if s.Config.RepPenalty > fxp.One && len(history) > 0 {
		applyRepetitionPenalty(scaled, history, s.Config.RepPenalty)
	}

	temp := s.Config.Temperature
	if temp == 0 {
		return argMax(scaled)
	}
	for i := range scaled {
		scaled[i] = fxp.Div(scaled[i], temp)
	}

	kernels.Softmax(scaled)

	candidates := make([]tokenProb, 0, len(scaled))
	for i, p := range scaled {
		if p > 0 {
			candidates = append(candidates, tokenProb{id: i, prob: p})
		}
	}
	if len(candidates) == 0 {
		return argMax(logits)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].prob > candidates[j].prob
	})

	candidates = applyTopK(candidates, s.Config.TopK)
	candidates = applyTopP(candidates, s.Config.TopP)
	if len(candidates) == 0 {
		return argMax(logits)
	}

	return s.sampleFromCandidates(candidates)
}

func (s *Sampler) sampleFromCandidates(candidates []tokenProb) int {
	var sum int64
	for _, c := range candidates {
		sum += int64(c.prob)
	}
	if sum <= 0 {
		return candidates[0].id
	}

	r := s.rng.Int63n(sum)
	var acc int64
	for _, c := range candidates {
		acc += int64(c.prob)
		if r < acc {
			return c.id
		}
	}
	return candidates[0].id
}

func applyRepetitionPenalty(logits []fxp.Value, history []int, penalty fxp.Value) {
	seen := make(map[int]struct{})
	start := 0
	if len(history) > 64 {
		start = len(history) - 64
	}

	for _, id := range history[start:] {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		if id >= 0 && id < len(logits) {
			val := logits[id]
			if val > 0 {
				logits[id] = fxp.Div(val, penalty)
			} else {
				logits[id] = fxp.Mul(val, penalty)
			}
		}
	}
}

func argMax(logits []fxp.Value) int {
	maxIdx := 0
	maxVal := logits[0]
	for i, v := range logits {
		if v > maxVal {
			maxVal = v
			maxIdx = i
		}
	}
	return maxIdx
}

func applyTopK(candidates []tokenProb, k int) []tokenProb {
	if k <= 0 || k >= len(candidates) {
		return candidates
	}
	return candidates[:k]
}

func applyTopP(candidates []tokenProb, p fxp.Value) []tokenProb {
	if p <= 0 || p >= fxp.One {
		return candidates
	}

	var sum int64
	for i, c := range candidates {
		sum += int64(c.prob)
		if sum >= int64(p) {
			return candidates[:i+1]
		}
	}
	return candidates
}
