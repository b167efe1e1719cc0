package engine

import (
	"errors"
	"testing"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/fxp"
	"github.com/23skdu/longbow-bodkin/internal/kernels"
	"github.com/23skdu/longbow-bodkin/internal/parallel"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.New(64, 16, 2, 2, 2, 32, 8)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

// identityBlob builds a dense square identity matrix.
func identityBlob(t *testing.T, n int) *Blob {
	t.Helper()
	w := make([]fxp.Value, n*n)
	for i := 0; i < n; i++ {
		w[i*n+i] = fxp.One
	}
	b, err := DenseBlob(w, n, n)
	if err != nil {
		t.Fatalf("DenseBlob: %v", err)
	}
	return b
}

func onesVector(n int) []fxp.Value {
	v := make([]fxp.Value, n)
	for i := range v {
		v[i] = fxp.One
	}
	return v
}

func TestForwardDegradedWithoutWeights(t *testing.T) {
	cfg := testConfig(t)
	e, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer e.Cleanup()

	logits := make([]fxp.Value, cfg.VocabSize)
	res, err := e.Forward(5, logits)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !res.Degraded() {
		t.Error("forward without weights should report degraded status")
	}
	if res.Position != 1 {
		t.Errorf("result position = %d, want 1", res.Position)
	}
	if e.Position() != 1 {
		t.Errorf("Position() = %d, want 1", e.Position())
	}

	nonZero := false
	for _, v := range logits {
		if v != 0 {
			nonZero = true
			break
		}
	}
	if !nonZero {
		t.Error("degraded forward produced all-zero logits")
	}
}

func TestForwardSequenceExhaustion(t *testing.T) {
	cfg := testConfig(t)
	e, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer e.Cleanup()

	logits := make([]fxp.Value, cfg.VocabSize)
	for i := 0; i < cfg.SeqLen; i++ {
		if _, err := e.Forward(i%cfg.VocabSize, logits); err != nil {
			t.Fatalf("Forward at pos %d failed: %v", i, err)
		}
	}
	if e.Position() != cfg.SeqLen {
		t.Fatalf("Position = %d, want %d", e.Position(), cfg.SeqLen)
	}

	_, err = e.Forward(0, logits)
	if !errors.Is(err, ErrBounds) {
		t.Errorf("forward past seq_len returned %v, want ErrBounds", err)
	}
	if e.Position() != cfg.SeqLen {
		t.Errorf("failed forward advanced position to %d", e.Position())
	}
}

func TestGenerationScenario(t *testing.T) {
	cfg, err := config.New(1000, 64, 2, 4, 4, 256, 16)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	pool := parallel.NewPool(4)
	defer pool.Shutdown()
	e, err := New(cfg, pool)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer e.Cleanup()

	logits := make([]fxp.Value, cfg.VocabSize)
	sampler := NewSampler(SamplerConfig{Temperature: 0})
	token := 1
	history := []int{}

	for i := 0; i < cfg.SeqLen; i++ {
		res, err := e.Forward(token, logits)
		if err != nil {
			t.Fatalf("Forward at pos %d failed: %v", i, err)
		}
		if res.Position != i+1 {
			t.Fatalf("position after step %d = %d", i, res.Position)
		}
		token = sampler.Sample(logits, history)
		if token < 0 || token >= cfg.VocabSize {
			t.Fatalf("sampled token %d outside vocabulary", token)
		}
		history = append(history, token)
	}

	if _, err := e.Forward(token, logits); !errors.Is(err, ErrBounds) {
		t.Errorf("forward past seq_len returned %v, want ErrBounds", err)
	}
}

func TestForwardBoundsChecks(t *testing.T) {
	cfg := testConfig(t)
	e, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer e.Cleanup()

	logits := make([]fxp.Value, cfg.VocabSize)
	if _, err := e.Forward(-1, logits); !errors.Is(err, ErrBounds) {
		t.Errorf("negative token returned %v, want ErrBounds", err)
	}
	if _, err := e.Forward(cfg.VocabSize, logits); !errors.Is(err, ErrBounds) {
		t.Errorf("token == vocab returned %v, want ErrBounds", err)
	}
	short := make([]fxp.Value, cfg.VocabSize-1)
	if _, err := e.Forward(0, short); !errors.Is(err, ErrBounds) {
		t.Errorf("short logits returned %v, want ErrBounds", err)
	}
	if e.Position() != 0 {
		t.Errorf("rejected forwards advanced position to %d", e.Position())
	}
}

func TestResetRewindsSequence(t *testing.T) {
	cfg := testConfig(t)
	e, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer e.Cleanup()

	logits := make([]fxp.Value, cfg.VocabSize)
	for i := 0; i < 3; i++ {
		if _, err := e.Forward(i, logits); err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
	}

	e.Reset()
	if e.Position() != 0 {
		t.Fatalf("Position after Reset = %d, want 0", e.Position())
	}
	if _, err := e.Forward(0, logits); err != nil {
		t.Fatalf("Forward after Reset failed: %v", err)
	}
}

func TestCleanupIdempotent(t *testing.T) {
	cfg := testConfig(t)
	e, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	e.Cleanup()
	e.Cleanup()

	logits := make([]fxp.Value, cfg.VocabSize)
	if _, err := e.Forward(0, logits); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Forward after Cleanup returned %v, want ErrNotInitialized", err)
	}
	if err := e.SetLayerWeights(0, LayerWeights{}); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("SetLayerWeights after Cleanup returned %v, want ErrNotInitialized", err)
	}
	if err := e.SetEmbeddings(nil); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("SetEmbeddings after Cleanup returned %v, want ErrNotInitialized", err)
	}
}

func TestSetLayerWeightsBounds(t *testing.T) {
	cfg := testConfig(t)
	e, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer e.Cleanup()

	if err := e.SetLayerWeights(-1, LayerWeights{}); !errors.Is(err, ErrBounds) {
		t.Errorf("layer -1 returned %v, want ErrBounds", err)
	}
	if err := e.SetLayerWeights(cfg.Layers, LayerWeights{}); !errors.Is(err, ErrBounds) {
		t.Errorf("layer == layers returned %v, want ErrBounds", err)
	}
	if err := e.SetLayerWeights(0, LayerWeights{}); err != nil {
		t.Errorf("valid layer returned %v", err)
	}
}

func TestSetEmbeddingsSizeMismatch(t *testing.T) {
	cfg := testConfig(t)
	e, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer e.Cleanup()

	if err := e.SetEmbeddings(make([]fxp.Value, 7)); err == nil {
		t.Error("mismatched embedding table accepted")
	}
	if err := e.SetEmbeddings(make([]fxp.Value, cfg.VocabSize*cfg.Dim)); err != nil {
		t.Errorf("well-sized embedding table rejected: %v", err)
	}
}

func TestForwardDeterministic(t *testing.T) {
	cfg := testConfig(t)

	run := func() []fxp.Value {
		e, err := New(cfg, nil)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer e.Cleanup()
		logits := make([]fxp.Value, cfg.VocabSize)
		for _, tok := range []int{3, 11, 42} {
			if _, err := e.Forward(tok, logits); err != nil {
				t.Fatalf("Forward failed: %v", err)
			}
		}
		out := make([]fxp.Value, len(logits))
		copy(out, logits)
		return out
	}

	a := run()
	b := run()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("logit %d differs between identical runs: %d vs %d", i, a[i], b[i])
		}
	}
}

// fullyWeightedEngine installs identity projections everywhere so the
// forward pass has no missing pieces.
func fullyWeightedEngine(t *testing.T, pool *parallel.Pool) (*Engine, config.Config) {
	t.Helper()
	cfg, err := config.New(16, 16, 1, 2, 2, 16, 4)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	e, err := New(cfg, pool)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	w := LayerWeights{
		AttnNorm: onesVector(cfg.Dim),
		FfnNorm:  onesVector(cfg.Dim),
		AttnQ:    identityBlob(t, cfg.Dim),
		AttnK:    identityBlob(t, cfg.Dim),
		AttnV:    identityBlob(t, cfg.Dim),
		AttnO:    identityBlob(t, cfg.Dim),
		FfnGate:  identityBlob(t, cfg.Dim),
		FfnUp:    identityBlob(t, cfg.Dim),
		FfnDown:  identityBlob(t, cfg.Dim),
	}
	if err := e.SetLayerWeights(0, w); err != nil {
		t.Fatalf("SetLayerWeights: %v", err)
	}
	if err := e.SetOutput(onesVector(cfg.Dim), identityBlob(t, cfg.Dim)); err != nil {
		t.Fatalf("SetOutput: %v", err)
	}

	emb := make([]fxp.Value, cfg.VocabSize*cfg.Dim)
	for i := 0; i < cfg.VocabSize; i++ {
		emb[i*cfg.Dim+i%cfg.Dim] = fxp.One
	}
	if err := e.SetEmbeddings(emb); err != nil {
		t.Fatalf("SetEmbeddings: %v", err)
	}
	return e, cfg
}

func TestForwardFullyWeighted(t *testing.T) {
	e, cfg := fullyWeightedEngine(t, nil)
	defer e.Cleanup()

	logits := make([]fxp.Value, cfg.VocabSize)
	for i := 0; i < cfg.SeqLen; i++ {
		res, err := e.Forward(i, logits)
		if err != nil {
			t.Fatalf("Forward at pos %d failed: %v", i, err)
		}
		if res.Degraded() {
			t.Errorf("fully-weighted forward at pos %d reported degraded", i)
		}
	}
}

func TestForwardPoolMatchesSerial(t *testing.T) {
	pool := parallel.NewPool(4)
	defer pool.Shutdown()

	serial, cfg := fullyWeightedEngine(t, nil)
	defer serial.Cleanup()
	pooled, _ := fullyWeightedEngine(t, pool)
	defer pooled.Cleanup()

	serialLogits := make([]fxp.Value, cfg.VocabSize)
	pooledLogits := make([]fxp.Value, cfg.VocabSize)
	for _, tok := range []int{1, 7, 2, 13} {
		if _, err := serial.Forward(tok, serialLogits); err != nil {
			t.Fatalf("serial Forward failed: %v", err)
		}
		if _, err := pooled.Forward(tok, pooledLogits); err != nil {
			t.Fatalf("pooled Forward failed: %v", err)
		}
		for i := range serialLogits {
			if serialLogits[i] != pooledLogits[i] {
				t.Fatalf("token %d logit %d differs: serial %d, pooled %d",
					tok, i, serialLogits[i], pooledLogits[i])
			}
		}
	}
}

func TestForwardUnregisteredQuantDegrades(t *testing.T) {
	cfg := testConfig(t)
	e, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer e.Cleanup()

	w := LayerWeights{
		AttnQ: QuantBlob([]byte{1, 2, 3}, kernels.QuantQ4K, cfg.Dim, cfg.Dim),
	}
	if err := e.SetLayerWeights(0, w); err != nil {
		t.Fatalf("SetLayerWeights: %v", err)
	}

	logits := make([]fxp.Value, cfg.VocabSize)
	res, err := e.Forward(0, logits)
	if err != nil {
		t.Fatalf("Forward with unregistered quant failed: %v", err)
	}
	if !res.Degraded() {
		t.Error("unregistered quant kernel should degrade, not fail")
	}
}

func TestDenseBlobSizeMismatch(t *testing.T) {
	if _, err := DenseBlob(make([]fxp.Value, 5), 2, 3); err == nil {
		t.Error("mismatched dense blob accepted")
	}
	if _, err := DenseBlob(make([]fxp.Value, 6), 2, 3); err != nil {
		t.Errorf("well-sized dense blob rejected: %v", err)
	}
}
