package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"runtime"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/embed"
	"github.com/23skdu/longbow-bodkin/internal/engine"
	"github.com/23skdu/longbow-bodkin/internal/fxp"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/parallel"
)

func main() {
	vocab := flag.Int("vocab", 1000, "vocabulary size")
	dim := flag.Int("dim", 64, "embedding dimension")
	layers := flag.Int("layers", 2, "transformer layers")
	heads := flag.Int("heads", 4, "attention heads")
	kvHeads := flag.Int("kv-heads", 4, "key/value heads (GQA)")
	ffDim := flag.Int("ff-dim", 256, "feed-forward dimension")
	seqLen := flag.Int("seq-len", 256, "maximum sequence length")
	tokens := flag.Int("tokens", 32, "tokens to generate")
	threads := flag.Int("threads", runtime.NumCPU(), "worker pool size")
	deterministic := flag.Bool("deterministic", false, "deterministic fixed-partition dispatch")
	temp := flag.Float64("temp", 0.8, "sampling temperature (0 = greedy)")
	topP := flag.Float64("top-p", 0.9, "nucleus sampling threshold")
	seed := flag.Int64("seed", 42, "sampler seed")
	embPath := flag.String("embeddings", "", "Arrow IPC stream with the embedding table")
	metricsAddr := flag.String("metrics-addr", "", "serve prometheus metrics on this address")
	logLevel := flag.String("log-level", "INFO", "log level (DEBUG/INFO/WARN/ERROR)")
	logFormat := flag.String("log-format", "console", "log format (console/json)")
	flag.Parse()

	logger.Setup(*logLevel, *logFormat)

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			logger.Log.Info("metrics endpoint up", "addr", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Log.Error("metrics server failed", "error", err)
			}
		}()
	}

	cfg, err := config.New(*vocab, *dim, *layers, *heads, *kvHeads, *ffDim, *seqLen)
	if err != nil {
		logger.Log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	pool := parallel.NewPool(*threads)
	defer pool.Shutdown()
	if *deterministic {
		pool.SetDeterministic(true)
	}

	eng, err := engine.New(cfg, pool)
	if err != nil {
		logger.Log.Error("engine initialization failed", "error", err)
		os.Exit(1)
	}
	defer eng.Cleanup()

	if *embPath != "" {
		table, err := embed.LoadIPC(*embPath)
		if err != nil {
			logger.Log.Error("embedding load failed", "path", *embPath, "error", err)
			os.Exit(1)
		}
		if table.Vocab != cfg.VocabSize || table.Dim != cfg.Dim {
			logger.Log.Error("embedding table shape mismatch",
				"vocab", table.Vocab, "dim", table.Dim)
			os.Exit(1)
		}
		if err := eng.SetEmbeddings(table.Data); err != nil {
			logger.Log.Error("embedding install failed", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Log.Warn("no embedding table, running in degraded demo mode")
	}

	sampler := engine.NewSampler(engine.SamplerConfig{
		Temperature: fxp.FromFloat(*temp),
		TopP:        fxp.FromFloat(*topP),
		RepPenalty:  fxp.FromFloat(1.1),
		Seed:        *seed,
	})

	logits := make([]fxp.Value, cfg.VocabSize)
	history := make([]int, 0, *tokens)
	token := 1

	for i := 0; i < *tokens; i++ {
		res, err := eng.Forward(token, logits)
		if err != nil {
			logger.Log.Error("forward failed", "step", i, "error", err)
			break
		}
		next := sampler.Sample(logits, history)
		history = append(history, next)
		fmt.Printf("step=%d pos=%d token=%d degraded=%v\n", i, res.Position, next, res.Degraded())
		token = next
	}

	for w := 0; w < pool.Threads(); w++ {
		s := pool.WorkerStats(w)
		logger.Log.Info("worker stats", "worker", w, "core", s.CoreID,
			"work_cycles", s.WorkCycles, "idle_cycles", s.IdleCycles,
			"items", s.Items, "invocations", s.Invocations)
	}
}
