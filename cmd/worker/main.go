package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"vodnotes/internal/config"
	"vodnotes/internal/llm"
	"vodnotes/internal/media"
	"vodnotes/internal/pipeline"
	"vodnotes/internal/queue"
	"vodnotes/internal/retry"
	"vodnotes/internal/store"
	"vodnotes/internal/telemetry"
	"vodnotes/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	q := queue.NewRedisQueue(cfg)

	placer, err := media.NewAudioPlacer(ctx, cfg)
	if err != nil {
		log.Fatalf("init audio placement: %v", err)
	}
	downloader := media.NewYtdlpDownloader(cfg, placer)
	transcriber := media.NewWhisperClient(cfg)
	llmClient := llm.NewClient(cfg)

	var embedder pipeline.Embedder
	if cfg.EmbedEnabled {
		if cfg.EmbedDim != store.EmbedVectorDim {
			log.Fatalf("EMBED_DIM=%d but the embedding column is vector(%d); change the schema before changing the dimension", cfg.EmbedDim, store.EmbedVectorDim)
		}
		embedder = llm.NewHTTPEmbedder(cfg)
	}

	runner := pipeline.NewRunner(st, q, downloader, transcriber, llmClient, embedder, pipeline.RunnerOptions{
		Policy: retry.Policy{
			MaxAttempts:          cfg.MaxAttempts,
			PreconditionAttempts: cfg.PreconditionAttempts,
			MaxDelay:             cfg.BackoffMaxDelay,
		},
		EmbedEnabled:  cfg.EmbedEnabled,
		ChunkMaxChars: cfg.ChunkMaxChars,
	})

	processor := worker.NewProcessor(cfg, q, runner)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker started with visibility=%s max_attempts=%d", cfg.VisibilityTimeout, cfg.MaxAttempts)
	if err := processor.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}
