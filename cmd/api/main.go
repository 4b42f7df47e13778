package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	"vodnotes/internal/admission"
	"vodnotes/internal/api"
	"vodnotes/internal/config"
	"vodnotes/internal/llm"
	"vodnotes/internal/pipeline"
	"vodnotes/internal/queue"
	"vodnotes/internal/ratelimit"
	"vodnotes/internal/store"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
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
	redisLimiter := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(redisLimiter, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	admitter := admission.New(st, q)

	var answerer api.Answerer
	var embedder pipeline.Embedder
	if cfg.EmbedEnabled {
		if cfg.EmbedDim != store.EmbedVectorDim {
			log.Fatalf("EMBED_DIM=%d but the embedding column is vector(%d); change the schema before changing the dimension", cfg.EmbedDim, store.EmbedVectorDim)
		}
		answerer = llm.NewClient(cfg)
		embedder = llm.NewHTTPEmbedder(cfg)
	}

	server := api.New(cfg, st, q, limiter, admitter, answerer, embedder)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
