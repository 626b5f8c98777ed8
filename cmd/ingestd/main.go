package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/intelligencedev/knowledge-ingest/internal/config"
	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/embedworker"
	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/filestore"
	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/jobs"
	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/llmchunk"
	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/model"
	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/objects"
	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/queue"
	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/vectorstore"
	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/workers"
	"github.com/intelligencedev/knowledge-ingest/internal/observability"
)

// unimplementedPDFExtractor stands in for a real PDF text-extraction
// backend (e.g. a native library or external service), left out of this
// repo's scope (spec.md's "HTML/PDF text extraction ... internal parsing
// is not spec'd"). It fails loudly rather than silently producing empty
// text so a misconfigured deployment is obvious from the first PDF job.
type unimplementedPDFExtractor struct{}

func (unimplementedPDFExtractor) ExtractText(_ context.Context, _ []byte) (string, string, error) {
	return "", "", fmt.Errorf("pdf text extraction is not configured for this deployment")
}

func main() {
	configPath := os.Getenv("INGEST_CONFIG")
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		log.Fatal().Err(err).Msg("failed to load config")
	}

	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.InitOTel(ctx, cfg.Obs)
	if err != nil {
		log.Warn().Err(err).Msg("otel init failed, continuing without observability")
		shutdownOTel = nil
	}
	if shutdownOTel != nil {
		defer func() { _ = shutdownOTel(context.Background()) }()
	}

	pool, err := pgxpool.New(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	jobRepo, err := jobs.NewPostgresRepository(ctx, pool)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init job repository")
	}
	objRepo, err := objects.NewPostgresRepository(ctx, pool)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init object repository")
	}

	chunker, err := llmchunk.New(cfg.LLM)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init llm chunker")
	}

	embedder := vectorstore.NewHTTPEmbedder(cfg.Embedding, cfg.Vector.Dimensions)
	vecStore, err := vectorstore.NewQdrantStore(ctx, cfg.Vector.DSN, cfg.Vector, embedder)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init vector store")
	}

	fileStore, err := filestore.New(ctx, cfg.FileStore)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init file store")
	}

	workerDeps := workers.Deps{
		Objects: objRepo,
		Jobs:    jobRepo,
		Chunker: chunker,
		Limits:  cfg.Limits,
		Logger:  log.Logger,
	}

	urlFetcher := workers.NewURLFetcher(cfg.Limits)
	pdfFetcher := workers.NewPDFFetcher(unimplementedPDFExtractor{}, fileStore, cfg.Limits)

	sched := queue.New(jobRepo, queue.Config{
		Concurrency:  cfg.Queue.Concurrency,
		PollInterval: cfg.Queue.PollInterval,
		MaxRetries:   cfg.Queue.MaxRetries,
		RetryDelay:   cfg.Queue.RetryDelay,
	}, log.Logger)
	sched.RegisterProcessor(model.JobTypeURL, workers.NewProcessor(urlFetcher, workerDeps))
	sched.RegisterProcessor(model.JobTypePDF, workers.NewProcessor(pdfFetcher, workerDeps))
	sched.RegisterProcessor(model.JobTypeBookmarkBatch, workers.NewBookmarkBatchProcessor(urlFetcher, workerDeps))
	sched.Start(ctx)
	defer sched.Stop()

	embedInterval := time.Duration(cfg.EmbedWorker.IntervalMs) * time.Millisecond
	embedW := embedworker.New(objRepo, jobRepo, chunker, vecStore, cfg.Embedding.Model, embedInterval, log.Logger)
	embedW.Start(ctx)
	defer embedW.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if err := pool.Ping(ctx); err != nil {
			http.Error(w, "db unreachable", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ready")
	})
	mux.HandleFunc("/jobs", handleAddJob(sched))
	mux.HandleFunc("/jobs/stats", handleJobStats(sched))

	srv := &http.Server{Addr: ":8081", Handler: mux}
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("ingestd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown error")
	}
}

// handleAddJob exposes the Queue's addJob operation (spec §6.1) over
// HTTP: POST a jobType/sourceIdentifier pair, get back the created Job.
func handleAddJob(sched *queue.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			JobType          model.JobType   `json:"jobType"`
			SourceIdentifier string          `json:"sourceIdentifier"`
			OriginalFileName string          `json:"originalFileName"`
			Priority         int             `json:"priority"`
			JobSpecificData  json.RawMessage `json:"jobSpecificData"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		job, err := sched.AddJob(r.Context(), req.JobType, req.SourceIdentifier, model.JobOptions{
			OriginalFileName: req.OriginalFileName,
			Priority:         req.Priority,
			JobSpecificData:  req.JobSpecificData,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(job)
	}
}

func handleJobStats(sched *queue.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := sched.GetStats(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(stats)
	}
}
