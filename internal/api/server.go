package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"vodnotes/internal/config"
	"vodnotes/internal/models"
	"vodnotes/internal/pipeline"
	"vodnotes/internal/queue"
	"vodnotes/internal/ratelimit"
	"vodnotes/internal/source"
	"vodnotes/internal/store"
	"vodnotes/internal/telemetry"
)

// Admitter is the job admission entry point.
type Admitter interface {
	Admit(ctx context.Context, userID uuid.UUID, rawURL string, params map[string]any) (models.Job, bool, error)
}

// Answerer responds to a question grounded on transcript excerpts.
type Answerer interface {
	Answer(ctx context.Context, question, excerpts string) (string, error)
}

// Server wires HTTP handlers for the submission and results API.
type Server struct {
	cfg      config.Config
	store    *store.Store
	queue    *queue.RedisQueue
	limiter  *ratelimit.TokenBucket
	admitter Admitter
	answerer Answerer
	embedder pipeline.Embedder
}

// New constructs the API server. answerer and embedder may be nil, which
// disables the ask endpoint.
func New(cfg config.Config, st *store.Store, q *queue.RedisQueue, limiter *ratelimit.TokenBucket, admitter Admitter, answerer Answerer, embedder pipeline.Embedder) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		queue:    q,
		limiter:  limiter,
		admitter: admitter,
		answerer: answerer,
		embedder: embedder,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleSubmit)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/events", s.handleListEvents)
	r.Get("/jobs/{id}/transcript", s.handleTranscript)
	r.Get("/jobs/{id}/transcript/search", s.handleTranscriptSearch)
	r.Get("/jobs/{id}/results", s.handleResults)
	r.Get("/jobs/{id}/notes", s.handleNotes)
	r.Get("/jobs/{id}/export/markdown", s.handleExportMarkdown)
	r.Post("/jobs/{id}/ask", s.handleAsk)
	r.Get("/dlq", s.handleDLQ)
	r.Get("/admin/stale-jobs", s.handleStaleJobs)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "redis": err.Error()})
		return
	}
	depths := map[string]int64{}
	if n, err := s.queue.ReadyDepth(r.Context()); err == nil {
		depths["ready"] = n
	}
	if n, err := s.queue.ScheduledDepth(r.Context()); err == nil {
		depths["scheduled"] = n
	}
	if n, err := s.queue.InflightDepth(r.Context()); err == nil {
		depths["inflight"] = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "queue": depths})
}

type submitRequest struct {
	URL    string         `json:"url"`
	Params map[string]any `json:"params"`
}

type submitResponse struct {
	Job     models.Job `json:"job"`
	Created bool       `json:"created"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromRequest(w, r)
	if !ok {
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		http.Error(w, "url is required", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), "rl:user:"+userID.String())
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	job, created, err := s.admitter.Admit(r.Context(), userID, req.URL, req.Params)
	if errors.Is(err, source.ErrInvalidReference) {
		http.Error(w, "unrecognized video url", http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if created {
		telemetry.JobsAdmitted.Inc()
		writeJSON(w, http.StatusAccepted, submitResponse{Job: job, Created: true})
		return
	}
	telemetry.JobsDeduplicated.Inc()
	writeJSON(w, http.StatusOK, submitResponse{Job: job, Created: false})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromRequest(w, r)
	if !ok {
		return
	}
	limit, offset := pageParams(r, 50)

	jobs, err := s.store.ListJobsForUser(r.Context(), userID, limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	total, err := s.store.CountJobsForUser(r.Context(), userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "total": total})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	video, err := s.store.GetVideo(r.Context(), job.VideoID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := map[string]any{"job": job}
	if err == nil {
		resp["video"] = video
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	limit, offset := pageParams(r, 200)

	events, err := s.store.ListEvents(r.Context(), job.ID, limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	total, err := s.store.CountEvents(r.Context(), job.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "total": total})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	limit, offset := pageParams(r, 500)

	segments, err := s.store.ListSegments(r.Context(), job.ID, limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	total, err := s.store.CountSegments(r.Context(), job.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"segments": segments, "total": total})
}

func (s *Server) handleTranscriptSearch(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		http.Error(w, "q is required", http.StatusBadRequest)
		return
	}
	limit, _ := pageParams(r, 50)

	segments, err := s.store.SearchTranscript(r.Context(), job.ID, q, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"segments": segments})
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}

	result, err := s.store.FinalResultByJob(r.Context(), job.ID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "results not ready", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleNotes returns the structured note artifacts individually, for clients
// that render chapters or task lists without the full result payload.
func (s *Server) handleNotes(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}

	chapters, err := s.store.ListChaptersByJob(r.Context(), job.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	takeaways, err := s.store.ListTakeawaysByJob(r.Context(), job.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	items, err := s.store.ListActionItemsByJob(r.Context(), job.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"chapters":     chapters,
		"takeaways":    takeaways,
		"action_items": items,
	})
}

func (s *Server) handleExportMarkdown(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}

	md, err := s.store.FormattedMarkdownByJob(r.Context(), job.ID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "notes not ready", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", job.ID.String()+".md"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(md))
}

type askRequest struct {
	Question string `json:"question"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	if s.answerer == nil || s.embedder == nil {
		http.Error(w, "ask is not enabled", http.StatusNotImplemented)
		return
	}
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}

	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Question) == "" {
		http.Error(w, "question is required", http.StatusBadRequest)
		return
	}

	vec, err := s.embedder.Embed(r.Context(), req.Question)
	if err != nil {
		http.Error(w, "embed question: "+err.Error(), http.StatusBadGateway)
		return
	}
	hits, err := s.store.NearestChunks(r.Context(), job.ID, vec, 5)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(hits) == 0 {
		http.Error(w, "transcript is not indexed for this job", http.StatusConflict)
		return
	}

	var excerpts strings.Builder
	for _, hit := range hits {
		fmt.Fprintf(&excerpts, "[%.0fs - %.0fs]\n%s\n\n", hit.StartSeconds, hit.EndSeconds, hit.Text)
	}
	answer, err := s.answerer.Answer(r.Context(), req.Question, excerpts.String())
	if err != nil {
		http.Error(w, "answer: "+err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"answer": answer, "sources": hits})
}

// handleDLQ returns dead-lettered stage tasks for operational inspection.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleStaleJobs lists running jobs whose heartbeat went quiet, for
// operational inspection alongside the DLQ.
func (s *Server) handleStaleJobs(w http.ResponseWriter, r *http.Request) {
	age := 10 * time.Minute
	if v := r.URL.Query().Get("age"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed <= 0 {
			http.Error(w, "age must be a positive duration", http.StatusBadRequest)
			return
		}
		age = parsed
	}
	limit, _ := pageParams(r, 100)

	jobs, err := s.store.StaleJobs(r.Context(), time.Now().Add(-age), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// ownedJob resolves the path job ID scoped to the requesting user, writing
// the error response itself on failure.
func (s *Server) ownedJob(w http.ResponseWriter, r *http.Request) (models.Job, bool) {
	userID, ok := userFromRequest(w, r)
	if !ok {
		return models.Job{}, false
	}
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return models.Job{}, false
	}
	job, err := s.store.GetJobForUser(r.Context(), jobID, userID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return models.Job{}, false
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return models.Job{}, false
	}
	return job, true
}

func userFromRequest(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.Header.Get("X-User-ID")
	if raw == "" {
		http.Error(w, "X-User-ID header is required", http.StatusUnauthorized)
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		http.Error(w, "X-User-ID must be a UUID", http.StatusUnauthorized)
		return uuid.Nil, false
	}
	return id, true
}

func pageParams(r *http.Request, defaultLimit int) (limit, offset int) {
	limit = defaultLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 1000 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v >= 0 {
		offset = v
	}
	return limit, offset
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
