package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"event-sync-service/internal/alerting"
	"event-sync-service/internal/billing"
	"event-sync-service/internal/config"
	"event-sync-service/internal/models"
	"event-sync-service/internal/ratelimit"
	"event-sync-service/internal/scheduler"
	"event-sync-service/internal/store"
	"event-sync-service/internal/telemetry"
	"event-sync-service/internal/worker"
)

// Documented polling interval for status clients.
const PollInterval = 1500 * time.Millisecond

const maxWebhookBody = 1 << 20

// Server wires the control-plane HTTP handlers.
type Server struct {
	cfg       config.Config
	store     store.Store
	scheduler *scheduler.Scheduler
	sweeper   *worker.Sweeper
	limiter   ratelimit.Limiter
	processor *billing.Processor
	sink      alerting.Sink
	log       *logrus.Logger
}

func New(cfg config.Config, st store.Store, sched *scheduler.Scheduler, sweeper *worker.Sweeper, limiter ratelimit.Limiter, processor *billing.Processor, sink alerting.Sink, log *logrus.Logger) *Server {
	return &Server{
		cfg:       cfg,
		store:     st,
		scheduler: sched,
		sweeper:   sweeper,
		limiter:   limiter,
		processor: processor,
		sink:      sink,
		log:       log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/api/sync/jobs", s.handleEnqueue)
	r.Get("/api/sync/jobs/{id}", s.handleStatus)
	r.Post("/api/sync/jobs/worker", s.handleWorkerSweep)
	r.Post("/api/billing/webhook", s.handleWebhook)
	return r
}

// publicJob is the projection polled by clients; internal scheduling fields
// (run_after, attempts) stay server-side.
type publicJob struct {
	ID            string             `json:"id"`
	TenantID      string             `json:"tenant_id"`
	ResourceKey   string             `json:"resource_key"`
	Kind          string             `json:"kind"`
	Phase         string             `json:"phase"`
	Progress      int                `json:"progress"`
	StatusMessage string             `json:"status_message"`
	Warning       *string            `json:"warning"`
	Error         *string            `json:"error"`
	Result        *models.SyncResult `json:"result"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

func toPublicJob(job models.Job) publicJob {
	return publicJob{
		ID:            job.ID,
		TenantID:      job.TenantID,
		ResourceKey:   job.ResourceKey,
		Kind:          job.Kind,
		Phase:         job.Phase,
		Progress:      job.Progress,
		StatusMessage: job.StatusMessage,
		Warning:       job.Warning,
		Error:         job.Error,
		Result:        job.Result,
		CreatedAt:     job.CreatedAt,
		UpdatedAt:     job.UpdatedAt,
	}
}

type enqueueRequest struct {
	ResourceKey string `json:"resourceKey"`
	Kind        string `json:"kind"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get("X-Tenant-ID")
	if tenantID == "" {
		writeError(w, http.StatusUnauthorized, "tenant identity is required")
		return
	}
	requestedBy := r.Header.Get("X-User-ID")

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	resourceKey := strings.ToLower(strings.TrimSpace(req.ResourceKey))
	if resourceKey == "" {
		writeError(w, http.StatusBadRequest, "resourceKey is required (e.g. '2025hiho')")
		return
	}
	kind := models.KindFull
	if req.Kind == "stats" || req.Kind == models.KindStatsOnly {
		kind = models.KindStatsOnly
	}

	// An already running sync answers 202 without consuming limit budget;
	// clients compare job ids across calls to spot the duplicate.
	active, found, err := s.scheduler.ActiveJob(r.Context(), tenantID, resourceKey)
	if err != nil {
		if errors.Is(err, scheduler.ErrInvalidResourceKey) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if found {
		telemetry.JobsDuplicate.Inc()
		writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "job": toPublicJob(active)})
		return
	}

	statsRes, err := s.limiter.Check(r.Context(), "stats-sync:"+tenantID, s.cfg.StatsSyncWindow, s.cfg.StatsSyncMax)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "rate limit error")
		return
	}
	setRateLimitHeaders(w, statsRes, s.cfg.StatsSyncMax)
	if !statsRes.Allowed {
		s.rejectRateLimited(w, statsRes, "Your team has exceeded the stats sync rate limit. Please try again soon.")
		return
	}

	if kind == models.KindFull {
		eventRes, err := s.limiter.Check(r.Context(), "events-sync:"+tenantID, s.cfg.EventSyncWindow, s.cfg.EventSyncMax)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		setRateLimitHeaders(w, eventRes, s.cfg.EventSyncMax)
		if !eventRes.Allowed {
			s.rejectRateLimited(w, eventRes, "Your team has exceeded the event sync rate limit. Please try again soon.")
			return
		}
	}

	job, _, err := s.scheduler.Enqueue(r.Context(), tenantID, requestedBy, resourceKey, kind)
	if err != nil {
		if errors.Is(err, scheduler.ErrInvalidResourceKey) || errors.Is(err, scheduler.ErrInvalidKind) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "job": toPublicJob(job)})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get("X-Tenant-ID")
	if tenantID == "" {
		writeError(w, http.StatusUnauthorized, "tenant identity is required")
		return
	}
	jobID := chi.URLParam(r, "id")

	job, err := s.scheduler.Status(r.Context(), tenantID, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Sync job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "job": toPublicJob(job)})
}

type sweepRequest struct {
	MaxJobs int `json:"maxJobs"`
}

func (s *Server) handleWorkerSweep(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeWorker(r) {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req sweepRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	maxJobs := req.MaxJobs
	if maxJobs <= 0 {
		maxJobs = 5
	}
	if maxJobs > 25 {
		maxJobs = 25
	}

	counts, err := s.sweeper.Sweep(r.Context(), maxJobs)
	if err != nil {
		alerting.ReportError(r.Context(), s.sink, s.log, "sync-jobs-worker-api", "Sync worker execution failed", err, map[string]any{
			"max_jobs": maxJobs,
		})
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "counts": counts})
}

func (s *Server) authorizeWorker(r *http.Request) bool {
	secret := strings.TrimSpace(s.cfg.WorkerSecret)
	if secret == "" {
		return false
	}
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	token = strings.TrimSpace(token)
	return subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable payload")
		return
	}

	signature := r.Header.Get("Billing-Signature")
	if signature == "" {
		writeError(w, http.StatusBadRequest, "Missing webhook signature.")
		return
	}
	if !billing.VerifySignature(s.cfg.WebhookSecret, body, signature, time.Now()) {
		s.sink.Send(r.Context(), alerting.Alert{
			Source:   "billing-webhook",
			Severity: alerting.SeverityWarning,
			Title:    "Webhook signature verification failed",
			Message:  "Invalid webhook signature.",
			Details:  map[string]any{"payload_length": len(body)},
		})
		writeError(w, http.StatusBadRequest, "Invalid webhook signature.")
		return
	}

	duplicate, err := s.processor.Handle(r.Context(), body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if duplicate {
		writeJSON(w, http.StatusOK, map[string]any{"received": true, "duplicate": true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"received": true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if due, err := s.store.CountDueJobs(r.Context(), time.Now()); err == nil {
		resp["due_jobs"] = due
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) rejectRateLimited(w http.ResponseWriter, res ratelimit.Result, msg string) {
	telemetry.RateLimitRejects.Inc()
	w.Header().Set("Retry-After", strconv.Itoa(ratelimit.RetryAfterSeconds(res.ResetAt, time.Now())))
	writeError(w, http.StatusTooManyRequests, msg)
}

func setRateLimitHeaders(w http.ResponseWriter, res ratelimit.Result, max int) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(max))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", res.ResetAt.Unix()))
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
