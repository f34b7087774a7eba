// Package intake implements the Intake HTTP surface (spec §4.4):
// POST /jobs for direct trigger, and POST /webhooks/{provider} for
// signature-verified inbound webhooks from gitea and github. Grounded on
// the teacher's event-hooks HMAC signing code (same hmac/sha256 shape,
// inverted into verification) and rate-limited with the same
// golang.org/x/time/rate limiter the teacher uses per-subscriber.
package intake

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coldforge/ci-controlplane/internal/config"
	"github.com/coldforge/ci-controlplane/internal/job"
	"github.com/coldforge/ci-controlplane/internal/obs"
	"github.com/coldforge/ci-controlplane/internal/queuestore"
	"github.com/coldforge/ci-controlplane/internal/statusstore"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Handler serves POST /jobs and POST /webhooks/{provider}.
type Handler struct {
	cfg     *config.Config
	queue   queuestore.Store
	status  statusstore.Store
	log     *zap.Logger
	limiter *rate.Limiter
}

func NewHandler(cfg *config.Config, queue queuestore.Store, status statusstore.Store, log *zap.Logger) *Handler {
	var limiter *rate.Limiter
	if cfg.API.RateLimitPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.API.RateLimitPerSec), cfg.API.RateLimitBurst)
	}
	return &Handler{cfg: cfg, queue: queue, status: status, log: log, limiter: limiter}
}

// triggerRequest is the POST /jobs body.
type triggerRequest struct {
	Repo   string `json:"repo"`
	Branch string `json:"branch"`
	Commit string `json:"commit"`
}

// HandleTrigger implements POST /jobs.
func (h *Handler) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w) {
		return
	}

	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Repo == "" || req.Branch == "" {
		writeError(w, http.StatusBadRequest, "repo and branch are required")
		return
	}

	j, err := h.enqueue(r.Context(), req.Repo, req.Branch, req.Commit)
	if err != nil {
		h.log.Error("enqueue failed", obs.Err(err))
		writeError(w, http.StatusInternalServerError, "queue append failed")
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// HandleWebhook implements POST /webhooks/{provider}.
func (h *Handler) HandleWebhook(provider string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.allow(w) {
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read request body")
			return
		}

		if secret, ok := h.cfg.API.WebhookSecrets[provider]; ok && secret != "" {
			if !verifySignature(provider, r.Header, body, secret) {
				writeError(w, http.StatusUnauthorized, "signature verification failed")
				return
			}
		}

		var payload webhookPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "malformed webhook payload")
			return
		}

		repo := payload.Repository.FullName
		branch := strings.TrimPrefix(payload.Ref, "refs/heads/")
		commit := payload.After

		j, err := h.enqueue(r.Context(), repo, branch, commit)
		if err != nil {
			h.log.Error("enqueue from webhook failed", obs.Err(err), obs.String("provider", provider))
			writeError(w, http.StatusInternalServerError, "queue append failed")
			return
		}
		writeJSON(w, http.StatusAccepted, j)
	}
}

// webhookPayload captures only the fields the core maps to a trigger job
// (spec §4.4 step 4): ref → branch, after → commit, repository.full_name →
// repo. Gitea and GitHub push payloads agree on this shape.
type webhookPayload struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

func verifySignature(provider string, header http.Header, body []byte, secret string) bool {
	switch provider {
	case "gitea":
		sig := header.Get("X-Gitea-Signature")
		if sig == "" {
			return false
		}
		return hmac.Equal([]byte(sig), []byte(hexHMAC(body, secret)))
	case "github":
		sig := header.Get("X-Hub-Signature-256")
		if sig == "" {
			return false
		}
		return hmac.Equal([]byte(sig), []byte("sha256="+hexHMAC(body, secret)))
	default:
		return false
	}
}

// hexHMAC computes the hex-encoded HMAC-SHA-256 digest, the same primitive
// the teacher's webhook subscriber uses to sign outbound deliveries.
func hexHMAC(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// enqueue creates a pending Job, persists its hash record, and appends it to
// the queue stream (spec §4.4: "Produces a Job ..., persists the job hash,
// and appends the serialized job to the queue stream").
func (h *Handler) enqueue(ctx context.Context, repo, branch, commit string) (job.Job, error) {
	j := job.New(uuid.NewString(), repo, branch, commit, time.Now())

	if err := h.status.HashSet(ctx, statusstore.JobKey(j.ID), "id", j.ID, statusstore.JobTTL); err != nil {
		return job.Job{}, fmt.Errorf("persist job hash: %w", err)
	}
	fields := map[string]string{
		"repo":       j.Repo,
		"branch":     j.Branch,
		"commit":     j.Commit,
		"status":     string(j.Status),
		"started_at": j.StartedAt.Format(time.RFC3339Nano),
	}
	for field, value := range fields {
		if err := h.status.HashSet(ctx, statusstore.JobKey(j.ID), field, value, statusstore.JobTTL); err != nil {
			return job.Job{}, fmt.Errorf("persist job hash field %s: %w", field, err)
		}
	}

	payload, err := j.Marshal()
	if err != nil {
		return job.Job{}, fmt.Errorf("marshal job: %w", err)
	}

	enqueueCtx, span := obs.StartEnqueueSpan(ctx, h.cfg.Queue.Stream)
	defer span.End()
	if _, err := h.queue.Append(enqueueCtx, h.cfg.Queue.Stream, map[string]string{"payload": payload}); err != nil {
		obs.RecordError(enqueueCtx, err)
		return job.Job{}, fmt.Errorf("append to queue: %w", err)
	}
	obs.SetSpanSuccess(enqueueCtx)
	obs.JobsEnqueued.Inc()

	return j, nil
}

func (h *Handler) allow(w http.ResponseWriter) bool {
	if h.limiter == nil {
		return true
	}
	if h.limiter.Allow() {
		return true
	}
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
