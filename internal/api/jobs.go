package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/coldforge/ci-controlplane/internal/job"
	"github.com/coldforge/ci-controlplane/internal/obs"
	"github.com/coldforge/ci-controlplane/internal/statusstore"
	"github.com/gorilla/mux"
)

// cancelStatusRecord mirrors the job:{id}:status JSON shape the worker
// writes (internal/worker's statusRecord), so a cancelled-before-pickup job
// carries the same record layout regardless of which side wrote it.
type cancelStatusRecord struct {
	Status    job.Status `json:"status"`
	UpdatedAt time.Time  `json:"updated_at"`
	Message   string     `json:"message,omitempty"`
}

// HandleListJobs implements GET /jobs?status=&repo=&branch=&limit=&offset=
// via a linear scan of job:* hash keys (spec §9 open question decision,
// prepared in statusstore.IsJobRecordKey), filtered and paginated
// in-process since there is no secondary index.
func (h *Handler) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	statusFilter := q.Get("status")
	repoFilter := q.Get("repo")
	branchFilter := q.Get("branch")
	limit := parseIntDefault(q.Get("limit"), 50)
	offset := parseIntDefault(q.Get("offset"), 0)

	var jobs []job.Job
	err := h.status.Scan(r.Context(), statusstore.JobScanPattern, func(key string) error {
		if !statusstore.IsJobRecordKey(key) {
			return nil
		}
		id := key[len("job:"):]
		m, err := h.status.HashGetAll(r.Context(), key)
		if err != nil {
			return err
		}
		j, err := jobFromHash(id, m)
		if err != nil {
			return nil // vanished between scan and read; skip
		}
		if statusFilter != "" && string(j.Status) != statusFilter {
			return nil
		}
		if repoFilter != "" && j.Repo != repoFilter {
			return nil
		}
		if branchFilter != "" && j.Branch != branchFilter {
			return nil
		}
		jobs = append(jobs, j)
		return nil
	})
	if err != nil {
		h.log.Error("list jobs scan failed", obs.Err(err))
		writeError(w, http.StatusInternalServerError, "scan failed")
		return
	}

	sort.Slice(jobs, func(i, k int) bool { return jobs[i].StartedAt.After(jobs[k].StartedAt) })

	total := len(jobs)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	resp := jobsResponse{Jobs: jobs[offset:end], Total: total, Offset: offset, Limit: limit}
	if end < total {
		resp.NextCursor = strconv.Itoa(end)
	}
	writeJSON(w, http.StatusOK, resp)
}

// jobsResponse is the GET /jobs envelope (spec §6): the page of matching
// jobs alongside the full filtered count and pagination state.
type jobsResponse struct {
	Jobs       []job.Job `json:"jobs"`
	Total      int       `json:"total"`
	Offset     int       `json:"offset"`
	Limit      int       `json:"limit"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

// HandleGetJob implements GET /jobs/{id}.
func (h *Handler) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	j, ok := h.fetchJob(r, id)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// HandleCancel implements POST /jobs/{id}/cancel (spec §4.5): writes a
// cancellation status record and sets the out-of-band job:{id}:cancel
// marker the Build Pipeline polls between steps.
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx := r.Context()

	j, ok := h.fetchJob(r, id)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if j.Status.Terminal() {
		writeError(w, http.StatusConflict, "job already reached a terminal status")
		return
	}

	if err := h.status.Set(ctx, statusstore.CancelKey(id), "1", statusstore.JobTTL); err != nil {
		h.log.Error("write cancel marker failed", obs.Err(err), obs.String("job_id", id))
		writeError(w, http.StatusInternalServerError, "failed to record cancellation")
		return
	}

	rec := cancelStatusRecord{Status: job.StatusCancelled, UpdatedAt: time.Now().UTC(), Message: "requested"}
	b, err := json.Marshal(rec)
	if err != nil {
		h.log.Error("marshal cancel status record failed", obs.Err(err), obs.String("job_id", id))
		writeError(w, http.StatusInternalServerError, "failed to record cancellation")
		return
	}
	if err := h.status.Set(ctx, statusstore.StatusKey(id), string(b), statusstore.StatusTTL); err != nil {
		h.log.Error("write cancel status record failed", obs.Err(err), obs.String("job_id", id))
		writeError(w, http.StatusInternalServerError, "failed to record cancellation")
		return
	}
	if err := h.status.HashSet(ctx, statusstore.JobKey(id), "status", string(job.StatusCancelled), statusstore.JobTTL); err != nil {
		h.log.Error("write cancel status failed", obs.Err(err), obs.String("job_id", id))
		writeError(w, http.StatusInternalServerError, "failed to record cancellation")
		return
	}

	j.Status = job.StatusCancelled
	writeJSON(w, http.StatusOK, j)
}

func (h *Handler) fetchJob(r *http.Request, id string) (job.Job, bool) {
	m, err := h.status.HashGetAll(r.Context(), statusstore.JobKey(id))
	if err != nil || len(m) == 0 {
		return job.Job{}, false
	}
	j, err := jobFromHash(id, m)
	if err != nil {
		return job.Job{}, false
	}
	return j, true
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}
