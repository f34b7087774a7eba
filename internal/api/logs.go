package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coldforge/ci-controlplane/internal/obs"
	"github.com/coldforge/ci-controlplane/internal/statusstore"
	"github.com/gorilla/mux"
)

// logFrame is one SSE data payload: a batch of log entries, or (on the
// final frame) the job's terminal status with no entries.
type logFrame struct {
	Entries []logEntryJSON `json:"entries,omitempty"`
	Status  string         `json:"status,omitempty"`
	Done    bool           `json:"done,omitempty"`
}

type logEntryJSON struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
}

// HandleLogs implements GET /jobs/{id}/logs (spec §4.5): a streaming tail of
// the job's log, re-read from the Log Stream in frames of up to
// cfg.API.LogFrameSize entries, with periodic keep-alives while the job is
// still running and a final frame announcing the terminal status once the
// stream is drained past the job's last written entry.
func (h *Handler) HandleLogs(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx := r.Context()

	if _, ok := h.fetchJob(r, id); !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := h.cfg.API.KeepAliveInterval
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	frameSize := h.cfg.API.LogFrameSize
	if frameSize <= 0 {
		frameSize = 100
	}

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	lastID := "0"
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		entries, err := h.logs.ReadFrom(ctx, statusstore.LogsKey(id), lastID, int64(frameSize))
		if err != nil {
			h.log.Error("log tail read failed", obs.Err(err), obs.String("job_id", id))
			return
		}
		if len(entries) > 0 {
			frame := logFrame{Entries: make([]logEntryJSON, len(entries))}
			for i, e := range entries {
				frame.Entries[i] = logEntryJSON{ID: e.ID, Timestamp: e.Fields["timestamp"], Message: e.Fields["message"]}
			}
			lastID = entries[len(entries)-1].ID
			if !writeSSEFrame(w, frame) {
				return
			}
			flusher.Flush()
			continue
		}

		j, found := h.fetchJob(r, id)
		if found && j.Status.Terminal() {
			writeSSEFrame(w, logFrame{Status: string(j.Status), Done: true})
			flusher.Flush()
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !writeSSEComment(w, "keep-alive") {
				return
			}
			flusher.Flush()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func writeSSEFrame(w http.ResponseWriter, frame logFrame) bool {
	b, err := json.Marshal(frame)
	if err != nil {
		return false
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", b)
	return err == nil
}

func writeSSEComment(w http.ResponseWriter, comment string) bool {
	_, err := fmt.Fprintf(w, ": %s\n\n", comment)
	return err == nil
}
