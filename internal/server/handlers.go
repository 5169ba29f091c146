package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go-batch-download/internal/models"
	"go-batch-download/internal/service"

	log "github.com/sirupsen/logrus"
)

type submitOptions struct {
	Priority    string `json:"priority"`
	CallbackURL string `json:"callback_url"`
}

func (o submitOptions) parse() (service.SubmitOptions, bool) {
	p, ok := models.ParsePriority(o.Priority)
	return service.SubmitOptions{Priority: p, CallbackURL: o.CallbackURL}, ok
}

// NewSubmitHandler accepts a single link. Answers 202 with the job and
// batch ids.
func NewSubmitHandler(svc *service.Service) http.HandlerFunc {
	type request struct {
		URL string `json:"url"`
		submitOptions
	}
	type response struct {
		JobID   string       `json:"job_id"`
		BatchID string       `json:"batch_id"`
		State   models.State `json:"state"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if !decode(w, r, &req) {
			return
		}
		opts, ok := req.parse()
		if !ok {
			badRequest(w, fmt.Sprintf("unknown priority %q", req.Priority))
			return
		}
		job, err := svc.SubmitSingle(r.Context(), CallerID(r.Context()), req.URL, opts)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, response{JobID: job.ID, BatchID: job.BatchID, State: job.State})
	}
}

// NewSubmitBatchHandler accepts a list of links, all or nothing.
func NewSubmitBatchHandler(svc *service.Service) http.HandlerFunc {
	type request struct {
		URLs []string `json:"urls"`
		submitOptions
	}
	type response struct {
		BatchID string   `json:"batch_id"`
		JobIDs  []string `json:"job_ids"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if !decode(w, r, &req) {
			return
		}
		opts, ok := req.parse()
		if !ok {
			badRequest(w, fmt.Sprintf("unknown priority %q", req.Priority))
			return
		}
		batch, err := svc.SubmitBatch(r.Context(), CallerID(r.Context()), req.URLs, opts)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, response{BatchID: batch.ID, JobIDs: batch.JobIDs})
	}
}

func NewJobStatusHandler(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := ownedJob(svc, r)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// NewControlHandler wraps pause, resume or cancel. Answers with the job's
// state after the operation.
func NewControlHandler(svc *service.Service, op func(jobID string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := ownedJob(svc, r)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := op(snap.ID); err != nil {
			writeError(w, err)
			return
		}
		snap, err = svc.JobStatus(snap.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func NewBatchStatusHandler(svc *service.Service) http.HandlerFunc {
	type response struct {
		models.BatchStatus
		CreatedAt time.Time            `json:"created_at"`
		Jobs      []models.JobSnapshot `json:"jobs"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		batch, err := ownedBatch(svc, r)
		if err != nil {
			writeError(w, err)
			return
		}
		status, err := svc.BatchStatus(batch.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		resp := response{BatchStatus: status, CreatedAt: batch.CreatedAt}
		for _, id := range batch.JobIDs {
			if snap, err := svc.JobStatus(id); err == nil {
				resp.Jobs = append(resp.Jobs, snap)
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// NewBatchEventsHandler streams a batch's changes as server-sent events.
// The stream starts with a batch.status event and ends after the batch
// completes.
func NewBatchEventsHandler(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		batch, err := ownedBatch(svc, r)
		if err != nil {
			writeError(w, err)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, fmt.Errorf("streaming unsupported"))
			return
		}

		// Subscribe before reading the status so a completion in between
		// is not lost.
		events, cancel, err := svc.Subscribe(batch.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		defer cancel()
		status, err := svc.BatchStatus(batch.ID)
		if err != nil {
			writeError(w, err)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		if err := writeEvent(w, "batch.status", status); err != nil {
			return
		}
		flusher.Flush()
		if status.Done {
			return
		}

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if err := writeEvent(w, string(ev.Type), ev); err != nil {
					log.WithError(err).Debug("Event stream closed by client")
					return
				}
				flusher.Flush()
				if ev.Type == models.EventBatchCompleted {
					return
				}
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}

// NewHistoryHandler searches the caller's download history. Without a
// query it lists the caller's current jobs.
func NewHistoryHandler(svc *service.Service) http.HandlerFunc {
	type response struct {
		Query string               `json:"query,omitempty"`
		Hits  []service.SearchHit  `json:"hits,omitempty"`
		Jobs  []models.JobSnapshot `json:"jobs,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		caller := CallerID(r.Context())
		query := r.URL.Query().Get("q")
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit <= 0 || limit > 200 {
			limit = 50
		}

		if query == "" {
			jobs := svc.Jobs(caller)
			if len(jobs) > limit {
				jobs = jobs[:limit]
			}
			writeJSON(w, http.StatusOK, response{Jobs: jobs})
			return
		}

		hits, err := svc.Search(caller, query, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, response{Query: query, Hits: hits})
	}
}

func NewUsageHandler(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Usage(CallerID(r.Context())))
	}
}
