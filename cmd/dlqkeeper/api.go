package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/austindbirch/taskbus/internal/dlqstore"
	"github.com/austindbirch/taskbus/internal/logging"
	"github.com/austindbirch/taskbus/internal/publish"
	"github.com/austindbirch/taskbus/internal/task"
)

// archive is the slice of the dead letter store the operator API needs
type archive interface {
	List(ctx context.Context, queue string, limit int) ([]dlqstore.Entry, error)
	Get(ctx context.Context, id int64) (dlqstore.Entry, error)
	MarkRequeued(ctx context.Context, id int64) error
	Delete(ctx context.Context, id int64) error
}

type taskPublisher interface {
	Publish(ctx context.Context, t task.Task) (task.Task, error)
}

type api struct {
	store archive
	pub   taskPublisher
	log   *logging.Logger
}

func newAPI(store archive, pub taskPublisher, logger *logging.Logger) *api {
	return &api{store: store, pub: pub, log: logger}
}

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/dlq", a.list)
	mux.HandleFunc("POST /v1/dlq/{id}/requeue", a.requeue)
	mux.HandleFunc("DELETE /v1/dlq/{id}", a.remove)
}

func (a *api) list(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	entries, err := a.store.List(r.Context(), r.URL.Query().Get("queue"), limit)
	if err != nil {
		a.log.WithContext(r.Context()).WithError(err).Error("dead letter list failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "archive query failed"})
		return
	}
	if entries == nil {
		entries = []dlqstore.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// requeue republishes an archived task to its work queue with a cleared
// attempt counter, so it gets the full retry budget again.
func (a *api) requeue(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad entry id"})
		return
	}

	entry, err := a.store.Get(r.Context(), id)
	if errors.Is(err, dlqstore.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "entry not found"})
		return
	}
	if err != nil {
		a.log.WithContext(r.Context()).WithError(err).Error("dead letter fetch failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "archive query failed"})
		return
	}

	var t task.Task
	if err := json.Unmarshal(entry.Task, &t); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "archived task is not parseable"})
		return
	}
	t.Attempt = 0
	if t.Queue == "" {
		t.Queue = entry.Queue
	}

	stamped, err := a.pub.Publish(r.Context(), t)
	if err != nil {
		a.log.WithContext(r.Context()).WithTask(t.ID).WithQueue(t.Queue).WithError(err).Error("requeue publish failed")
		var pe *publish.PublishError
		if errors.As(err, &pe) {
			w.Header().Set("Retry-After", "5")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "publish not confirmed, requeue again"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "publish failed"})
		return
	}

	if err := a.store.MarkRequeued(r.Context(), id); err != nil && !errors.Is(err, dlqstore.ErrNotFound) {
		// The task is already back on the bus; a stale status row is the
		// lesser problem, so report success anyway.
		a.log.WithContext(r.Context()).WithError(err).Warn("requeue status update failed")
	}

	a.log.WithContext(r.Context()).WithTask(stamped.ID).WithQueue(stamped.Queue).Info("dead letter requeued")
	writeJSON(w, http.StatusOK, map[string]string{"task_id": stamped.ID, "status": "requeued"})
}

func (a *api) remove(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad entry id"})
		return
	}

	err = a.store.Delete(r.Context(), id)
	if errors.Is(err, dlqstore.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "entry not found"})
		return
	}
	if err != nil {
		a.log.WithContext(r.Context()).WithError(err).Error("dead letter delete failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "archive delete failed"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
