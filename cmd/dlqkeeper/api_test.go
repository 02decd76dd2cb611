package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/austindbirch/taskbus/internal/dlqstore"
	"github.com/austindbirch/taskbus/internal/logging"
	"github.com/austindbirch/taskbus/internal/publish"
	"github.com/austindbirch/taskbus/internal/task"
)

type fakeArchive struct {
	entries  map[int64]dlqstore.Entry
	requeued []int64
	deleted  []int64
	listErr  error
}

func (f *fakeArchive) List(_ context.Context, queue string, limit int) ([]dlqstore.Entry, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []dlqstore.Entry
	for _, e := range f.entries {
		if queue == "" || e.Queue == queue {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeArchive) Get(_ context.Context, id int64) (dlqstore.Entry, error) {
	e, ok := f.entries[id]
	if !ok {
		return dlqstore.Entry{}, dlqstore.ErrNotFound
	}
	return e, nil
}

func (f *fakeArchive) MarkRequeued(_ context.Context, id int64) error {
	if _, ok := f.entries[id]; !ok {
		return dlqstore.ErrNotFound
	}
	f.requeued = append(f.requeued, id)
	return nil
}

func (f *fakeArchive) Delete(_ context.Context, id int64) error {
	if _, ok := f.entries[id]; !ok {
		return dlqstore.ErrNotFound
	}
	f.deleted = append(f.deleted, id)
	return nil
}

type fakePublisher struct {
	err  error
	last task.Task
}

func (f *fakePublisher) Publish(_ context.Context, t task.Task) (task.Task, error) {
	f.last = t
	return t, f.err
}

func entryFor(id int64, queue string, t task.Task) dlqstore.Entry {
	raw, _ := json.Marshal(t)
	return dlqstore.Entry{
		ID:        id,
		TaskID:    t.ID,
		Queue:     queue,
		Reason:    "max_retries",
		Attempt:   6,
		Task:      raw,
		Status:    "received",
		CreatedAt: time.Now().UTC(),
	}
}

func newTestMux(store archive, pub taskPublisher) *http.ServeMux {
	mux := http.NewServeMux()
	newAPI(store, pub, logging.New("dlqkeeper-test")).register(mux)
	return mux
}

func TestListEntries(t *testing.T) {
	store := &fakeArchive{entries: map[int64]dlqstore.Entry{
		1: entryFor(1, "email.reports", task.Task{ID: "t-1", Queue: "email.reports"}),
		2: entryFor(2, "sink.test", task.Task{ID: "t-2", Queue: "sink.test"}),
	}}
	mux := newTestMux(store, &fakePublisher{})

	tests := []struct {
		name      string
		url       string
		wantCode  int
		wantCount int
	}{
		{name: "all entries", url: "/v1/dlq", wantCode: http.StatusOK, wantCount: 2},
		{name: "queue filter", url: "/v1/dlq?queue=sink.test", wantCode: http.StatusOK, wantCount: 1},
		{name: "no matches", url: "/v1/dlq?queue=nope", wantCode: http.StatusOK, wantCount: 0},
		{name: "bad limit", url: "/v1/dlq?limit=x", wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.url, nil))

			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if tt.wantCode != http.StatusOK {
				return
			}
			var resp struct {
				Entries []dlqstore.Entry `json:"entries"`
			}
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("response parse: %v", err)
			}
			if len(resp.Entries) != tt.wantCount {
				t.Errorf("entries = %d, want %d", len(resp.Entries), tt.wantCount)
			}
		})
	}
}

func TestRequeueResetsAttempt(t *testing.T) {
	archived := task.Task{ID: "t-1", Queue: "email.reports", Attempt: 6, Durable: true}
	store := &fakeArchive{entries: map[int64]dlqstore.Entry{
		1: entryFor(1, "email.reports", archived),
	}}
	pub := &fakePublisher{}
	mux := newTestMux(store, pub)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/dlq/1/requeue", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	if pub.last.Attempt != 0 {
		t.Errorf("republished attempt = %d, want 0", pub.last.Attempt)
	}
	if pub.last.ID != "t-1" {
		t.Errorf("republished task = %q, want t-1", pub.last.ID)
	}
	if len(store.requeued) != 1 || store.requeued[0] != 1 {
		t.Errorf("requeued ids = %v, want [1]", store.requeued)
	}
}

func TestRequeueErrors(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		pubErr   error
		wantCode int
	}{
		{name: "unknown id", url: "/v1/dlq/99/requeue", wantCode: http.StatusNotFound},
		{name: "bad id", url: "/v1/dlq/x/requeue", wantCode: http.StatusBadRequest},
		{
			name:     "publish confirm timeout",
			url:      "/v1/dlq/1/requeue",
			pubErr:   &publish.PublishError{Queue: "email.reports", TaskID: "t-1", Timeout: true},
			wantCode: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeArchive{entries: map[int64]dlqstore.Entry{
				1: entryFor(1, "email.reports", task.Task{ID: "t-1", Queue: "email.reports"}),
			}}
			mux := newTestMux(store, &fakePublisher{err: tt.pubErr})

			w := httptest.NewRecorder()
			mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, tt.url, nil))

			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.wantCode, w.Body.String())
			}
			if len(store.requeued) != 0 {
				t.Errorf("entry marked requeued on failure")
			}
		})
	}
}

func TestDeleteEntry(t *testing.T) {
	store := &fakeArchive{entries: map[int64]dlqstore.Entry{
		1: entryFor(1, "email.reports", task.Task{ID: "t-1"}),
	}}
	mux := newTestMux(store, &fakePublisher{})

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/v1/dlq/1", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if len(store.deleted) != 1 {
		t.Errorf("deleted ids = %v, want one entry", store.deleted)
	}

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/v1/dlq/42", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}
