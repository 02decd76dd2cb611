package report

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/austindbirch/taskbus/internal/auth"
	"github.com/austindbirch/taskbus/internal/deliver"
	"github.com/austindbirch/taskbus/internal/task"
)

type fakeMailer struct {
	mu      sync.Mutex
	sent    int
	to      []string
	subject string
	body    string
	err     error
}

func (m *fakeMailer) Send(_ context.Context, to []string, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent++
	m.to = to
	m.subject = subject
	m.body = body
	return nil
}

func storeServer(t *testing.T, status int, runs []Run, wantKey string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if wantKey != "" && r.Header.Get(auth.HeaderInternalAuth) != wantKey {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if status != http.StatusOK {
			http.Error(w, http.StatusText(status), status)
			return
		}
		_ = json.NewEncoder(w).Encode(runs)
	}))
}

func storeClientFor(srv *httptest.Server, key string) *StoreClient {
	return &StoreClient{
		base: srv.URL,
		key:  key,
		http: srv.Client(),
	}
}

func reportTask(t *testing.T, req Request) task.Task {
	t.Helper()
	payload, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return task.Task{ID: "r-1", Type: "report.weekly", Queue: "email.reports", Payload: payload}
}

func TestHandleSendsReport(t *testing.T) {
	runs := []Run{
		{ID: 1, Name: "nightly-cli", Product: "cli", Status: "Completed", Total: 120, Passed: 118, Failed: 2},
		{ID: 2, Name: "smoke-cli", Product: "cli", Status: "Completed", Total: 30, Passed: 30, Failed: 0},
	}
	srv := storeServer(t, http.StatusOK, runs, "comkey")
	defer srv.Close()

	mail := &fakeMailer{}
	h := NewHandler(storeClientFor(srv, "comkey"), mail)

	err := h.Handle(context.Background(), reportTask(t, Request{
		Product:    "cli",
		Window:     "24h",
		Recipients: []string{"team@example.com"},
	}))
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}

	if mail.sent != 1 {
		t.Fatalf("mails sent = %d, want 1", mail.sent)
	}
	if mail.subject != "Automation report: cli" {
		t.Errorf("subject = %q", mail.subject)
	}
	for _, want := range []string{"nightly-cli", "118/120 passed", "148/150 passed across 2 runs"} {
		if !strings.Contains(mail.body, want) {
			t.Errorf("body missing %q:\n%s", want, mail.body)
		}
	}
}

func TestHandleEmptyWindow(t *testing.T) {
	srv := storeServer(t, http.StatusOK, nil, "")
	defer srv.Close()

	mail := &fakeMailer{}
	h := NewHandler(storeClientFor(srv, ""), mail)

	err := h.Handle(context.Background(), reportTask(t, Request{
		Product:    "cli",
		Recipients: []string{"team@example.com"},
	}))
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if !strings.Contains(mail.body, "No runs recorded") {
		t.Errorf("body missing empty-window text:\n%s", mail.body)
	}
}

func TestHandleClassification(t *testing.T) {
	tests := []struct {
		name          string
		payload       string
		storeStatus   int
		mailErr       error
		wantErr       bool
		wantPermanent bool
	}{
		{
			name:          "malformed payload is permanent",
			payload:       `{not json`,
			storeStatus:   http.StatusOK,
			wantErr:       true,
			wantPermanent: true,
		},
		{
			name:          "missing product is permanent",
			payload:       `{"recipients":["a@b.c"]}`,
			storeStatus:   http.StatusOK,
			wantErr:       true,
			wantPermanent: true,
		},
		{
			name:          "missing recipients is permanent",
			payload:       `{"product":"cli"}`,
			storeStatus:   http.StatusOK,
			wantErr:       true,
			wantPermanent: true,
		},
		{
			name:          "invalid recipient is permanent",
			payload:       `{"product":"cli","recipients":["not-an-address"]}`,
			storeStatus:   http.StatusOK,
			wantErr:       true,
			wantPermanent: true,
		},
		{
			name:        "store 5xx is transient",
			payload:     `{"product":"cli","recipients":["a@b.c"]}`,
			storeStatus: http.StatusInternalServerError,
			wantErr:     true,
		},
		{
			name:          "store 4xx is permanent",
			payload:       `{"product":"cli","recipients":["a@b.c"]}`,
			storeStatus:   http.StatusNotFound,
			wantErr:       true,
			wantPermanent: true,
		},
		{
			name:        "smtp failure is transient",
			payload:     `{"product":"cli","recipients":["a@b.c"]}`,
			storeStatus: http.StatusOK,
			mailErr:     deliver.Transient(errContains("smtp: connection reset")),
			wantErr:     true,
		},
		{
			name:        "everything up",
			payload:     `{"product":"cli","recipients":["a@b.c"]}`,
			storeStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := storeServer(t, tt.storeStatus, []Run{}, "")
			defer srv.Close()

			mail := &fakeMailer{err: tt.mailErr}
			h := NewHandler(storeClientFor(srv, ""), mail)

			err := h.Handle(context.Background(), task.Task{
				ID:      "r-c",
				Queue:   "email.reports",
				Payload: []byte(tt.payload),
			})

			if (err != nil) != tt.wantErr {
				t.Fatalf("Handle() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && deliver.IsPermanent(err) != tt.wantPermanent {
				t.Errorf("IsPermanent(%v) = %v, want %v", err, deliver.IsPermanent(err), tt.wantPermanent)
			}
		})
	}
}

func TestStoreClientUnreachable(t *testing.T) {
	s := NewStoreClient("127.0.0.1:1", 200*time.Millisecond, "key")

	_, err := s.Runs(context.Background(), "cli", "24h")
	if err == nil {
		t.Fatal("Runs() expected error for unreachable store")
	}
	if deliver.IsPermanent(err) {
		t.Errorf("network failure must be transient, got permanent: %v", err)
	}
}

type errContains string

func (e errContains) Error() string { return string(e) }
