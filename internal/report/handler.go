// Package report implements the email worker's handler: fetch run results
// from the task store, render a plain-text report, hand it to a mailer.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/austindbirch/taskbus/internal/deliver"
	"github.com/austindbirch/taskbus/internal/logging"
	"github.com/austindbirch/taskbus/internal/task"
)

// Request is the payload of a report task.
type Request struct {
	Product    string   `json:"product"`
	Window     string   `json:"window,omitempty"` // trailing window, e.g. "24h"
	Recipients []string `json:"recipients"`
}

var reportTmpl = template.Must(template.New("report").Parse(`Automation report for {{.Product}}{{if .Window}} (last {{.Window}}){{end}}

{{if not .Runs}}No runs recorded in this window.
{{else}}{{range .Runs}}- {{.Name}} [{{.Status}}]: {{.Passed}}/{{.Total}} passed, {{.Failed}} failed
{{end}}
Totals: {{.Passed}}/{{.Total}} passed across {{len .Runs}} runs.
{{end}}`))

// Handler turns report tasks into sent mail. Its Handle method satisfies the
// coordinator's handler contract: store/SMTP outages retry, malformed
// requests dead-letter.
type Handler struct {
	store *StoreClient
	mail  Mailer
	log   *logging.Logger
}

func NewHandler(store *StoreClient, mail Mailer) *Handler {
	return &Handler{
		store: store,
		mail:  mail,
		log:   logging.New("report"),
	}
}

func (h *Handler) Handle(ctx context.Context, t task.Task) error {
	req, err := parseRequest(t.Payload)
	if err != nil {
		return deliver.Permanent(err)
	}

	runs, err := h.store.Runs(ctx, req.Product, req.Window)
	if err != nil {
		return err // already classified by the store client
	}

	body, err := render(req, runs)
	if err != nil {
		return deliver.Permanent(fmt.Errorf("render report: %w", err))
	}

	subject := fmt.Sprintf("Automation report: %s", req.Product)
	if err := h.mail.Send(ctx, req.Recipients, subject, body); err != nil {
		return err // SMTP failures are transient
	}

	h.log.WithContext(ctx).WithTask(t.ID).WithFields(map[string]any{
		"product":    req.Product,
		"recipients": len(req.Recipients),
		"runs":       len(runs),
	}).Info("report sent")
	return nil
}

func parseRequest(payload json.RawMessage) (Request, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return req, fmt.Errorf("malformed report request: %w", err)
	}
	if req.Product == "" {
		return req, errors.New("report request missing product")
	}
	if len(req.Recipients) == 0 {
		return req, errors.New("report request has no recipients")
	}
	for _, r := range req.Recipients {
		if !strings.Contains(r, "@") {
			return req, fmt.Errorf("invalid recipient %q", r)
		}
	}
	return req, nil
}

func render(req Request, runs []Run) (string, error) {
	var total, passed int
	for _, r := range runs {
		total += r.Total
		passed += r.Passed
	}

	var b strings.Builder
	err := reportTmpl.Execute(&b, struct {
		Product string
		Window  string
		Runs    []Run
		Total   int
		Passed  int
	}{
		Product: req.Product,
		Window:  req.Window,
		Runs:    runs,
		Total:   total,
		Passed:  passed,
	})
	if err != nil {
		return "", err
	}
	return b.String(), nil
}
