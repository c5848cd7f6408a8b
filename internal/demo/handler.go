// Package demo is a small host service that drives the audit log gateway
// through HTTP. Every endpoint runs inside a transaction and records a
// sequence step once the request body finished, so callers can observe
// whether delivery happened before or after commit.
package demo

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"auditlog/internal/platform/metrics"
	"auditlog/internal/platform/middleware"
	audit "auditlog/pkg/platform/audit"
	"auditlog/pkg/platform/audit/gateway"
	"auditlog/pkg/platform/tx"
	"auditlog/pkg/requestcontext"
)

// DefaultUsers is the demo principal table.
var DefaultUsers = map[string]middleware.User{
	"alice": {Password: "password"},
}

// Handler serves the test API.
type Handler struct {
	logger *slog.Logger
	audit  gateway.Emitter
	tx     tx.Runner
	seq    *Sequence
	users  map[string]middleware.User
}

// New creates a Handler. users defaults to DefaultUsers when nil.
func New(emitter gateway.Emitter, runner tx.Runner, seq *Sequence, logger *slog.Logger, users map[string]middleware.User) *Handler {
	if users == nil {
		users = DefaultUsers
	}
	return &Handler{
		logger: logger,
		audit:  emitter,
		tx:     runner,
		seq:    seq,
		users:  users,
	}
}

// Register mounts the API under /api.
func (h *Handler) Register(r chi.Router) {
	api := chi.NewRouter()
	api.Use(middleware.RequireBasicAuth(h.users, h.logger))

	api.Post("/testEmit", h.inTx(h.emit))
	api.Post("/testSend", h.inTx(h.send))
	api.Post("/testLog", h.inTx(h.log))
	api.Post("/testLogSync", h.inTx(h.logSync))
	api.Post("/testDataAccessLog", h.inTx(h.dataAccessLog))
	api.Post("/testDataModificationLog", h.inTx(h.dataModificationLog))
	api.Post("/testConfigChangeLog", h.inTx(h.configChangeLog))
	api.Post("/testSecurityLog", h.inTx(h.securityLog))
	api.Post("/resetSequence", h.handleResetSequence)
	api.Get("/getSequence()", h.handleGetSequence)

	r.Mount("/api", api)
}

// NewRouter builds the full host router: request ids, panic recovery,
// latency metrics, health, Prometheus and the test API.
func NewRouter(h *Handler, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.RequestID)
	r.Use(chimw.Recoverer)
	if m != nil {
		r.Use(m.Middleware)
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	h.Register(r)
	return r
}

// inTx runs fn in a transaction and marks the request as succeeded at the
// end of the transaction body, before commit.
func (h *Handler) inTx(fn func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		err := h.tx.RunInTx(ctx, func(ctx context.Context) error {
			if err := fn(ctx); err != nil {
				return err
			}
			h.seq.Add(StepRequestSucceeded)
			return nil
		})
		if err != nil {
			h.writeError(ctx, w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handler) emit(ctx context.Context) error {
	return h.audit.Emit(ctx, fooEvent())
}

func (h *Handler) send(ctx context.Context) error {
	return h.audit.Send(ctx, fooEvent())
}

func (h *Handler) log(ctx context.Context) error {
	return h.audit.Log(ctx, fooEvent())
}

func (h *Handler) logSync(ctx context.Context) error {
	return h.audit.LogSync(ctx, fooEvent())
}

func (h *Handler) dataAccessLog(ctx context.Context) error {
	return h.audit.DataAccessLog(ctx, audit.DataAccess{
		Object:     testObject(),
		Subject:    testSubject(),
		Attributes: []audit.Attribute{{Name: "test"}},
	})
}

func (h *Handler) dataModificationLog(ctx context.Context) error {
	return h.audit.DataModificationLog(ctx, audit.DataModification{
		Object:     testObject(),
		Subject:    testSubject(),
		Attributes: []audit.Attribute{testChange()},
	})
}

func (h *Handler) configChangeLog(ctx context.Context) error {
	return h.audit.ConfigChangeLog(ctx, audit.ConfigChange{
		Object:     testObject(),
		Attributes: []audit.Attribute{testChange()},
	})
}

func (h *Handler) securityLog(ctx context.Context) error {
	return h.audit.SecurityLog(ctx, audit.Security{Action: "dummy", Data: "dummy"})
}

func (h *Handler) handleResetSequence(w http.ResponseWriter, _ *http.Request) {
	h.seq.Reset()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGetSequence(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"value": h.seq.Values()})
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var malformed *audit.MalformedEventError
	if errors.As(err, &malformed) {
		status = http.StatusBadRequest
	}
	h.logger.ErrorContext(ctx, "test request failed",
		"request_id", requestcontext.RequestID(ctx),
		"status", status,
		"error", err,
	)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func fooEvent() audit.Custom {
	return audit.Custom{Name: "foo", Payload: map[string]any{"bar": "baz"}}
}

func testIDs() []audit.KeyValue {
	return []audit.KeyValue{{KeyName: "test", Value: "test"}}
}

func testObject() audit.DataObject {
	return audit.DataObject{Type: "test", ID: testIDs()}
}

func testSubject() audit.DataSubject {
	return audit.DataSubject{Type: "test", Role: "test", ID: testIDs()}
}

func testChange() audit.Attribute {
	return audit.Attribute{Name: "test", OldValue: audit.Ptr("test"), NewValue: audit.Ptr("test")}
}
