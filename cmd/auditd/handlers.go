package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"audittrail/pkg/platform/audit"
	"audittrail/pkg/platform/concurrent"
	"audittrail/pkg/platform/httputil"
	"audittrail/pkg/platform/middleware/admin"
	"audittrail/pkg/platform/middleware/auth"
	"audittrail/pkg/platform/middleware/metadata"
	"audittrail/pkg/platform/sentinel"
	txcontext "audittrail/pkg/platform/tx"
)

const (
	roleAuditor = "auditor"

	defaultListLimit = 50
	maxListLimit     = 500
)

// Routes builds the HTTP API.
func (a *app) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.metrics.Middleware)
	r.Use(metadata.ClientMetadata)

	r.Get("/healthz", a.handleHealth)
	r.Handle("/metrics", a.metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(auth.Authenticate(a.tokens, a.cfg.Server.RequireAuth, a.logger))
		r.Post("/transfers", a.handleTransfer)
		r.With(auth.RequireRole(roleAuditor, a.logger)).Get("/audit/records", a.handleListRecords)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(admin.RequireAdminToken(a.cfg.Server.AdminToken, a.logger))
		r.Get("/executor", a.handleExecutorStats)
		r.Put("/executor/policy", a.handleSetPolicy)
	})
	return r
}

type transferRequest struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount int64  `json:"amount"`
}

// handleTransfer runs the audited transfer. With a database the transfer and
// its sync audit records share one transaction; an audit failure rolls the
// transfer back.
func (a *app) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, fmt.Errorf("%w: invalid JSON body", sentinel.ErrBadRequest))
		return
	}

	var out Transfer
	run := func(ctx context.Context) error {
		var err error
		out, err = a.transfer(ctx, req.From, req.To, req.Amount)
		return err
	}
	var err error
	if a.db != nil {
		err = txcontext.Run(r.Context(), a.db, run)
	} else {
		err = run(r.Context())
	}
	if err != nil {
		a.logger.WarnContext(r.Context(), "transfer failed",
			"error", err,
			"audit_error", audit.IsAuditError(err),
			"request_id", middleware.GetReqID(r.Context()),
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, out)
}

func (a *app) handleListRecords(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httputil.WriteError(w, fmt.Errorf("%w: limit must be a positive integer", sentinel.ErrBadRequest))
			return
		}
		limit = min(n, maxListLimit)
	}

	var (
		recs []audit.Record
		err  error
	)
	if subject := r.URL.Query().Get("subject"); subject != "" {
		recs, err = a.records.BySubject(r.Context(), subject, limit)
	} else {
		recs, err = a.records.Recent(r.Context(), limit)
	}
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	payload := make([]json.RawMessage, 0, len(recs))
	for _, rec := range recs {
		b, err := audit.EncodeRecord(rec)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		payload = append(payload, b)
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"records": payload})
}

type executorStats struct {
	Name      string `json:"name"`
	Policy    string `json:"policy"`
	PoolSize  int    `json:"pool_size"`
	Active    int    `json:"active"`
	Queued    int    `json:"queued"`
	Submitted int64  `json:"submitted"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Rejected  int64  `json:"rejected"`
}

func (a *app) stats() executorStats {
	e := a.executor
	policy := e.RejectionPolicy()
	if c, ok := policy.(*concurrent.CountingPolicy); ok {
		policy = c.Unwrap()
	}
	return executorStats{
		Name:      e.Name(),
		Policy:    fmt.Sprint(policy),
		PoolSize:  e.PoolSize(),
		Active:    e.ActiveCount(),
		Queued:    e.QueueSize(),
		Submitted: e.SubmittedTaskCount(),
		Completed: e.CompletedTaskCount(),
		Failed:    e.FailedTaskCount(),
		Rejected:  e.RejectedTaskCount(),
	}
}

func (a *app) handleExecutorStats(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, a.stats())
}

func (a *app) handleSetPolicy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Policy string `json:"policy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, fmt.Errorf("%w: invalid JSON body", sentinel.ErrBadRequest))
		return
	}
	p, err := concurrent.ParsePolicy(req.Policy)
	if err != nil {
		httputil.WriteError(w, fmt.Errorf("%w: %v", sentinel.ErrBadRequest, err))
		return
	}
	a.executor.SetRejectionPolicy(p)
	a.logger.InfoContext(r.Context(), "rejection policy changed",
		"policy", p.String(),
		"request_id", middleware.GetReqID(r.Context()),
	)
	httputil.WriteJSON(w, http.StatusOK, a.stats())
}

func (a *app) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{"executor": "ok"}
	healthy := true
	if a.executor.IsShutdown() {
		checks["executor"] = "shutting down"
		healthy = false
	}
	if a.db != nil {
		checks["postgres"] = "ok"
		if err := a.db.PingContext(ctx); err != nil {
			checks["postgres"] = err.Error()
			healthy = false
		}
	}
	if a.redis != nil {
		checks["redis"] = "ok"
		if err := a.redis.Health(ctx); err != nil {
			checks["redis"] = err.Error()
			healthy = false
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, status, map[string]any{"healthy": healthy, "checks": checks})
}
