// Package httpapi exposes the consensus coordinator over HTTP: a
// gorilla/mux router, a promhttp metrics endpoint, and a readiness probe
// backed by system/framework's ServiceBase, wrapped in lifecycle hooks and
// a graceful in-flight-request drain before shutdown.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	svcerrors "github.com/R3E-Network/consensus-ledger/infrastructure/errors"
	inframetrics "github.com/R3E-Network/consensus-ledger/infrastructure/metrics"
	"github.com/R3E-Network/consensus-ledger/internal/consensus"
	"github.com/R3E-Network/consensus-ledger/internal/domain"
	"github.com/R3E-Network/consensus-ledger/internal/policy"
	"github.com/R3E-Network/consensus-ledger/pkg/logger"
	"github.com/R3E-Network/consensus-ledger/system/framework"
	"github.com/R3E-Network/consensus-ledger/system/framework/lifecycle"
)

// Server binds the coordinator's operations to the external interface
// described by the system: one JSON endpoint per operation, a principal
// resolved from request headers (authentication itself stays out of scope,
// mirroring policy.Principal's contract), and a readiness/metrics surface
// for the deployment platform.
type Server struct {
	*framework.ServiceBase
	coord    *consensus.Coordinator
	metrics  *inframetrics.Metrics
	hooks    *lifecycle.Hooks
	draining *lifecycle.GracefulShutdown
	log      *logger.Logger
	router   *mux.Router
	http     *http.Server
}

// New builds the HTTP surface over an already-constructed coordinator.
func New(addr string, coord *consensus.Coordinator, m *inframetrics.Metrics, log *logger.Logger) *Server {
	s := &Server{
		ServiceBase: framework.NewServiceBase("consensus-coordinator", "supply-chain-consensus"),
		coord:       coord,
		metrics:     m,
		hooks:       lifecycle.NewHooks(),
		draining:    lifecycle.NewGracefulShutdown(),
		log:         log,
	}
	s.router = s.buildRouter()
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Hooks exposes the pre/post start/stop hook registry so cmd/appserver can
// wire rehydration or reporting steps around the HTTP lifecycle.
func (s *Server) Hooks() *lifecycle.Hooks { return s.hooks }

// Router returns the underlying mux.Router.
func (s *Server) Router() *mux.Router { return s.router }

// Start runs registered pre-start hooks, marks the service ready, and
// begins serving. It blocks until the listener stops.
func (s *Server) Start(ctx context.Context) error {
	if err := s.hooks.RunPreStart(ctx); err != nil {
		s.MarkFailed(err)
		return err
	}
	s.MarkStarted()
	if err := s.hooks.RunPostStart(ctx); err != nil {
		s.log.Errorf("post-start hook failed: %v", err)
	}
	s.log.Infof("httpapi listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.MarkFailed(err)
		return err
	}
	return nil
}

// Stop drains in-flight requests before shutting the listener down.
func (s *Server) Stop() error {
	ctx := context.Background()
	if err := s.hooks.RunPreStop(ctx); err != nil {
		s.log.Errorf("pre-stop hook failed: %v", err)
	}
	s.draining.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if waitErr := s.draining.Wait(shutdownCtx); waitErr != nil {
		s.log.Errorf("drain incomplete: %d requests still in flight", s.draining.InFlight())
	}
	err := s.http.Shutdown(shutdownCtx)
	s.MarkStopped()
	if hookErr := s.hooks.RunPostStop(ctx); hookErr != nil {
		s.log.Errorf("post-stop hook failed: %v", hookErr)
	}
	return err
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.instrument)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/v1/transactions", s.handleCreateTransaction).Methods(http.MethodPost)
	r.HandleFunc("/v1/transactions/batch", s.handleCreateBatch).Methods(http.MethodPost)
	r.HandleFunc("/v1/transactions", s.handleListTransactions).Methods(http.MethodGet)
	r.HandleFunc("/v1/transactions/{id}", s.handleGetTransaction).Methods(http.MethodGet)
	r.HandleFunc("/v1/transactions/{id}/confirm-sent", s.handleConfirmSent).Methods(http.MethodPost)
	r.HandleFunc("/v1/transactions/{id}/confirm-received", s.handleConfirmReceived).Methods(http.MethodPost)

	r.HandleFunc("/v1/disputes", s.handleOpenDispute).Methods(http.MethodPost)
	r.HandleFunc("/v1/disputes/{id}", s.handleGetDispute).Methods(http.MethodGet)
	r.HandleFunc("/v1/disputes/{id}/evidence", s.handleAddEvidence).Methods(http.MethodPost)
	r.HandleFunc("/v1/disputes/{id}/resolve", s.handleResolveDispute).Methods(http.MethodPost)

	r.HandleFunc("/v1/compensations/{parentTxId}/approve", s.handleApproveCompensation).Methods(http.MethodPost)
	r.HandleFunc("/v1/compensations/{parentTxId}/reject", s.handleRejectCompensation).Methods(http.MethodPost)

	r.HandleFunc("/v1/trust/{participantId}", s.handleGetTrust).Methods(http.MethodGet)
	r.HandleFunc("/v1/trust/{participantId}/history", s.handleGetTrustHistory).Methods(http.MethodGet)
	r.HandleFunc("/v1/trust/leaderboard", s.handleLeaderboard).Methods(http.MethodGet)

	r.HandleFunc("/v1/emergency-stops", s.handleTriggerEmergencyStop).Methods(http.MethodPost)
	r.HandleFunc("/v1/emergency-stops/{id}/resume", s.handleResumeEmergencyStop).Methods(http.MethodPost)
	r.HandleFunc("/v1/emergency-stops/{id}", s.handleGetEmergencyStatus).Methods(http.MethodGet)

	return r
}

// instrument is the HTTP metrics middleware: records request count,
// latency, and in-flight gauge per route template.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.draining.Add() {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		defer s.draining.Done()

		s.metrics.IncrementInFlight()
		defer s.metrics.DecrementInFlight()

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if tmpl, err := mux.CurrentRoute(r).GetPathTemplate(); err == nil {
			route = tmpl
		}
		s.metrics.RecordHTTPRequest("consensus-coordinator", r.Method, route, strconv.Itoa(rec.status), time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.Ready(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not-ready", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "uptime": s.Uptime().String()})
}

func principalFrom(r *http.Request) policy.Principal {
	id := r.Header.Get("X-Participant-Id")
	var roles []policy.Role
	for _, raw := range r.Header.Values("X-Role") {
		roles = append(roles, policy.Role(raw))
	}
	return policy.Principal{ID: id, Roles: roles}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := svcerrors.GetHTTPStatus(err)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	var in consensus.CreateTransactionInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, svcerrors.InvalidInput("body", err.Error()))
		return
	}
	principal := principalFrom(r)
	tx, err := s.coord.CreateTransaction(r.Context(), principal.ID, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var items []consensus.CreateTransactionInput
	if err := decodeJSON(r, &items); err != nil {
		writeError(w, svcerrors.InvalidInput("body", err.Error()))
		return
	}
	principal := principalFrom(r)
	results, err := s.coord.CreateBatch(r.Context(), principal.ID, items)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	principal := r.URL.Query().Get("participant")
	if principal == "" {
		principal = principalFrom(r).ID
	}
	txs, err := s.coord.ListTransactions(r.Context(), principal)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	tx, err := s.coord.GetTransaction(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleConfirmSent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Evidence *domain.Evidence `json:"evidence"`
	}
	_ = decodeJSON(r, &body)
	principal := principalFrom(r)
	if err := s.coord.ConfirmSent(r.Context(), id, principal.ID, body.Evidence); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConfirmReceived(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Condition string `json:"condition"`
	}
	_ = decodeJSON(r, &body)
	principal := principalFrom(r)
	if err := s.coord.ConfirmReceived(r.Context(), id, principal.ID, body.Condition); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOpenDispute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TransactionID string            `json:"transactionId"`
		Type          domain.DisputeType `json:"type"`
		Reason        string            `json:"reason"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, svcerrors.InvalidInput("body", err.Error()))
		return
	}
	principal := principalFrom(r)
	d, err := s.coord.OpenDispute(r.Context(), body.TransactionID, principal.ID, body.Type, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	d, err := s.coord.GetDispute(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleAddEvidence(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Kind        domain.EvidenceKind `json:"kind"`
		Description string              `json:"description"`
		FileRefs    []string            `json:"fileRefs"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, svcerrors.InvalidInput("body", err.Error()))
		return
	}
	principal := principalFrom(r)
	evidenceID, err := s.coord.AddEvidence(r.Context(), id, principal.ID, body.Kind, body.Description, body.FileRefs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"evidenceId": evidenceID})
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Decision           domain.ResolutionDecision `json:"decision"`
		RequiredAction     domain.RequiredAction      `json:"requiredAction"`
		CompensationAmount float64                    `json:"compensationAmount"`
		Notes              string                     `json:"notes"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, svcerrors.InvalidInput("body", err.Error()))
		return
	}
	arbitrator := principalFrom(r)
	err := s.coord.ResolveDispute(r.Context(), id, arbitrator, body.Decision, body.RequiredAction, body.CompensationAmount, body.Notes)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleApproveCompensation(w http.ResponseWriter, r *http.Request) {
	parentTxID := mux.Vars(r)["parentTxId"]
	approver := principalFrom(r)
	if err := s.coord.ApproveCompensation(r.Context(), parentTxID, approver); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRejectCompensation(w http.ResponseWriter, r *http.Request) {
	parentTxID := mux.Vars(r)["parentTxId"]
	var body struct {
		Reason string `json:"reason"`
	}
	_ = decodeJSON(r, &body)
	rejecter := principalFrom(r)
	if err := s.coord.RejectCompensation(r.Context(), parentTxID, rejecter, body.Reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetTrust(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["participantId"]
	pt, err := s.coord.GetTrust(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pt)
}

func (s *Server) handleGetTrustHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["participantId"]
	hist, err := s.coord.GetTrustHistory(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	n := 10
	if raw := r.URL.Query().Get("n"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			n = parsed
		}
	}
	board, err := s.coord.Leaderboard(r.Context(), n)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, board)
}

func (s *Server) handleTriggerEmergencyStop(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string   `json:"reason"`
		Scope  []string `json:"scope"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, svcerrors.InvalidInput("body", err.Error()))
		return
	}
	principal := principalFrom(r)
	es, err := s.coord.TriggerEmergencyStop(r.Context(), principal, body.Reason, body.Scope)
	if err != nil {
		writeError(w, err)
		return
	}
	s.metrics.SetEmergencyStopActive(true)
	writeJSON(w, http.StatusCreated, es)
}

func (s *Server) handleResumeEmergencyStop(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	principal := principalFrom(r)
	if err := s.coord.ResumeEmergencyStop(r.Context(), principal, id); err != nil {
		writeError(w, err)
		return
	}
	active, err := s.coord.GetEmergencyStatus(r.Context(), id)
	if err == nil && active != nil && active.Status != domain.StopActive {
		s.metrics.SetEmergencyStopActive(false)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetEmergencyStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	es, err := s.coord.GetEmergencyStatus(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, es)
}
