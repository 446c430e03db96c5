package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/hustlexp/backend/internal/correction"
	"github.com/hustlexp/backend/internal/database"
	"github.com/hustlexp/backend/internal/domain"
	"github.com/hustlexp/backend/internal/flags"
	"github.com/hustlexp/backend/internal/hxerr"
	"github.com/hustlexp/backend/internal/ledger"
	"github.com/hustlexp/backend/internal/money"
	"github.com/hustlexp/backend/internal/outbox"
	"github.com/hustlexp/backend/internal/provider"
	"github.com/hustlexp/backend/internal/realtime"
	"github.com/hustlexp/backend/internal/reaper"
	"github.com/hustlexp/backend/internal/service"
	"github.com/hustlexp/backend/internal/task"
)

const maxBodyBytes = 1 << 20

// Server is the HTTP gateway in front of the task and money machines.
// Every state change goes through a service command; handlers only
// decode, authenticate, and map errors.
type Server struct {
	rt            *database.Runtime
	tasks         *service.TaskService
	admin         *service.AdminService
	money         *money.Machine
	audit         *ledger.MoneyAuditStore
	corrections   *correction.Engine
	reaper        *reaper.Reaper
	flags         *flags.Store
	outbox        *outbox.Store
	hub           *realtime.Hub
	limiter       *RateLimiter
	webhookSecret string
	logger        *log.Logger
}

type ServerOptions struct {
	Runtime       *database.Runtime
	Tasks         *service.TaskService
	Admin         *service.AdminService
	Money         *money.Machine
	Audit         *ledger.MoneyAuditStore
	Corrections   *correction.Engine
	Reaper        *reaper.Reaper
	Flags         *flags.Store
	Outbox        *outbox.Store
	Hub           *realtime.Hub
	WebhookSecret string
	RatePerMinute int
}

func NewServer(opts ServerOptions) *Server {
	return &Server{
		rt:            opts.Runtime,
		tasks:         opts.Tasks,
		admin:         opts.Admin,
		money:         opts.Money,
		audit:         opts.Audit,
		corrections:   opts.Corrections,
		reaper:        opts.Reaper,
		flags:         opts.Flags,
		outbox:        opts.Outbox,
		hub:           opts.Hub,
		limiter:       NewRateLimiter(opts.RatePerMinute),
		webhookSecret: opts.WebhookSecret,
		logger:        log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router assembles the full route table. Split out from Start so tests
// can drive it through httptest.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Webhook ingress authenticates by signature, not by header.
	r.HandleFunc("/webhooks/provider", s.handleProviderWebhook).Methods("POST")

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(authMiddleware)
	v1.Use(s.limiter.Middleware)

	v1.HandleFunc("/tasks", s.handleCreateTask).Methods("POST")
	v1.HandleFunc("/tasks/{id}", s.handleGetTask).Methods("GET")
	v1.HandleFunc("/tasks/{id}/claim", s.handleClaimTask).Methods("POST")
	v1.HandleFunc("/tasks/{id}/fund", s.handleFundTask).Methods("POST")
	v1.HandleFunc("/tasks/{id}/artifacts", s.handlePresignArtifact).Methods("POST")
	v1.HandleFunc("/tasks/{id}/proof", s.handleSubmitProof).Methods("POST")
	v1.HandleFunc("/tasks/{id}/progress", s.handleProgress).Methods("POST")
	v1.HandleFunc("/tasks/{id}/proof/accept", s.handleAcceptProof).Methods("POST")
	v1.HandleFunc("/tasks/{id}/proof/reject", s.handleRejectProof).Methods("POST")
	v1.HandleFunc("/tasks/{id}/dispute", s.handleDispute).Methods("POST")
	v1.HandleFunc("/tasks/{id}/cancel", s.handleCancelTask).Methods("POST")
	v1.HandleFunc("/tasks/{id}/resolve", adminOnly(s.handleResolveDispute)).Methods("POST")
	v1.HandleFunc("/tasks/{id}/force-release", adminOnly(s.handleForceRelease)).Methods("POST")

	v1.HandleFunc("/corrections", adminOnly(s.handleApplyCorrection)).Methods("POST")
	v1.HandleFunc("/corrections/{id}/reverse", adminOnly(s.handleReverseCorrection)).Methods("POST")

	v1.HandleFunc("/ws", s.hub.HandleWebSocket).Methods("GET")

	ops := r.PathPrefix("/ops").Subrouter()
	ops.Use(authMiddleware)
	ops.HandleFunc("/dlq", adminOnly(s.handleListDLQ)).Methods("GET")
	ops.HandleFunc("/dlq/{id}/replay", adminOnly(s.handleReplayDLQ)).Methods("POST")
	ops.HandleFunc("/unpause-check", adminOnly(s.handleUnpauseCheck)).Methods("GET")
	ops.HandleFunc("/pause", adminOnly(s.handlePause)).Methods("POST")
	ops.HandleFunc("/unpause", adminOnly(s.handleUnpause)).Methods("POST")
	ops.HandleFunc("/safe-mode/reset", adminOnly(s.handleResetSafeMode)).Methods("POST")

	return r
}

func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.logger.Printf("listening on %s", addr)
	return srv.ListenAndServe()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.DB().PingContext(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Task commands ---

type createTaskRequest struct {
	Category   string `json:"category"`
	City       string `json:"city"`
	Zone       string `json:"zone"`
	Title      string `json:"title"`
	PriceCents int64  `json:"price_cents"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	var req createTaskRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	t, err := s.tasks.Create(r.Context(), actor, &domain.Task{
		PosterID:   actor.UserID,
		Category:   req.Category,
		City:       req.City,
		Zone:       req.Zone,
		Title:      req.Title,
		PriceCents: req.PriceCents,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleClaimTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.Claim(r.Context(), actorFrom(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleFundTask(w http.ResponseWriter, r *http.Request) {
	e, err := s.tasks.Fund(r.Context(), actorFrom(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

type presignRequest struct {
	Filename string `json:"filename"`
}

func (s *Server) handlePresignArtifact(w http.ResponseWriter, r *http.Request) {
	var req presignRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	key, url, err := s.tasks.PresignArtifact(r.Context(), actorFrom(r), mux.Vars(r)["id"], req.Filename)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "upload_url": url})
}

type submitProofRequest struct {
	ArtifactKeys []string `json:"artifact_keys"`
}

func (s *Server) handleSubmitProof(w http.ResponseWriter, r *http.Request) {
	var req submitProofRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	p, err := s.tasks.SubmitProof(r.Context(), actorFrom(r), mux.Vars(r)["id"], req.ArtifactKeys)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleAcceptProof(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.AcceptProof(r.Context(), actorFrom(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleRejectProof(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.RejectProof(r.Context(), actorFrom(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type progressRequest struct {
	Note string `json:"note"`
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	var req progressRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.tasks.Progress(r.Context(), actorFrom(r), mux.Vars(r)["id"], req.Note); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "published"})
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	t, err := s.tasks.Dispute(r.Context(), actorFrom(r), mux.Vars(r)["id"], req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	t, err := s.tasks.Cancel(r.Context(), actorFrom(r), mux.Vars(r)["id"], req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// --- Admin commands ---

type resolveRequest struct {
	Outcome     string `json:"outcome"` // completed | cancelled
	RefundCents int64  `json:"refund_cents"`
	Reason      string `json:"reason"`
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	var outcome domain.TaskState
	switch req.Outcome {
	case "completed":
		outcome = domain.TaskCompleted
	case "cancelled":
		outcome = domain.TaskCancelled
	default:
		writeError(w, hxerr.New(hxerr.Validation, "outcome must be completed or cancelled"))
		return
	}
	t, err := s.admin.ResolveDispute(r.Context(), actorFrom(r), mux.Vars(r)["id"], outcome, req.RefundCents, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleForceRelease(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	e, err := s.admin.ForceRelease(r.Context(), actorFrom(r), mux.Vars(r)["id"], req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// --- Corrections ---

type correctionRequest struct {
	Type         string `json:"type"`
	TargetEntity string `json:"target_entity"`
	TargetID     string `json:"target_id"`
	Scope        string `json:"scope"`
	ScopeKey     string `json:"scope_key"`
	Magnitude    string `json:"magnitude"`
	ReasonCode   string `json:"reason_code"`
	TTLSeconds   int64  `json:"ttl_seconds"`
}

func (s *Server) handleApplyCorrection(w http.ResponseWriter, r *http.Request) {
	var req correctionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	mag, err := decimal.NewFromString(req.Magnitude)
	if err != nil {
		writeError(w, hxerr.New(hxerr.Validation, "magnitude must be a decimal string"))
		return
	}
	c, err := s.corrections.Apply(r.Context(), actorFrom(r).UserID, &correction.Proposal{
		Type:         correction.Type(req.Type),
		TargetEntity: req.TargetEntity,
		TargetID:     req.TargetID,
		Scope:        correction.Scope(req.Scope),
		ScopeKey:     req.ScopeKey,
		Magnitude:    mag,
		ReasonCode:   req.ReasonCode,
	}, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":         c.ID,
		"status":     c.Status,
		"expires_at": c.ExpiresAt,
	})
}

func (s *Server) handleReverseCorrection(w http.ResponseWriter, r *http.Request) {
	if err := s.corrections.Reverse(r.Context(), mux.Vars(r)["id"], actorFrom(r).UserID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reversed"})
}

// --- Webhook ingress ---

func (s *Server) handleProviderWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, hxerr.Wrap(hxerr.Validation, err, "read webhook body"))
		return
	}
	evt, err := provider.VerifyWebhook(s.webhookSecret, r.Header.Get("HX-Signature"), body, time.Now())
	if err != nil {
		writeError(w, err)
		return
	}

	fresh, err := s.recordWebhook(r.Context(), evt)
	if err != nil {
		writeError(w, err)
		return
	}
	if !fresh {
		writeJSON(w, http.StatusOK, map[string]bool{"received": true, "duplicate": true})
		return
	}

	if err := s.applyWebhook(r.Context(), evt); err != nil {
		// A failure here still returns 5xx so the provider redelivers;
		// IssuedForTask makes the redelivery idempotent.
		s.logger.Printf("webhook %s (%s) apply failed: %v", evt.ProviderEventID, evt.Type, err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// recordWebhook inserts the dedupe row. fresh=false means this provider
// event id was seen before.
func (s *Server) recordWebhook(ctx context.Context, evt *provider.WebhookEvent) (bool, error) {
	var fresh bool
	err := s.rt.Tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO provider_webhook_events (provider_event_id, event_type)
			VALUES ($1, $2)
			ON CONFLICT (provider_event_id) DO NOTHING`,
			evt.ProviderEventID, evt.Type)
		if err != nil {
			return hxerr.FromPg(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return hxerr.Wrap(hxerr.Internal, err, "rows affected")
		}
		fresh = n > 0
		return nil
	})
	return fresh, err
}

// applyWebhook turns a verified provider event into an idempotent command.
// Confirmations for calls the synchronous path already settled find no
// issued audit row and are a no-op.
func (s *Server) applyWebhook(ctx context.Context, evt *provider.WebhookEvent) error {
	switch evt.Type {
	case "charge.succeeded":
		return s.settleConfirmed(ctx, evt, domain.EventEscrowHeld, "charge")
	case "transfer.paid":
		return s.settleConfirmed(ctx, evt, domain.EventEscrowReleased, "transfer")
	case "refund.succeeded":
		return s.settleConfirmed(ctx, evt, domain.EventEscrowRefunded, "refund")
	case "charge.dispute.created":
		_, err := s.tasks.Dispute(ctx, task.SystemActor, evt.TaskID, "provider chargeback")
		if hxerr.KindOf(err) == hxerr.ConflictState {
			// Already disputed or past the point of disputing; the
			// chargeback stays visible on the provider side regardless.
			return nil
		}
		return err
	default:
		s.logger.Printf("ignoring webhook type %q", evt.Type)
		return nil
	}
}

func (s *Server) settleConfirmed(ctx context.Context, evt *provider.WebhookEvent, eventType, kind string) error {
	ev, err := s.audit.IssuedForTask(ctx, s.rt.DB(), evt.TaskID, eventType)
	if hxerr.KindOf(err) == hxerr.NotFound {
		return nil
	}
	if err != nil {
		return err
	}
	return s.money.CommitReconciled(ctx, ev, &provider.Operation{
		IdempotencyKey: ev.IdempotencyKey,
		Kind:           kind,
		Status:         "succeeded",
		ProviderRef:    evt.ProviderRef,
		AmountCents:    evt.AmountCents,
	})
}

// --- Ops surface ---

func (s *Server) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	dead, err := s.outbox.Dead(r.Context(), s.rt.DB(), 100)
	if err != nil {
		writeError(w, err)
		return
	}
	type deadRow struct {
		ID        string    `json:"id"`
		EventType string    `json:"event_type"`
		Queue     string    `json:"queue"`
		Attempts  int       `json:"attempts"`
		LastError string    `json:"last_error"`
		CreatedAt time.Time `json:"created_at"`
	}
	rows := make([]deadRow, 0, len(dead))
	for _, e := range dead {
		rows = append(rows, deadRow{
			ID:        e.ID,
			EventType: e.EventType,
			Queue:     e.QueueName,
			Attempts:  e.Attempts,
			LastError: e.LastError,
			CreatedAt: e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"dead": rows, "count": len(rows)})
}

func (s *Server) handleReplayDLQ(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := s.rt.Tx(r.Context(), func(tx *sql.Tx) error {
		return s.outbox.Replay(r.Context(), tx, id)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "replayed", "id": id})
}

func (s *Server) handleUnpauseCheck(w http.ResponseWriter, r *http.Request) {
	safe, reasons, err := s.reaper.SafeToUnpause(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"safe": safe, "reasons": reasons})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	if err := s.flags.Set(r.Context(), s.rt.DB(), flags.MoneyPaused, "on", actor.UserID); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Printf("money movement paused by %s", actor.UserID)
	writeJSON(w, http.StatusOK, map[string]string{"money_paused": "on"})
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	safe, reasons, err := s.reaper.SafeToUnpause(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	// The switch is still on at this point, so its own reason never
	// blocks the lift; everything else does.
	reasons = withoutReason(reasons, reaper.ReasonKillSwitchOn)
	if !safe && len(reasons) > 0 {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"money_paused": "on",
			"reasons":      reasons,
		})
		return
	}
	if err := s.flags.Set(r.Context(), s.rt.DB(), flags.MoneyPaused, "off", actor.UserID); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Printf("money movement unpaused by %s", actor.UserID)
	writeJSON(w, http.StatusOK, map[string]string{"money_paused": "off"})
}

func (s *Server) handleResetSafeMode(w http.ResponseWriter, r *http.Request) {
	if err := s.corrections.ResetSafeMode(r.Context(), actorFrom(r).UserID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"safe_mode": "off"})
}

func withoutReason(reasons []string, drop string) []string {
	out := reasons[:0]
	for _, r := range reasons {
		if r != drop {
			out = append(out, r)
		}
	}
	return out
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return hxerr.Wrap(hxerr.Validation, err, "decode request body")
	}
	return nil
}
