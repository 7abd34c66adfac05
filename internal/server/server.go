package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"potrails/internal/amount"
	"potrails/internal/apperr"
	"potrails/internal/chain"
	"potrails/internal/config"
	"potrails/internal/escrow"
	"potrails/internal/hmacauth"
	"potrails/internal/metrics"
	"potrails/internal/queue"
	"potrails/internal/store"
)

// Server is the internal API used by the chat and REST front ends.
type Server struct {
	cfg        *config.AppConfig
	pots       *escrow.Manager
	transfers  *queue.Queue
	assets     *chain.Registry
	store      store.Store
	hmac       *hmacauth.Verifier
	httpServer *http.Server
	metrics    *metrics.Registry
	log        *slog.Logger

	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error
}

type Deps struct {
	Pots      *escrow.Manager
	Transfers *queue.Queue
	Assets    *chain.Registry
	Store     store.Store
	Chain     chain.BalanceReader
	Metrics   *metrics.Registry
	Log       *slog.Logger
}

func NewServer(cfg *config.AppConfig, d Deps) *Server {
	s := &Server{
		cfg:       cfg,
		pots:      d.Pots,
		transfers: d.Transfers,
		assets:    d.Assets,
		store:     d.Store,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.Secrets.APIHMACSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
		},
		metrics: d.Metrics,
		log:     d.Log,
	}

	if checker, ok := d.Store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}
	if checker, ok := d.Chain.(chain.HealthChecker); ok {
		s.rpcHealthFn = checker.Ping
	}

	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/pots", s.hmac.Middleware(http.HandlerFunc(s.handleCreatePot)))
	mux.Handle("GET /api/v1/pots/{id}", s.hmac.Middleware(http.HandlerFunc(s.handleGetPot)))
	mux.Handle("POST /api/v1/pots/{id}/claims", s.hmac.Middleware(http.HandlerFunc(s.handleClaim)))
	mux.Handle("POST /api/v1/transfers", s.hmac.Middleware(http.HandlerFunc(s.handleEnqueueTransfer)))
	mux.Handle("GET /api/v1/transfers/{id}", s.hmac.Middleware(http.HandlerFunc(s.handleGetTransfer)))
	mux.Handle("GET /api/v1/metrics", d.Metrics.Handler())
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           requestIDMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

// Handler exposes the routed handler for embedding and tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	s.log.Info("API listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type createPotRequest struct {
	CreatorID       string `json:"creatorId"`
	AssetID         string `json:"assetId"`
	Amount          string `json:"amount"`
	Duration        string `json:"duration"`
	MaxParticipants int    `json:"maxParticipants"`
	ContextRef      string `json:"contextRef"`
}

type potResponse struct {
	ID               string                `json:"id"`
	Status           string                `json:"status"`
	CreatorID        string                `json:"creatorId"`
	AssetID          string                `json:"assetId"`
	Amount           string                `json:"amount"`
	EscrowAddress    string                `json:"escrowAddress"`
	MaxParticipants  int                   `json:"maxParticipants,omitempty"`
	ParticipantCount int                   `json:"participantCount"`
	ExpiresAt        time.Time             `json:"expiresAt"`
	SettledAt        *time.Time            `json:"settledAt,omitempty"`
	Share            string                `json:"share,omitempty"`
	Disbursed        string                `json:"disbursed,omitempty"`
	FailureReason    string                `json:"failureReason,omitempty"`
	Participants     []participantResponse `json:"participants,omitempty"`
}

type participantResponse struct {
	UserID    string    `json:"userId"`
	Status    string    `json:"status"`
	Share     string    `json:"share,omitempty"`
	TxRef     string    `json:"txRef,omitempty"`
	ClaimedAt time.Time `json:"claimedAt"`
}

type claimRequest struct {
	UserID string `json:"userId"`
}

type claimResponse struct {
	PotID            string `json:"potId"`
	UserID           string `json:"userId"`
	ParticipantCount int    `json:"participantCount"`
}

type transferRequest struct {
	Kind            string   `json:"kind"`
	SenderID        string   `json:"senderId"`
	Recipients      []string `json:"recipients"`
	Address         string   `json:"address"`
	AmountEach      string   `json:"amountEach"`
	AssetID         string   `json:"assetId"`
	ContextRef      string   `json:"contextRef"`
	SkipPriorityFee bool     `json:"skipPriorityFee"`
}

type transferResponse struct {
	ID          string   `json:"id"`
	Kind        string   `json:"kind"`
	Status      string   `json:"status"`
	SenderID    string   `json:"senderId"`
	Recipients  []string `json:"recipients,omitempty"`
	Address     string   `json:"address,omitempty"`
	AmountEach  string   `json:"amountEach"`
	AssetID     string   `json:"assetId"`
	UsdEstimate string   `json:"usdEstimate,omitempty"`
	Attempts    int      `json:"attempts"`
	TxRef       string   `json:"txRef,omitempty"`
	LastError   string   `json:"lastError,omitempty"`
}

func (s *Server) handleCreatePot(w http.ResponseWriter, r *http.Request) {
	s.idempotent(w, r, "pots", func(ctx context.Context) (int, any, error) {
		var payload createPotRequest
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			return 0, nil, apperr.Validation("invalid json payload")
		}
		asset, err := s.assets.Lookup(payload.AssetID)
		if err != nil {
			return 0, nil, err
		}
		base, err := amount.Parse(payload.Amount, asset.Decimals)
		if err != nil {
			return 0, nil, apperr.Validation("%s", err.Error())
		}
		dur, err := time.ParseDuration(payload.Duration)
		if err != nil {
			return 0, nil, apperr.Validation("invalid duration %q", payload.Duration)
		}
		pot, err := s.pots.Create(ctx, escrow.CreateRequest{
			CreatorID:       payload.CreatorID,
			AssetID:         asset.ID,
			Amount:          base,
			Duration:        dur,
			MaxParticipants: payload.MaxParticipants,
			ContextRef:      payload.ContextRef,
		})
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, s.potView(pot, nil), nil
	})
}

func (s *Server) handleGetPot(w http.ResponseWriter, r *http.Request) {
	pot, parts, err := s.pots.Pot(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.potView(pot, parts))
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var payload claimRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, apperr.Validation("invalid json payload"))
		return
	}
	potID := r.PathValue("id")
	n, err := s.pots.Claim(r.Context(), potID, payload.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claimResponse{PotID: potID, UserID: payload.UserID, ParticipantCount: n})
}

func (s *Server) handleEnqueueTransfer(w http.ResponseWriter, r *http.Request) {
	s.idempotent(w, r, "transfers", func(ctx context.Context) (int, any, error) {
		var payload transferRequest
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			return 0, nil, apperr.Validation("invalid json payload")
		}
		asset, err := s.assets.Lookup(payload.AssetID)
		if err != nil {
			return 0, nil, err
		}
		each, err := amount.Parse(payload.AmountEach, asset.Decimals)
		if err != nil {
			return 0, nil, apperr.Validation("%s", err.Error())
		}
		job, err := s.transfers.Enqueue(ctx, queue.Request{
			Kind:            store.JobKind(strings.ToUpper(payload.Kind)),
			SenderID:        payload.SenderID,
			Recipients:      payload.Recipients,
			Address:         payload.Address,
			AmountEach:      each,
			AssetID:         asset.ID,
			ContextRef:      payload.ContextRef,
			SkipPriorityFee: payload.SkipPriorityFee,
		})
		if err != nil {
			return 0, nil, err
		}
		return http.StatusAccepted, s.jobView(job), nil
	})
}

func (s *Server) handleGetTransfer(w http.ResponseWriter, r *http.Request) {
	job, err := s.transfers.Job(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.jobView(job))
}

// idempotent replays the stored response for a repeated X-Idempotency-Key
// and stores successful responses for the configured window. The key is
// reserved before the handler runs, so a concurrent duplicate gets 409.
func (s *Server) idempotent(w http.ResponseWriter, r *http.Request, scope string, fn func(context.Context) (int, any, error)) {
	key := strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
	if key == "" {
		http.Error(w, "missing X-Idempotency-Key header", http.StatusBadRequest)
		return
	}
	key = scope + ":" + key
	ctx := r.Context()

	// A reservation outlives the longest request, one funding confirmation.
	hold := 2 * s.cfg.Chain.ConfirmTimeout
	if hold <= 0 {
		hold = time.Minute
	}
	now := time.Now()
	existing, err := s.store.ReserveIdempotency(ctx, key, now, now.Add(hold))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if existing != nil {
		if existing.Pending {
			s.writeError(w, apperr.Conflict("a request with this idempotency key is still in progress"))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Idempotent-Replay", "true")
		w.WriteHeader(existing.StatusCode)
		_, _ = w.Write(existing.Response)
		return
	}

	// The outcome is recorded even when the client has gone away.
	keep := context.WithoutCancel(ctx)
	status, resp, err := fn(ctx)
	var body []byte
	if err == nil {
		body, err = json.Marshal(resp)
	}
	if err != nil {
		if rerr := s.store.ReleaseIdempotency(keep, key); rerr != nil {
			s.log.Warn("release idempotency key failed", "key", key, "error", rerr)
		}
		s.writeError(w, err)
		return
	}

	now = time.Now()
	record := store.IdempotencyRecord{
		StatusCode: status,
		Response:   body,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.cfg.Service.IdempotencyWindow),
	}
	if err := s.store.SaveIdempotency(keep, key, record); err != nil {
		s.log.Warn("save idempotency record failed", "key", key, "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (s *Server) potView(pot *store.Pot, parts []store.Participant) potResponse {
	asset, _ := s.assets.Lookup(pot.AssetID)
	resp := potResponse{
		ID:               pot.ID,
		Status:           string(pot.Status),
		CreatorID:        pot.CreatorID,
		AssetID:          pot.AssetID,
		Amount:           amount.FromBase(pot.Amount, asset.Decimals).String(),
		EscrowAddress:    pot.EscrowPublicKey,
		MaxParticipants:  pot.MaxParticipants,
		ParticipantCount: pot.ParticipantCount,
		ExpiresAt:        pot.ExpiresAt,
		Share:            uiAmount(pot.ShareAmount, asset.Decimals),
		Disbursed:        uiAmount(pot.Disbursed, asset.Decimals),
		FailureReason:    pot.FailureReason,
	}
	if !pot.SettledAt.IsZero() {
		settled := pot.SettledAt
		resp.SettledAt = &settled
	}
	for _, p := range parts {
		resp.Participants = append(resp.Participants, participantResponse{
			UserID:    p.UserID,
			Status:    string(p.Status),
			Share:     uiAmount(p.Share, asset.Decimals),
			TxRef:     p.TxRef,
			ClaimedAt: p.ClaimedAt,
		})
	}
	return resp
}

func uiAmount(base decimal.Decimal, decimals int32) string {
	if base.IsZero() {
		return ""
	}
	return amount.FromBase(base, decimals).String()
}

func (s *Server) jobView(job *store.Job) transferResponse {
	asset, _ := s.assets.Lookup(job.AssetID)
	resp := transferResponse{
		ID:         job.ID,
		Kind:       strings.ToLower(string(job.Kind)),
		Status:     string(job.Status),
		SenderID:   job.SenderID,
		Recipients: job.Recipients,
		Address:    job.Address,
		AmountEach: amount.FromBase(job.AmountEach, asset.Decimals).String(),
		AssetID:    job.AssetID,
		Attempts:   job.Attempts,
		TxRef:      job.TxRef,
	}
	if job.UsdEstimate.Valid {
		resp.UsdEstimate = job.UsdEstimate.Decimal.StringFixed(2)
	}
	if job.Status == store.JobFailed {
		resp.LastError = job.LastError
	}
	return resp
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	kind := apperr.KindOf(err)
	switch kind {
	case apperr.KindValidation:
		status, msg = http.StatusBadRequest, err.Error()
	case apperr.KindInsufficientFunds:
		status, msg = http.StatusUnprocessableEntity, err.Error()
	case apperr.KindNotFound:
		status, msg = http.StatusNotFound, err.Error()
	case apperr.KindConflict:
		status, msg = http.StatusConflict, err.Error()
	case apperr.KindChainSubmission:
		status, msg = http.StatusBadGateway, apperr.UserMessage(err)
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "kind", kind, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: msg, Kind: string(kind)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{Connected: true}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Connected = false
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	queueDepth, err := s.store.CountJobs(ctx, store.JobQueued)
	if err == nil {
		s.metrics.SetQueueDepth(queueDepth)
	}

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status     string `json:"status"`
		RPC        any    `json:"rpc"`
		Database   any    `json:"database"`
		QueueDepth int    `json:"queue_depth"`
	}{
		Status:     status,
		RPC:        rpcInfo,
		Database:   dbInfo,
		QueueDepth: queueDepth,
	}

	code := http.StatusOK
	if !overallHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-Id", id)
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}
