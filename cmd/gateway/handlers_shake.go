package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/star-ga/clawshake/pkg/feepolicy"
	"github.com/star-ga/clawshake/pkg/httpx"
	"github.com/star-ga/clawshake/pkg/models"
	"github.com/star-ga/clawshake/pkg/shakefsm"
)

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	custody, err := s.Engine.CustodyBalance(r.Context())
	if err != nil {
		httpx.Error(w, http.StatusServiceUnavailable, "custody ledger unavailable")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "custody": custody})
}

func shakeID(r *http.Request) (uint64, bool) {
	raw := chi.URLParam(r, "shake_id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func (s *Server) createShake(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount          uint64 `json:"amount"`
		DeadlineSeconds int64  `json:"deadline_seconds"`
		TaskFingerprint []byte `json:"task_fingerprint"`
		PubKeyHash      []byte `json:"pubkey_hash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	s.mutate(w, r, http.StatusCreated, func(ctx context.Context, caller string) (models.Shake, error) {
		return s.Engine.Create(ctx, caller, req.Amount, time.Duration(req.DeadlineSeconds)*time.Second, req.TaskFingerprint, req.PubKeyHash)
	})
}

func (s *Server) acceptShake(w http.ResponseWriter, r *http.Request) {
	id, ok := shakeID(r)
	if !ok {
		httpx.Error(w, http.StatusBadRequest, "invalid shake id")
		return
	}
	s.mutate(w, r, http.StatusOK, func(ctx context.Context, caller string) (models.Shake, error) {
		return s.Engine.Accept(ctx, caller, id)
	})
}

func (s *Server) deliverShake(w http.ResponseWriter, r *http.Request) {
	id, ok := shakeID(r)
	if !ok {
		httpx.Error(w, http.StatusBadRequest, "invalid shake id")
		return
	}
	var req struct {
		DeliveryFingerprint []byte `json:"delivery_fingerprint"`
		EncryptedKey        []byte `json:"encrypted_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	s.mutate(w, r, http.StatusOK, func(ctx context.Context, caller string) (models.Shake, error) {
		return s.Engine.Deliver(ctx, caller, id, req.DeliveryFingerprint, req.EncryptedKey)
	})
}

func (s *Server) createChildShake(w http.ResponseWriter, r *http.Request) {
	parentID, ok := shakeID(r)
	if !ok {
		httpx.Error(w, http.StatusBadRequest, "invalid shake id")
		return
	}
	var req struct {
		Amount          uint64 `json:"amount"`
		DeadlineSeconds int64  `json:"deadline_seconds"`
		TaskFingerprint []byte `json:"task_fingerprint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	s.mutate(w, r, http.StatusCreated, func(ctx context.Context, caller string) (models.Shake, error) {
		return s.Engine.CreateChild(ctx, caller, parentID, req.Amount, time.Duration(req.DeadlineSeconds)*time.Second, req.TaskFingerprint)
	})
}

func (s *Server) disputeShake(w http.ResponseWriter, r *http.Request) {
	id, ok := shakeID(r)
	if !ok {
		httpx.Error(w, http.StatusBadRequest, "invalid shake id")
		return
	}
	s.mutate(w, r, http.StatusOK, func(ctx context.Context, caller string) (models.Shake, error) {
		return s.Engine.Dispute(ctx, caller, id)
	})
}

func (s *Server) releaseShake(w http.ResponseWriter, r *http.Request) {
	id, ok := shakeID(r)
	if !ok {
		httpx.Error(w, http.StatusBadRequest, "invalid shake id")
		return
	}
	start := time.Now()
	s.mutate(w, r, http.StatusOK, func(ctx context.Context, caller string) (models.Shake, error) {
		out, err := s.Engine.Release(ctx, caller, id)
		if err == nil {
			s.Metrics.ObserveSettleLatency(time.Since(start))
		}
		return out, err
	})
}

func (s *Server) resolveDispute(w http.ResponseWriter, r *http.Request) {
	id, ok := shakeID(r)
	if !ok {
		httpx.Error(w, http.StatusBadRequest, "invalid shake id")
		return
	}
	var req struct {
		WorkerWins bool `json:"worker_wins"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	s.mutate(w, r, http.StatusOK, func(ctx context.Context, caller string) (models.Shake, error) {
		return s.Engine.Resolve(ctx, caller, id, req.WorkerWins)
	})
}

func (s *Server) refundShake(w http.ResponseWriter, r *http.Request) {
	id, ok := shakeID(r)
	if !ok {
		httpx.Error(w, http.StatusBadRequest, "invalid shake id")
		return
	}
	s.mutate(w, r, http.StatusOK, func(ctx context.Context, caller string) (models.Shake, error) {
		return s.Engine.Refund(ctx, caller, id)
	})
}

func (s *Server) getShake(w http.ResponseWriter, r *http.Request) {
	id, ok := shakeID(r)
	if !ok {
		httpx.Error(w, http.StatusBadRequest, "invalid shake id")
		return
	}
	out, err := s.Engine.Get(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) getSubtree(w http.ResponseWriter, r *http.Request) {
	id, ok := shakeID(r)
	if !ok {
		httpx.Error(w, http.StatusBadRequest, "invalid shake id")
		return
	}
	out, err := s.Engine.Subtree(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) listShakes(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	items, err := s.Engine.List(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "failed to list shakes")
		return
	}
	if items == nil {
		items = []models.Shake{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// mutate runs an engine operation with idempotency-key replay protection:
// a repeated key returns the stored response without re-entering the engine.
func (s *Server) mutate(w http.ResponseWriter, r *http.Request, okStatus int, op func(ctx context.Context, caller string) (models.Shake, error)) {
	caller := callerPrincipal(r)
	if caller == "" {
		httpx.Error(w, http.StatusUnauthorized, "principal required")
		return
	}
	idemKey := r.Header.Get("X-Idempotency-Key")
	cacheKey := ""
	if idemKey != "" {
		cacheKey = "idem:" + caller + ":" + idemKey
		if stored, err := s.Cache.Get(r.Context(), cacheKey); err == nil && stored != "" {
			w.Header().Set("X-Idempotent-Replay", "true")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(okStatus)
			_, _ = w.Write([]byte(stored))
			return
		}
	}
	out, err := op(r.Context(), caller)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if cacheKey != "" {
		if body, err := json.Marshal(out); err == nil {
			_ = s.Cache.Set(r.Context(), cacheKey, string(body), s.IdempotencyTTL)
		}
	}
	httpx.WriteJSON(w, okStatus, out)
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	code := shakefsm.CodeOf(err)
	if code == "" {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.Metrics.IncErrorCode(string(code))
	httpx.ErrorCode(w, statusForCode(code), string(code), err.Error())
}

func statusForCode(code shakefsm.Code) int {
	switch code {
	case shakefsm.NotFound:
		return http.StatusNotFound
	case shakefsm.AmountZero, shakefsm.DeadlineZero:
		return http.StatusBadRequest
	case shakefsm.NotWorker, shakefsm.NotRequester, shakefsm.NotTreasury, shakefsm.NotParentWorker:
		return http.StatusForbidden
	case shakefsm.LedgerPullFailed, shakefsm.LedgerPushFailed:
		return http.StatusBadGateway
	default:
		return http.StatusConflict
	}
}

// updateFees lets the treasury retune the fee scalars at runtime.
func (s *Server) updateFees(w http.ResponseWriter, r *http.Request) {
	caller := callerPrincipal(r)
	if caller == "" {
		httpx.Error(w, http.StatusUnauthorized, "principal required")
		return
	}
	if s.Fees == nil {
		httpx.Error(w, http.StatusNotImplemented, "static fee policy in effect")
		return
	}
	var req struct {
		BaseBps         *uint16 `json:"base_bps"`
		DepthPremiumBps *uint16 `json:"depth_premium_bps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.BaseBps == nil && req.DepthPremiumBps == nil {
		httpx.Error(w, http.StatusBadRequest, "base_bps or depth_premium_bps required")
		return
	}
	if req.BaseBps != nil {
		if err := s.setFeeScalar(w, s.Fees.SetBaseBps(caller, *req.BaseBps)); err != nil {
			return
		}
	}
	if req.DepthPremiumBps != nil {
		if err := s.setFeeScalar(w, s.Fees.SetDepthPremiumBps(caller, *req.DepthPremiumBps)); err != nil {
			return
		}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) setFeeScalar(w http.ResponseWriter, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, feepolicy.ErrNotTreasury):
		httpx.Error(w, http.StatusForbidden, err.Error())
	case errors.Is(err, feepolicy.ErrAboveCap):
		httpx.Error(w, http.StatusBadRequest, err.Error())
	default:
		httpx.Error(w, http.StatusInternalServerError, err.Error())
	}
	return err
}

func (s *Server) devMint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Principal string `json:"principal"`
		Amount    uint64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Principal == "" {
		httpx.Error(w, http.StatusBadRequest, "principal and amount required")
		return
	}
	s.Ledger.Mint(req.Principal, req.Amount)
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"principal": req.Principal, "balance": s.Ledger.Balance(req.Principal)})
}

func (s *Server) devApprove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Principal string `json:"principal"`
		Amount    uint64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Principal == "" {
		httpx.Error(w, http.StatusBadRequest, "principal and amount required")
		return
	}
	s.Ledger.Approve(req.Principal, req.Amount)
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}
