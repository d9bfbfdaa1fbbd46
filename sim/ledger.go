/*
ledger.go - Simulated chain gateway

PURPOSE:
  Serves the JSON surface the ledger HTTP client consumes, backed by the
  same SQLite store as the REST API. Mounted under /ledger so one simulator
  process can play both backend and chain. Stream ids on this surface are
  the numeric on-chain references; every assigned reference falls below the
  reported count, unassigned ids in between revert.

ERROR TEXT:
  Failure bodies are plain text phrased like node/contract errors
  ("execution reverted: ...") because the client categorizes ledger
  failures by message substring.
*/
package sim

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/warp/stream-engine/ledger"
	"github.com/warp/stream-engine/stream"
)

// LedgerRoutes mounts the simulated chain gateway on a router.
func (s *Server) LedgerRoutes(r chi.Router) {
	r.Get("/streams/count", s.handleLedgerCount)
	r.Get("/streams/{id}", s.handleLedgerStream)
	r.Post("/streams/{id}/withdraw", s.handleLedgerWithdraw)
}

func (s *Server) handleLedgerCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.Store.CountStreams(r.Context())
	if err != nil {
		http.Error(w, "node unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"count": n})
}

func (s *Server) handleLedgerStream(w http.ResponseWriter, r *http.Request) {
	ref, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid stream id", http.StatusBadRequest)
		return
	}

	now := s.now()
	rec, err := s.Store.GetStreamByRef(r.Context(), ref, now)
	if err != nil {
		http.Error(w, "node unavailable", http.StatusInternalServerError)
		return
	}
	if rec == nil {
		http.Error(w, fmt.Sprintf("execution reverted: stream %d does not exist", ref), http.StatusNotFound)
		return
	}

	end := int64(0)
	if rec.EndTime != nil {
		end = *rec.EndTime
	}
	writeJSON(w, http.StatusOK, ledger.StreamDetail{
		ID:            ref,
		Payer:         rec.Payer.WalletAddress,
		Recipient:     rec.Recipient.WalletAddress,
		Token:         rec.Token,
		TotalAmount:   rec.Total.String(),
		Withdrawn:     rec.Calc.WithdrawnAmount.String(),
		StartTime:     rec.StartTime,
		EndTime:       end,
		RatePerSecond: rec.Calc.RatePerSecond.String(),
		Claimable:     rec.Calc.ClaimableAmount.String(),
		Active:        rec.Status == stream.StatusActive,
	})
}

func (s *Server) handleLedgerWithdraw(w http.ResponseWriter, r *http.Request) {
	ref, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid stream id", http.StatusBadRequest)
		return
	}

	now := s.now()
	ctx := r.Context()
	rec, err := s.Store.GetStreamByRef(ctx, ref, now)
	if err != nil {
		http.Error(w, "node unavailable", http.StatusInternalServerError)
		return
	}
	if rec == nil {
		http.Error(w, fmt.Sprintf("execution reverted: stream %d does not exist", ref), http.StatusNotFound)
		return
	}

	claimable := rec.Calc.ClaimableAmount
	if !claimable.IsPositive() {
		http.Error(w, "execution reverted: nothing claimable", http.StatusConflict)
		return
	}

	txHash := "0x" + uuid.NewString()
	if _, err := s.Store.RecordWithdrawal(ctx, rec.ID, claimable.String(), txHash, "", now); err != nil {
		http.Error(w, "execution reverted: "+err.Error(), http.StatusInternalServerError)
		return
	}

	s.Logger.Printf("[Sim] Ledger withdrew %s from stream %d (tx %s)", claimable, ref, txHash)
	s.Feed.PushStreamUpdate(ctx, rec.ID)
	writeJSON(w, http.StatusOK, map[string]string{"txHash": txHash})
}
