package handlers

import (
	"net/http"

	"github.com/anchorworks/escrowd/api/metrics"
	"github.com/anchorworks/escrowd/engine/pkg/commitment"
)

// NormalizeRequest optionally narrows the sweep to one commitment.
type NormalizeRequest struct {
	CommitmentID string `json:"commitmentId,omitempty"`
}

// handleNormalizeRewards re-runs milestone normalization. Votes and releases
// normalize inline, so this trigger exists for milestones whose window closed
// with no further traffic to push them over.
func (s *Server) handleNormalizeRewards(w http.ResponseWriter, r *http.Request) {
	var req NormalizeRequest
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}

	if req.CommitmentID != "" {
		c, err := s.voting.NormalizeCommitment(r.Context(), req.CommitmentID)
		if err != nil {
			writeError(w, s.log, err)
			return
		}
		writeJSON(w, http.StatusOK, CommitmentView{Commitment: c, Tallies: map[string]commitment.Tally{}})
		return
	}

	visited, err := s.voting.NormalizeAll(r.Context())
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"commitments": visited})
}

// handleResolveMarketCap fires one market-cap confirmation sweep.
func (s *Server) handleResolveMarketCap(w http.ResponseWriter, r *http.Request) {
	if s.mcJob == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{
			Error:   "marketcap_disabled",
			Message: "market-cap confirmation job is not configured",
		})
		return
	}
	if err := s.mcJob.Run(r.Context()); err != nil {
		writeError(w, s.log, err)
		return
	}
	metrics.MarketCapSweepsTotal.Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "swept"})
}

// handleSweepClaims reaps abandoned payout claims so stuck releases become
// retryable without operator surgery.
func (s *Server) handleSweepClaims(w http.ResponseWriter, r *http.Request) {
	cutoff := s.clock.Now().Add(-s.payout.ClaimStaleAfter())
	deleted, err := s.store.SweepAbandonedPayoutClaims(r.Context(), cutoff)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	metrics.RecordAbandonedClaimsSwept(deleted)
	if deleted > 0 {
		s.log.Info("handlers: abandoned payout claims swept", "deleted", deleted)
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}
