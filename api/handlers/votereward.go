package handlers

import (
	"net/http"

	"github.com/anchorworks/escrowd/engine/pkg/commitment"
)

// RewardClaimRequest withdraws one allocation. The proof's commitment field
// carries the distribution id so the signature binds to exactly one payout.
type RewardClaimRequest struct {
	DistributionID string      `json:"distributionId"`
	Proof          WalletProof `json:"proof"`
}

// RewardClaimResponse reports one settled claim.
type RewardClaimResponse struct {
	DistributionID string `json:"distributionId"`
	Amount         uint64 `json:"amount"`
	TxSig          string `json:"txSig"`
}

func (s *Server) handleRewardClaim(w http.ResponseWriter, r *http.Request) {
	var req RewardClaimRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.DistributionID == "" {
		writeBadRequest(w, "distributionId is required")
		return
	}
	if _, err := verifyWalletProof(req.Proof, ActionClaimReward, req.DistributionID, "", s.clock.Now()); err != nil {
		writeUnauthorized(w, err.Error())
		return
	}

	result, err := s.reward.Claim(r.Context(), req.DistributionID, req.Proof.PublicKey)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, RewardClaimResponse{
		DistributionID: result.DistributionID,
		Amount:         result.Amount,
		TxSig:          result.TxSig,
	})
}

// RewardBatchRequest covers claim-all and claimable, which bind to the signer
// alone rather than one distribution.
type RewardBatchRequest struct {
	Proof WalletProof `json:"proof"`
}

func (s *Server) handleRewardClaimAll(w http.ResponseWriter, r *http.Request) {
	var req RewardBatchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if _, err := verifyWalletProof(req.Proof, ActionClaimAllRewards, "", "", s.clock.Now()); err != nil {
		writeUnauthorized(w, err.Error())
		return
	}

	results, err := s.reward.ClaimAll(r.Context(), req.Proof.PublicKey)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	claimed := make([]RewardClaimResponse, 0, len(results))
	for _, res := range results {
		claimed = append(claimed, RewardClaimResponse{
			DistributionID: res.DistributionID,
			Amount:         res.Amount,
			TxSig:          res.TxSig,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"claimed": claimed})
}

func (s *Server) handleRewardClaimable(w http.ResponseWriter, r *http.Request) {
	var req RewardBatchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if _, err := verifyWalletProof(req.Proof, ActionListRewards, "", "", s.clock.Now()); err != nil {
		writeUnauthorized(w, err.Error())
		return
	}

	allocs, err := s.reward.Claimable(r.Context(), req.Proof.PublicKey)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if allocs == nil {
		allocs = []*commitment.RewardAllocation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"claimable": allocs})
}

// RewardDistributeRequest creates a distribution for a milestone's voters.
// Admin only.
type RewardDistributeRequest struct {
	CommitmentID string `json:"commitmentId"`
	MilestoneID  string `json:"milestoneId"`
	RewardMint   string `json:"rewardMint"`
	PoolLamports uint64 `json:"poolLamports"`
}

func (s *Server) handleRewardDistribute(w http.ResponseWriter, r *http.Request) {
	var req RewardDistributeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.CommitmentID == "" || req.MilestoneID == "" || req.PoolLamports == 0 {
		writeBadRequest(w, "commitmentId, milestoneId and a non-zero poolLamports are required")
		return
	}

	dist, err := s.reward.Distribute(r.Context(), req.CommitmentID, req.MilestoneID, req.RewardMint, req.PoolLamports)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, dist)
}
