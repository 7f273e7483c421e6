package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/anchorworks/escrowd/api/metrics"
	"github.com/anchorworks/escrowd/engine/pkg/commitment"
	"github.com/anchorworks/escrowd/engine/pkg/payout"
	"github.com/anchorworks/escrowd/engine/pkg/voting"
)

// maxBodyBytes caps request bodies. Commitment documents are small; anything
// larger is malformed or hostile.
const maxBodyBytes = 1 << 20

// CommitmentView is the read shape: the stored document plus live per-milestone
// tallies and vote windows.
type CommitmentView struct {
	Commitment *commitment.Commitment      `json:"commitment"`
	Tallies    map[string]commitment.Tally `json:"tallies"`
	Windows    map[string]*VoteWindowView  `json:"windows,omitempty"`
}

// VoteWindowView reports a milestone's computed vote window.
type VoteWindowView struct {
	OpensAt  time.Time `json:"opensAt"`
	ClosesAt time.Time `json:"closesAt"`
	Open     bool      `json:"open"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// CreateCommitmentRequest carries a full commitment document plus the
// creator's proof of wallet control over creatorPubkey.
type CreateCommitmentRequest struct {
	Commitment *commitment.Commitment `json:"commitment"`
	Proof      WalletProof            `json:"proof"`
}

func (s *Server) handleCreateCommitment(w http.ResponseWriter, r *http.Request) {
	var req CreateCommitmentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Commitment == nil || req.Commitment.ID == "" {
		writeBadRequest(w, "commitment with a non-empty id is required")
		return
	}

	if !s.isAdminRequest(r) {
		claims, err := verifyWalletProof(req.Proof, ActionCreate, req.Commitment.ID, "", s.clock.Now())
		if err != nil {
			writeUnauthorized(w, err.Error())
			return
		}
		if claims.CommitmentID != req.Commitment.ID || req.Proof.PublicKey != req.Commitment.CreatorPubkey {
			writeUnauthorized(w, "proof signer must be the commitment creator")
			return
		}
	}

	if err := s.store.CreateCommitment(r.Context(), req.Commitment); err != nil {
		if verr := req.Commitment.Validate(); verr != nil {
			writeBadRequest(w, verr.Error())
			return
		}
		writeError(w, s.log, err)
		return
	}
	s.log.Info("handlers: commitment created",
		"commitment", req.Commitment.ID, "milestones", len(req.Commitment.Milestones))
	writeJSON(w, http.StatusCreated, CommitmentView{
		Commitment: req.Commitment,
		Tallies:    map[string]commitment.Tally{},
	})
}

func (s *Server) handleGetCommitment(w http.ResponseWriter, r *http.Request) {
	commitmentID := chi.URLParam(r, "commitmentID")

	c, err := s.store.GetCommitment(r.Context(), commitmentID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	tallies, err := s.store.TallyCommitment(r.Context(), commitmentID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}

	now := s.clock.Now()
	windows := make(map[string]*VoteWindowView)
	for i := range c.Milestones {
		m := &c.Milestones[i]
		start, end, ok := s.voting.WindowFor(m)
		if !ok {
			continue
		}
		windows[m.ID] = &VoteWindowView{
			OpensAt:  start,
			ClosesAt: end,
			Open:     !now.Before(start) && now.Before(end),
		}
	}

	writeJSON(w, http.StatusOK, CommitmentView{Commitment: c, Tallies: tallies, Windows: windows})
}

// TallyResponse is the read-only tally+window view for one milestone.
type TallyResponse struct {
	Tally  commitment.Tally `json:"tally"`
	Window *VoteWindowView  `json:"window,omitempty"`
	Status string           `json:"status"`
}

func (s *Server) handleGetTally(w http.ResponseWriter, r *http.Request) {
	commitmentID := chi.URLParam(r, "commitmentID")
	milestoneID := chi.URLParam(r, "milestoneID")

	c, err := s.store.GetCommitment(r.Context(), commitmentID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	m := c.Milestone(milestoneID)
	if m == nil {
		writeError(w, s.log, commitment.ErrNotFound)
		return
	}
	tally, err := s.store.TallyMilestone(r.Context(), commitmentID, milestoneID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}

	resp := TallyResponse{Tally: tally, Status: string(m.Status)}
	if start, end, ok := s.voting.WindowFor(m); ok {
		now := s.clock.Now()
		resp.Window = &VoteWindowView{
			OpensAt:  start,
			ClosesAt: end,
			Open:     !now.Before(start) && now.Before(end),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// SignalRequest casts one vote. The vote value lives inside the signed
// message; the top-level field must match it so a tampered body is caught.
type SignalRequest struct {
	Vote  string      `json:"vote"`
	Proof WalletProof `json:"proof"`
}

// SignalResponse returns the post-vote tally and commitment view.
type SignalResponse struct {
	Tally      commitment.Tally       `json:"tally"`
	Commitment *commitment.Commitment `json:"commitment"`
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	commitmentID := chi.URLParam(r, "commitmentID")
	milestoneID := chi.URLParam(r, "milestoneID")

	var req SignalRequest
	if !decodeBody(w, r, &req) {
		return
	}

	claims, err := verifyWalletProof(req.Proof, ActionVote, commitmentID, milestoneID, s.clock.Now())
	if err != nil {
		metrics.RecordVote("ineligible")
		writeUnauthorized(w, err.Error())
		return
	}
	if claims.Vote == "" || (req.Vote != "" && req.Vote != claims.Vote) {
		metrics.RecordVote("ineligible")
		writeBadRequest(w, "vote value must match the signed message")
		return
	}

	result, err := s.voting.CastVote(r.Context(), commitmentID, milestoneID, req.Proof.PublicKey, commitment.Vote(claims.Vote))
	if err != nil {
		if errors.Is(err, commitment.ErrDuplicateSignal) {
			metrics.RecordVote("duplicate")
		} else {
			metrics.RecordVote("ineligible")
		}
		writeError(w, s.log, err)
		return
	}
	metrics.RecordVote("accepted")
	writeJSON(w, http.StatusOK, SignalResponse{Tally: result.Tally, Commitment: result.Commitment})
}

// ClaimRequest is the creator-signed release request.
type ClaimRequest struct {
	Proof WalletProof `json:"proof"`
}

// ReleaseResponse returns the transfer signature and updated commitment.
type ReleaseResponse struct {
	TxSig      string                 `json:"txSig"`
	Commitment *commitment.Commitment `json:"commitment"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	commitmentID := chi.URLParam(r, "commitmentID")
	milestoneID := chi.URLParam(r, "milestoneID")

	var req ClaimRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if _, err := verifyWalletProof(req.Proof, ActionClaim, commitmentID, milestoneID, s.clock.Now()); err != nil {
		writeUnauthorized(w, err.Error())
		return
	}

	c, err := s.store.GetCommitment(r.Context(), commitmentID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if req.Proof.PublicKey != c.CreatorPubkey {
		writeUnauthorized(w, "only the commitment creator may claim a release")
		return
	}

	s.release(w, r, commitmentID, milestoneID)
}

// handleRelease is the privileged equivalent of claim, no creator signature.
func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	s.release(w, r, chi.URLParam(r, "commitmentID"), chi.URLParam(r, "milestoneID"))
}

func (s *Server) release(w http.ResponseWriter, r *http.Request, commitmentID, milestoneID string) {
	start := time.Now()
	result, err := s.payout.Release(r.Context(), commitmentID, milestoneID)
	if err != nil {
		metrics.RecordRelease(releaseOutcome(err), time.Since(start))
		writeError(w, s.log, err)
		return
	}
	metrics.RecordRelease("released", time.Since(start))
	writeJSON(w, http.StatusOK, ReleaseResponse{TxSig: result.TxSig, Commitment: result.Commitment})
}

func releaseOutcome(err error) string {
	switch {
	case errors.Is(err, payout.ErrClaimInProgress):
		return "conflict"
	case errors.Is(err, payout.ErrUnderfunded):
		return "underfunded"
	case errors.Is(err, payout.ErrRetryRelease):
		return "retry"
	default:
		return "failed"
	}
}

// OverrideRequest is the admin escape hatch: either a decision that bypasses
// the vote, or field edits, or both.
type OverrideRequest struct {
	Decision      string  `json:"decision,omitempty"` // "approve" | "reject"
	Reason        string  `json:"reason,omitempty"`
	Title         *string `json:"title,omitempty"`
	DueAtUnix     *int64  `json:"dueAtUnix,omitempty"`
	UnlockPercent *int    `json:"unlockPercent,omitempty"`
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	commitmentID := chi.URLParam(r, "commitmentID")
	milestoneID := chi.URLParam(r, "milestoneID")

	var req OverrideRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var c *commitment.Commitment
	var err error
	if req.Title != nil || req.DueAtUnix != nil || req.UnlockPercent != nil {
		c, err = s.voting.EditMilestone(r.Context(), commitmentID, milestoneID, voting.MilestoneEdit{
			Title:         req.Title,
			DueAtUnix:     req.DueAtUnix,
			UnlockPercent: req.UnlockPercent,
		})
		if err != nil {
			writeError(w, s.log, err)
			return
		}
	}
	switch req.Decision {
	case "":
		if c == nil {
			writeBadRequest(w, "override requires a decision or at least one field edit")
			return
		}
	case "approve", "reject":
		c, err = s.voting.Override(r.Context(), commitmentID, milestoneID, req.Decision == "approve", req.Reason)
		if err != nil {
			writeError(w, s.log, err)
			return
		}
	default:
		writeBadRequest(w, "decision must be approve or reject")
		return
	}
	writeJSON(w, http.StatusOK, CommitmentView{Commitment: c, Tallies: map[string]commitment.Tally{}})
}

// LifecycleRequest covers the creator-signed complete and open-review calls.
type LifecycleRequest struct {
	Proof WalletProof `json:"proof"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, ActionComplete, s.voting.MarkCompleted)
}

func (s *Server) handleOpenReview(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, ActionOpenReview, s.voting.OpenReview)
}

func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, action string, op func(ctx context.Context, commitmentID, milestoneID, callerPubkey string) (*commitment.Commitment, error)) {
	commitmentID := chi.URLParam(r, "commitmentID")
	milestoneID := chi.URLParam(r, "milestoneID")

	var req LifecycleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if _, err := verifyWalletProof(req.Proof, action, commitmentID, milestoneID, s.clock.Now()); err != nil {
		writeUnauthorized(w, err.Error())
		return
	}

	c, err := op(r.Context(), commitmentID, milestoneID, req.Proof.PublicKey)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, CommitmentView{Commitment: c, Tallies: map[string]commitment.Tally{}})
}
