package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/anchorworks/escrowd/engine/pkg/commitment"
	"github.com/anchorworks/escrowd/engine/pkg/payout"
	"github.com/anchorworks/escrowd/engine/pkg/pricefeed"
	"github.com/anchorworks/escrowd/engine/pkg/reward"
	"github.com/anchorworks/escrowd/engine/pkg/voting"
)

// ErrorResponse is the JSON error envelope. Error is a stable machine-readable
// reason code; Message is human-readable and safe to display.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type errorMapping struct {
	status int
	code   string
}

// errorTaxonomy maps engine sentinels to HTTP semantics. 400/401/404 are
// permanent and user-actionable, 409 means poll or retry later but do not
// blindly resend, 503 is transient and safe to retry with backoff.
var errorTaxonomy = []struct {
	err     error
	mapping errorMapping
}{
	{commitment.ErrNotFound, errorMapping{http.StatusNotFound, "not_found"}},
	{commitment.ErrDuplicate, errorMapping{http.StatusConflict, "already_exists"}},
	{commitment.ErrDuplicateSignal, errorMapping{http.StatusConflict, "already_voted"}},
	{commitment.ErrVersionConflict, errorMapping{http.StatusConflict, "concurrent_update"}},

	{voting.ErrSelfVote, errorMapping{http.StatusBadRequest, "self_vote"}},
	{voting.ErrNotHolder, errorMapping{http.StatusBadRequest, "not_holder"}},
	{voting.ErrBelowMinimum, errorMapping{http.StatusBadRequest, "below_minimum"}},
	{voting.ErrNotCreator, errorMapping{http.StatusUnauthorized, "not_creator"}},
	{voting.ErrNotVotable, errorMapping{http.StatusConflict, "not_votable"}},
	{voting.ErrWindowClosed, errorMapping{http.StatusConflict, "window_closed"}},

	{payout.ErrCommitmentNotActive, errorMapping{http.StatusConflict, "commitment_not_active"}},
	{payout.ErrNotReleasable, errorMapping{http.StatusConflict, "not_claimable"}},
	{payout.ErrUnderfunded, errorMapping{http.StatusConflict, "underfunded"}},
	{payout.ErrClaimInProgress, errorMapping{http.StatusConflict, "claim_in_progress"}},
	{payout.ErrRetryRelease, errorMapping{http.StatusServiceUnavailable, "retry_release"}},
	{payout.ErrTransferFailed, errorMapping{http.StatusBadGateway, "transfer_failed"}},
	{payout.ErrClaimMismatch, errorMapping{http.StatusInternalServerError, "claim_mismatch"}},

	{reward.ErrNoVoters, errorMapping{http.StatusBadRequest, "no_voters"}},
	{reward.ErrClaimInProgress, errorMapping{http.StatusConflict, "claim_in_progress"}},
	{reward.ErrRetryClaim, errorMapping{http.StatusServiceUnavailable, "retry_claim"}},
	{reward.ErrTransferFailed, errorMapping{http.StatusBadGateway, "transfer_failed"}},

	{pricefeed.ErrUnavailable, errorMapping{http.StatusServiceUnavailable, "pricefeed_unavailable"}},
	{pricefeed.ErrNoPair, errorMapping{http.StatusBadRequest, "no_trading_pair"}},
}

// writeError maps err onto the taxonomy and writes the JSON envelope. Unmapped
// errors become opaque 500s; the detail goes to the log, never to the caller.
func writeError(w http.ResponseWriter, log *slog.Logger, err error) {
	for _, entry := range errorTaxonomy {
		if errors.Is(err, entry.err) {
			if entry.mapping.status >= 500 {
				log.Error("handlers: request failed", "code", entry.mapping.code, "error", err)
			}
			writeJSON(w, entry.mapping.status, ErrorResponse{
				Error:   entry.mapping.code,
				Message: entry.err.Error(),
			})
			return
		}
	}
	log.Error("handlers: unmapped error", "error", err)
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{
		Error:   "internal",
		Message: "internal server error",
	})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: message})
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "unauthorized", Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
