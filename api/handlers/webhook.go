package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/anchorworks/escrowd/api/metrics"
	"github.com/anchorworks/escrowd/engine/pkg/commitment"
)

// Webhook envelope headers from the custodial signer.
const (
	webhookSignatureHeader = "X-Escrow-Signature"
	webhookTimestampHeader = "X-Escrow-Request-Timestamp"
	webhookDeliveryHeader  = "X-Escrow-Delivery-Id"
)

// webhookMaxSkew bounds replay of captured envelopes.
const webhookMaxSkew = 5 * time.Minute

// CustodialEvent is the custodial signer's transaction-status callback.
type CustodialEvent struct {
	WalletID     string `json:"walletId"`
	TxSig        string `json:"txSig"`
	Status       string `json:"status"` // "confirmed" | "failed" | "reverted"
	CommitmentID string `json:"commitmentId,omitempty"`
	MilestoneID  string `json:"milestoneId,omitempty"`
	Detail       string `json:"detail,omitempty"`
}

// handleCustodialWebhook verifies the signed envelope, deduplicates by the
// durable delivery id, and records audit events for failed or reverted
// transactions. Redeliveries of a processed id are acknowledged with 200 so
// the sender stops retrying.
func (s *Server) handleCustodialWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		metrics.RecordWebhookDelivery("rejected")
		writeBadRequest(w, "failed to read request body")
		return
	}

	if err := s.verifyWebhookEnvelope(r, body); err != nil {
		metrics.RecordWebhookDelivery("rejected")
		writeUnauthorized(w, err.Error())
		return
	}

	deliveryID := r.Header.Get(webhookDeliveryHeader)
	if deliveryID == "" {
		metrics.RecordWebhookDelivery("rejected")
		writeBadRequest(w, "missing delivery id header")
		return
	}

	var event CustodialEvent
	if err := json.Unmarshal(body, &event); err != nil {
		metrics.RecordWebhookDelivery("rejected")
		writeBadRequest(w, "invalid event payload")
		return
	}

	acquired, err := s.store.InsertWebhookDelivery(r.Context(), deliveryID, body)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if !acquired {
		metrics.RecordWebhookDelivery("duplicate")
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "duplicate": true})
		return
	}

	switch event.Status {
	case "failed", "reverted":
		s.log.Warn("handlers: custodial transaction did not land",
			"delivery", deliveryID, "wallet", event.WalletID,
			"tx_sig", event.TxSig, "status", event.Status)
		if auditErr := s.store.InsertAuditEvent(r.Context(), &commitment.AuditEvent{
			Kind:         "custodial_tx_" + event.Status,
			CommitmentID: event.CommitmentID,
			MilestoneID:  event.MilestoneID,
			Payload:      body,
		}); auditErr != nil {
			s.log.Error("handlers: webhook audit insert failed", "delivery", deliveryID, "error", auditErr)
		}
	case "confirmed":
		s.log.Info("handlers: custodial transaction confirmed",
			"delivery", deliveryID, "wallet", event.WalletID, "tx_sig", event.TxSig)
	default:
		metrics.RecordWebhookDelivery("rejected")
		writeBadRequest(w, fmt.Sprintf("unknown event status %q", event.Status))
		return
	}

	metrics.RecordWebhookDelivery("accepted")
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "duplicate": false})
}

// verifyWebhookEnvelope checks the v1 HMAC scheme: the signature header holds
// "v1=" + hex(HMAC-SHA256(secret, "v1:<timestamp>:<body>")), with the
// timestamp bounded against replay.
func (s *Server) verifyWebhookEnvelope(r *http.Request, body []byte) error {
	if s.cfg.WebhookSecret == "" {
		return fmt.Errorf("webhook receiver is not configured")
	}

	signature := r.Header.Get(webhookSignatureHeader)
	timestamp := r.Header.Get(webhookTimestampHeader)
	if signature == "" || timestamp == "" {
		return fmt.Errorf("missing envelope signature headers")
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid envelope timestamp")
	}
	age := s.clock.Now().Unix() - ts
	if age > int64(webhookMaxSkew.Seconds()) || age < -int64(webhookMaxSkew.Seconds()) {
		return fmt.Errorf("envelope timestamp outside the freshness window")
	}

	mac := hmac.New(sha256.New, []byte(s.cfg.WebhookSecret))
	fmt.Fprintf(mac, "v1:%s:", timestamp)
	mac.Write(body)
	expected := "v1=" + hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return fmt.Errorf("envelope signature does not verify")
	}
	return nil
}
