package handlers

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mr-tron/base58"
)

// Proof actions. Each action binds a signed message to one operation so a
// captured signature cannot be replayed against a different endpoint.
const (
	ActionVote            = "vote"
	ActionClaim           = "claim"
	ActionComplete        = "complete"
	ActionOpenReview      = "open-review"
	ActionCreate          = "create"
	ActionClaimReward     = "claim-reward"
	ActionClaimAllRewards = "claim-all-rewards"
	ActionListRewards     = "list-rewards"
)

// maxProofSkew bounds how old (or future-dated) a signed proof may be.
const maxProofSkew = 5 * time.Minute

// WalletProof is the signed-message evidence of wallet control attached to
// voter and claimant requests.
type WalletProof struct {
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	Message   string `json:"message"`
}

// ProofClaims are the fields parsed out of a proof message.
type ProofClaims struct {
	Action       string
	CommitmentID string
	MilestoneID  string
	Vote         string
	IssuedAtUnix int64
}

// BuildProofMessage renders the canonical message a wallet signs. Line order
// is fixed; verification parses the same format back.
func BuildProofMessage(claims ProofClaims) string {
	var b strings.Builder
	b.WriteString("escrowd wants you to sign in with your wallet.\n\n")
	fmt.Fprintf(&b, "Action: %s\n", claims.Action)
	if claims.CommitmentID != "" {
		fmt.Fprintf(&b, "Commitment: %s\n", claims.CommitmentID)
	}
	if claims.MilestoneID != "" {
		fmt.Fprintf(&b, "Milestone: %s\n", claims.MilestoneID)
	}
	if claims.Vote != "" {
		fmt.Fprintf(&b, "Vote: %s\n", claims.Vote)
	}
	fmt.Fprintf(&b, "Issued At: %d", claims.IssuedAtUnix)
	return b.String()
}

// ParseProofMessage extracts claims from a canonical proof message.
func ParseProofMessage(message string) (ProofClaims, error) {
	var claims ProofClaims
	seen := false
	for _, line := range strings.Split(message, "\n") {
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		seen = true
		switch key {
		case "Action":
			claims.Action = value
		case "Commitment":
			claims.CommitmentID = value
		case "Milestone":
			claims.MilestoneID = value
		case "Vote":
			claims.Vote = value
		case "Issued At":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return ProofClaims{}, fmt.Errorf("invalid issued-at timestamp: %w", err)
			}
			claims.IssuedAtUnix = ts
		}
	}
	if !seen || claims.Action == "" {
		return ProofClaims{}, fmt.Errorf("message is not a recognized proof format")
	}
	if claims.IssuedAtUnix == 0 {
		return ProofClaims{}, fmt.Errorf("message is missing an issued-at timestamp")
	}
	return claims, nil
}

// verifyWalletProof checks the signature, the freshness window, and that the
// signed claims bind to the expected operation. Returns the parsed claims so
// handlers can read the vote value out of the signed message rather than
// trusting a separate body field.
func verifyWalletProof(proof WalletProof, action, commitmentID, milestoneID string, now time.Time) (ProofClaims, error) {
	if proof.PublicKey == "" || proof.Signature == "" || proof.Message == "" {
		return ProofClaims{}, fmt.Errorf("proof requires publicKey, signature and message")
	}

	claims, err := ParseProofMessage(proof.Message)
	if err != nil {
		return ProofClaims{}, err
	}
	if claims.Action != action {
		return ProofClaims{}, fmt.Errorf("proof action %q does not match %q", claims.Action, action)
	}
	if commitmentID != "" && claims.CommitmentID != commitmentID {
		return ProofClaims{}, fmt.Errorf("proof is bound to a different commitment")
	}
	if milestoneID != "" && claims.MilestoneID != milestoneID {
		return ProofClaims{}, fmt.Errorf("proof is bound to a different milestone")
	}

	age := now.Unix() - claims.IssuedAtUnix
	if age > int64(maxProofSkew.Seconds()) || age < -int64(maxProofSkew.Seconds()) {
		return ProofClaims{}, fmt.Errorf("proof issued-at is outside the freshness window")
	}

	valid, err := verifyEd25519Signature(proof.PublicKey, proof.Message, proof.Signature)
	if err != nil {
		return ProofClaims{}, err
	}
	if !valid {
		return ProofClaims{}, fmt.Errorf("signature does not verify against public key")
	}
	return claims, nil
}

// verifyEd25519Signature verifies a wallet signature over message. The public
// key is base58; the signature may be base58 or any common base64 flavor,
// since wallet adapters disagree on encoding.
func verifyEd25519Signature(publicKeyBase58, message, signature string) (bool, error) {
	publicKeyBytes, err := base58.Decode(publicKeyBase58)
	if err != nil {
		return false, fmt.Errorf("failed to decode public key: %w", err)
	}
	if len(publicKeyBytes) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size: expected %d, got %d", ed25519.PublicKeySize, len(publicKeyBytes))
	}

	signatureBytes, err := decodeSignature(signature)
	if err != nil {
		return false, err
	}
	if len(signatureBytes) != ed25519.SignatureSize {
		return false, fmt.Errorf("invalid signature size: expected %d, got %d", ed25519.SignatureSize, len(signatureBytes))
	}

	return ed25519.Verify(ed25519.PublicKey(publicKeyBytes), []byte(message), signatureBytes), nil
}

func decodeSignature(signature string) ([]byte, error) {
	if raw, err := base58.Decode(signature); err == nil && len(raw) == ed25519.SignatureSize {
		return raw, nil
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
	} {
		if raw, err := enc.DecodeString(signature); err == nil {
			return raw, nil
		}
	}
	return nil, fmt.Errorf("signature is not base58 or base64")
}
