package handlers

import (
	"crypto/ed25519"
	"encoding/base64"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/require"
)

func testKeypair(t *testing.T) (string, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return base58.Encode(pub), priv
}

func signedProof(t *testing.T, priv ed25519.PrivateKey, pubkey string, claims ProofClaims) WalletProof {
	t.Helper()
	msg := BuildProofMessage(claims)
	sig := ed25519.Sign(priv, []byte(msg))
	return WalletProof{PublicKey: pubkey, Signature: base58.Encode(sig), Message: msg}
}

func TestEscrowd_ProofMessage_RoundTrip(t *testing.T) {
	t.Parallel()

	claims := ProofClaims{
		Action:       ActionVote,
		CommitmentID: "c1",
		MilestoneID:  "m1",
		Vote:         "approve",
		IssuedAtUnix: 1_700_000_000,
	}
	parsed, err := ParseProofMessage(BuildProofMessage(claims))
	require.NoError(t, err)
	require.Equal(t, claims, parsed)

	_, err = ParseProofMessage("free-form text a wallet signed for something else")
	require.Error(t, err)

	_, err = ParseProofMessage("Action: vote\nCommitment: c1")
	require.ErrorContains(t, err, "issued-at")
}

func TestEscrowd_VerifyWalletProof(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	pubkey, priv := testKeypair(t)

	valid := func() ProofClaims {
		return ProofClaims{
			Action:       ActionClaim,
			CommitmentID: "c1",
			MilestoneID:  "m1",
			IssuedAtUnix: now.Unix(),
		}
	}

	t.Run("accepts a fresh signed proof", func(t *testing.T) {
		proof := signedProof(t, priv, pubkey, valid())
		claims, err := verifyWalletProof(proof, ActionClaim, "c1", "m1", now)
		require.NoError(t, err)
		require.Equal(t, "c1", claims.CommitmentID)
	})

	t.Run("rejects an action mismatch", func(t *testing.T) {
		proof := signedProof(t, priv, pubkey, valid())
		_, err := verifyWalletProof(proof, ActionVote, "c1", "m1", now)
		require.ErrorContains(t, err, "does not match")
	})

	t.Run("rejects a commitment rebind", func(t *testing.T) {
		proof := signedProof(t, priv, pubkey, valid())
		_, err := verifyWalletProof(proof, ActionClaim, "c2", "m1", now)
		require.ErrorContains(t, err, "different commitment")
	})

	t.Run("rejects a stale proof", func(t *testing.T) {
		proof := signedProof(t, priv, pubkey, valid())
		_, err := verifyWalletProof(proof, ActionClaim, "c1", "m1", now.Add(6*time.Minute))
		require.ErrorContains(t, err, "freshness window")
	})

	t.Run("rejects a future-dated proof", func(t *testing.T) {
		claims := valid()
		claims.IssuedAtUnix = now.Add(10 * time.Minute).Unix()
		proof := signedProof(t, priv, pubkey, claims)
		_, err := verifyWalletProof(proof, ActionClaim, "c1", "m1", now)
		require.ErrorContains(t, err, "freshness window")
	})

	t.Run("rejects a tampered message", func(t *testing.T) {
		proof := signedProof(t, priv, pubkey, valid())
		proof.Message += "\nExtra: field"
		_, err := verifyWalletProof(proof, ActionClaim, "c1", "m1", now)
		require.ErrorContains(t, err, "does not verify")
	})

	t.Run("rejects a signature from another wallet", func(t *testing.T) {
		otherPub, _ := testKeypair(t)
		proof := signedProof(t, priv, pubkey, valid())
		proof.PublicKey = otherPub
		_, err := verifyWalletProof(proof, ActionClaim, "c1", "m1", now)
		require.ErrorContains(t, err, "does not verify")
	})
}

func TestEscrowd_VerifyEd25519Signature_Encodings(t *testing.T) {
	t.Parallel()

	pubkey, priv := testKeypair(t)
	message := "encoding check"
	raw := ed25519.Sign(priv, []byte(message))

	for name, encoded := range map[string]string{
		"base58":     base58.Encode(raw),
		"base64":     base64.StdEncoding.EncodeToString(raw),
		"base64url":  base64.URLEncoding.EncodeToString(raw),
		"base64-raw": base64.RawStdEncoding.EncodeToString(raw),
	} {
		valid, err := verifyEd25519Signature(pubkey, message, encoded)
		require.NoError(t, err, name)
		require.True(t, valid, name)
	}

	_, err := verifyEd25519Signature(pubkey, message, "!!not-an-encoding!!")
	require.Error(t, err)

	_, err = verifyEd25519Signature("bad-pubkey", message, base58.Encode(raw))
	require.Error(t, err)
}
