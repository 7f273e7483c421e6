package ledger

import "strings"

// SendStatus is the three-way result of a transfer attempt. The distinction
// matters for idempotency: an ambiguous send may have landed on chain even
// though no confirmation was observed, so the caller must reconcile against
// transaction history before retrying.
type SendStatus int

const (
	// SendConfirmed means the transaction reached confirmed commitment.
	SendConfirmed SendStatus = iota
	// SendAmbiguous means the outcome is unknown: the transaction was
	// submitted (or may have been) but confirmation never arrived before the
	// blockhash expired or the deadline passed.
	SendAmbiguous
	// SendFailed means the transaction definitively did not land.
	SendFailed
)

func (s SendStatus) String() string {
	switch s {
	case SendConfirmed:
		return "confirmed"
	case SendAmbiguous:
		return "ambiguous"
	case SendFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SendResult carries the outcome of SendTransfer. TxSig is set for confirmed
// sends and, when available, for ambiguous ones.
type SendResult struct {
	Status SendStatus
	TxSig  string
	Err    error
}

// ambiguousMarkers are error fragments where the transaction may still have
// landed despite the failure surfaced to us.
var ambiguousMarkers = []string{
	"blockhash not found",
	"block height exceeded",
	"transaction was not confirmed",
	"timed out awaiting confirmation",
	"context deadline exceeded",
	"connection reset",
	"unexpected eof",
	"i/o timeout",
}

// fatalMarkers are simulation or execution errors where the transfer
// definitively cannot have moved funds.
var fatalMarkers = []string{
	"insufficient funds",
	"insufficient lamports",
	"invalid param",
	"attempt to debit an account but found no record",
	"custom program error",
	"signature verification failure",
}

// classifySendError buckets an error from submission or confirmation polling.
// Unknown errors are treated as ambiguous: reconciling against history is
// cheap, double paying is not.
func classifySendError(err error) SendStatus {
	if err == nil {
		return SendConfirmed
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range fatalMarkers {
		if strings.Contains(msg, marker) {
			return SendFailed
		}
	}
	for _, marker := range ambiguousMarkers {
		if strings.Contains(msg, marker) {
			return SendAmbiguous
		}
	}
	return SendAmbiguous
}
