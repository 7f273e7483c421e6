package ledger

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEscrowd_Ledger_ClassifySendError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want SendStatus
	}{
		{"nil", nil, SendConfirmed},
		{"blockhash expired", errors.New("rpc error: Blockhash not found"), SendAmbiguous},
		{"block height exceeded", errors.New("TransactionExpiredBlockheightExceededError: block height exceeded"), SendAmbiguous},
		{"confirm timeout", errors.New("timed out awaiting confirmation"), SendAmbiguous},
		{"deadline", fmt.Errorf("post failed: %w", errors.New("context deadline exceeded")), SendAmbiguous},
		{"connection reset", errors.New("read tcp: connection reset by peer"), SendAmbiguous},
		{"insufficient funds", errors.New("Transfer: insufficient lamports 100, need 200"), SendFailed},
		{"no funding record", errors.New("Attempt to debit an account but found no record of a prior credit"), SendFailed},
		{"program error", errors.New("transaction simulation failed: custom program error: 0x1"), SendFailed},
		{"signature failure", errors.New("signature verification failure"), SendFailed},
		{"unknown errors stay ambiguous", errors.New("something unexpected"), SendAmbiguous},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, classifySendError(tt.err))
		})
	}
}

func TestEscrowd_Ledger_SendStatusString(t *testing.T) {
	t.Parallel()
	require.Equal(t, "confirmed", SendConfirmed.String())
	require.Equal(t, "ambiguous", SendAmbiguous.String())
	require.Equal(t, "failed", SendFailed.String())
}
