// Package ledger is the chain boundary: balances, lamport transfers with
// bounded confirmation, and the history reconciliation that the payout
// idempotency protocol depends on. Everything above this package treats the
// chain as a Client and never touches RPC types.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
)

// ErrNoTokenAccount is returned when the owner has no associated token
// account for the mint. Callers treat it as a zero balance.
var ErrNoTokenAccount = errors.New("no associated token account")

// TransferRequest describes one lamport transfer out of an escrow wallet.
// Exactly one of FromSecret and WalletID is set, mirroring the commitment's
// signer capability.
type TransferRequest struct {
	// FromSecret is the base58-encoded keypair of the sending wallet.
	FromSecret string
	// WalletID names a custodial wallet; only custodial Client
	// implementations honor it.
	WalletID string
	From     string
	To       string
	Lamports uint64
}

// TransferQuery describes a past transfer to look for during reconciliation.
type TransferQuery struct {
	From     string
	To       string
	Lamports uint64
	// Since bounds the scan; signatures older than this are ignored.
	Since time.Time
	// Limit caps how many signatures are inspected. Zero means the default.
	Limit int
}

// MintInfo is the subset of SPL mint state the market-cap job evaluates.
type MintInfo struct {
	Supply               uint64
	Decimals             uint8
	MintAuthorityRevoked bool
}

// Client is the chain access contract.
type Client interface {
	// Balance returns the lamport balance of a wallet.
	Balance(ctx context.Context, pubkey string) (uint64, error)
	// SendTransfer submits a lamport transfer and waits for confirmation up
	// to the configured deadline. It never returns an error directly; the
	// SendResult status tells the caller whether the transfer confirmed,
	// definitively failed, or is in an unknown state.
	SendTransfer(ctx context.Context, req TransferRequest) SendResult
	// FindTransfer scans the sender's recent transaction history for a
	// successful transfer matching the query. Used to resolve ambiguous
	// sends: found means the earlier attempt landed.
	FindTransfer(ctx context.Context, q TransferQuery) (txSig string, found bool, err error)
	// TokenBalance returns the owner's UI-scaled balance of mint via the
	// associated token account, or ErrNoTokenAccount.
	TokenBalance(ctx context.Context, owner, mint string) (decimal.Decimal, error)
	// MintInfo fetches supply, decimals, and mint-authority state.
	MintInfo(ctx context.Context, mint string) (MintInfo, error)
}

// RPCClientConfig configures the RPC-backed client.
type RPCClientConfig struct {
	Logger *slog.Logger
	// Endpoint is the JSON-RPC URL.
	Endpoint string
	// ConfirmTimeout bounds how long SendTransfer polls for confirmation
	// before giving up as ambiguous. Default 45s.
	ConfirmTimeout time.Duration
	// PollInterval is the signature-status poll cadence. Default 2s.
	PollInterval time.Duration
	// HistoryLimit caps FindTransfer signature scans. Default 50.
	HistoryLimit int
	Clock        clockwork.Clock
}

func (cfg *RPCClientConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Endpoint == "" {
		return errors.New("rpc endpoint is required")
	}
	if cfg.ConfirmTimeout == 0 {
		cfg.ConfirmTimeout = 45 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = 50
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// RPCClient implements Client against a Solana JSON-RPC endpoint.
type RPCClient struct {
	log   *slog.Logger
	cfg   RPCClientConfig
	rpc   *rpc.Client
	clock clockwork.Clock
}

var _ Client = (*RPCClient)(nil)

func NewRPCClient(cfg RPCClientConfig) (*RPCClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &RPCClient{
		log:   cfg.Logger,
		cfg:   cfg,
		rpc:   rpc.New(cfg.Endpoint),
		clock: cfg.Clock,
	}, nil
}

func (c *RPCClient) Balance(ctx context.Context, pubkey string) (uint64, error) {
	pk, err := solana.PublicKeyFromBase58(pubkey)
	if err != nil {
		return 0, fmt.Errorf("invalid pubkey %q: %w", pubkey, err)
	}
	out, err := c.rpc.GetBalance(ctx, pk, rpc.CommitmentConfirmed)
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return out.Value, nil
}

func (c *RPCClient) SendTransfer(ctx context.Context, req TransferRequest) SendResult {
	if req.FromSecret == "" {
		return SendResult{Status: SendFailed, Err: errors.New("rpc client requires a signer secret, custodial wallets need a custodial client")}
	}
	signer, err := solana.PrivateKeyFromBase58(req.FromSecret)
	if err != nil {
		return SendResult{Status: SendFailed, Err: fmt.Errorf("invalid signer secret: %w", err)}
	}
	from, err := solana.PublicKeyFromBase58(req.From)
	if err != nil {
		return SendResult{Status: SendFailed, Err: fmt.Errorf("invalid from pubkey: %w", err)}
	}
	to, err := solana.PublicKeyFromBase58(req.To)
	if err != nil {
		return SendResult{Status: SendFailed, Err: fmt.Errorf("invalid to pubkey: %w", err)}
	}
	if !signer.PublicKey().Equals(from) {
		return SendResult{Status: SendFailed, Err: errors.New("signer does not match from pubkey")}
	}

	blockhash, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		// Nothing was submitted yet, safe to fail outright.
		return SendResult{Status: SendFailed, Err: fmt.Errorf("failed to get blockhash: %w", err)}
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			system.NewTransferInstruction(req.Lamports, from, to).Build(),
		},
		blockhash.Value.Blockhash,
		solana.TransactionPayer(from),
	)
	if err != nil {
		return SendResult{Status: SendFailed, Err: fmt.Errorf("failed to build transaction: %w", err)}
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(from) {
			return &signer
		}
		return nil
	}); err != nil {
		return SendResult{Status: SendFailed, Err: fmt.Errorf("failed to sign transaction: %w", err)}
	}

	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		status := classifySendError(err)
		c.log.Warn("ledger: transaction submission failed",
			"status", status.String(), "to", req.To, "lamports", req.Lamports, "error", err)
		return SendResult{Status: status, Err: fmt.Errorf("failed to send transaction: %w", err)}
	}

	return c.awaitConfirmation(ctx, sig, req)
}

func (c *RPCClient) awaitConfirmation(ctx context.Context, sig solana.Signature, req TransferRequest) SendResult {
	deadline := c.clock.Now().Add(c.cfg.ConfirmTimeout)
	for {
		if ctx.Err() != nil {
			return SendResult{Status: SendAmbiguous, TxSig: sig.String(), Err: ctx.Err()}
		}
		if c.clock.Now().After(deadline) {
			c.log.Warn("ledger: confirmation deadline passed", "tx_sig", sig.String())
			return SendResult{
				Status: SendAmbiguous,
				TxSig:  sig.String(),
				Err:    errors.New("timed out awaiting confirmation"),
			}
		}

		statuses, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
		if err == nil && len(statuses.Value) > 0 && statuses.Value[0] != nil {
			st := statuses.Value[0]
			if st.Err != nil {
				return SendResult{
					Status: SendFailed,
					TxSig:  sig.String(),
					Err:    fmt.Errorf("transaction failed on chain: %v", st.Err),
				}
			}
			if st.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				st.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				c.log.Info("ledger: transfer confirmed",
					"tx_sig", sig.String(), "to", req.To, "lamports", req.Lamports)
				return SendResult{Status: SendConfirmed, TxSig: sig.String()}
			}
		} else if err != nil {
			c.log.Debug("ledger: status poll failed", "tx_sig", sig.String(), "error", err)
		}

		select {
		case <-ctx.Done():
			return SendResult{Status: SendAmbiguous, TxSig: sig.String(), Err: ctx.Err()}
		case <-c.clock.After(c.cfg.PollInterval):
		}
	}
}

func (c *RPCClient) FindTransfer(ctx context.Context, q TransferQuery) (string, bool, error) {
	from, err := solana.PublicKeyFromBase58(q.From)
	if err != nil {
		return "", false, fmt.Errorf("invalid from pubkey: %w", err)
	}
	to, err := solana.PublicKeyFromBase58(q.To)
	if err != nil {
		return "", false, fmt.Errorf("invalid to pubkey: %w", err)
	}
	limit := q.Limit
	if limit == 0 {
		limit = c.cfg.HistoryLimit
	}

	sigs, err := c.rpc.GetSignaturesForAddressWithOpts(ctx, from, &rpc.GetSignaturesForAddressOpts{
		Limit:      &limit,
		Commitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to list signatures: %w", err)
	}

	for _, entry := range sigs {
		if entry.Err != nil {
			continue
		}
		if entry.BlockTime != nil && entry.BlockTime.Time().Before(q.Since) {
			// Signatures come newest first; everything beyond here is older
			// than the window.
			break
		}
		matched, err := c.matchesTransfer(ctx, entry.Signature, to, q.Lamports)
		if err != nil {
			c.log.Debug("ledger: skipping unreadable transaction during scan",
				"tx_sig", entry.Signature.String(), "error", err)
			continue
		}
		if matched {
			return entry.Signature.String(), true, nil
		}
	}
	return "", false, nil
}

// matchesTransfer reports whether tx credited exactly lamports to the target
// account, judged by the pre/post balance delta rather than by decoding
// instructions.
func (c *RPCClient) matchesTransfer(ctx context.Context, sig solana.Signature, to solana.PublicKey, lamports uint64) (bool, error) {
	maxVersion := uint64(0)
	out, err := c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		return false, fmt.Errorf("failed to get transaction: %w", err)
	}
	if out == nil || out.Meta == nil || out.Meta.Err != nil {
		return false, nil
	}
	tx, err := out.Transaction.GetTransaction()
	if err != nil {
		return false, fmt.Errorf("failed to decode transaction: %w", err)
	}
	for i, key := range tx.Message.AccountKeys {
		if !key.Equals(to) {
			continue
		}
		if i >= len(out.Meta.PreBalances) || i >= len(out.Meta.PostBalances) {
			return false, nil
		}
		pre, post := out.Meta.PreBalances[i], out.Meta.PostBalances[i]
		return post > pre && post-pre == lamports, nil
	}
	return false, nil
}

func (c *RPCClient) TokenBalance(ctx context.Context, owner, mint string) (decimal.Decimal, error) {
	ownerPk, err := solana.PublicKeyFromBase58(owner)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid owner pubkey: %w", err)
	}
	mintPk, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid mint pubkey: %w", err)
	}
	ata, _, err := solana.FindAssociatedTokenAddress(ownerPk, mintPk)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to derive token account: %w", err)
	}
	out, err := c.rpc.GetTokenAccountBalance(ctx, ata, rpc.CommitmentConfirmed)
	if err != nil {
		// The RPC reports a missing account as an error; callers treat that
		// as holding nothing.
		return decimal.Zero, errors.Join(ErrNoTokenAccount, err)
	}
	if out == nil || out.Value == nil {
		return decimal.Zero, ErrNoTokenAccount
	}
	amount, err := decimal.NewFromString(out.Value.Amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse token amount: %w", err)
	}
	return amount.Shift(-int32(out.Value.Decimals)), nil
}

func (c *RPCClient) MintInfo(ctx context.Context, mint string) (MintInfo, error) {
	mintPk, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return MintInfo{}, fmt.Errorf("invalid mint pubkey: %w", err)
	}
	var state token.Mint
	if err := c.rpc.GetAccountDataInto(ctx, mintPk, &state); err != nil {
		return MintInfo{}, fmt.Errorf("failed to fetch mint account: %w", err)
	}
	return MintInfo{
		Supply:               state.Supply,
		Decimals:             state.Decimals,
		MintAuthorityRevoked: state.MintAuthority == nil,
	}, nil
}
