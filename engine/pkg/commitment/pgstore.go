package commitment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PGStoreConfig configures the Postgres-backed store.
type PGStoreConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
}

func (cfg *PGStoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	return nil
}

// PGStore implements Store on Postgres. Milestones live as one jsonb document
// per commitment with an optimistic version counter; claim rows rely on
// ON CONFLICT DO NOTHING so exactly one concurrent writer wins.
type PGStore struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

var _ Store = (*PGStore)(nil)

func NewPGStore(cfg PGStoreConfig) (*PGStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &PGStore{log: cfg.Logger, pool: cfg.Pool}, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *PGStore) CreateCommitment(ctx context.Context, c *Commitment) error {
	if err := c.Validate(); err != nil {
		return err
	}
	doc, err := json.Marshal(c.Milestones)
	if err != nil {
		return fmt.Errorf("failed to encode milestones: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO commitments (
			id, kind, creator_pubkey, escrow_pubkey, escrow_secret, custodial_wallet_id,
			token_mint, total_funded_lamports, unlocked_lamports, milestones, status, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1)
	`, c.ID, c.Kind, c.CreatorPubkey, c.EscrowPubkey, nullable(c.EscrowSecret), nullable(c.CustodialWalletID),
		nullable(c.TokenMint), int64(c.TotalFundedLamports), int64(c.UnlockedLamports), doc, c.Status)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert commitment: %w", err)
	}
	return nil
}

const commitmentColumns = `
	id, kind, creator_pubkey, escrow_pubkey,
	COALESCE(escrow_secret, ''), COALESCE(custodial_wallet_id, ''), COALESCE(token_mint, ''),
	total_funded_lamports, unlocked_lamports, milestones, status, version, created_at, updated_at`

func scanCommitment(row pgx.Row) (*Commitment, error) {
	var c Commitment
	var doc []byte
	var totalFunded, unlocked int64
	err := row.Scan(
		&c.ID, &c.Kind, &c.CreatorPubkey, &c.EscrowPubkey,
		&c.EscrowSecret, &c.CustodialWalletID, &c.TokenMint,
		&totalFunded, &unlocked, &doc, &c.Status, &c.Version, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan commitment: %w", err)
	}
	c.TotalFundedLamports = uint64(totalFunded)
	c.UnlockedLamports = uint64(unlocked)
	if err := json.Unmarshal(doc, &c.Milestones); err != nil {
		return nil, fmt.Errorf("failed to decode milestones: %w", err)
	}
	return &c, nil
}

func (s *PGStore) GetCommitment(ctx context.Context, id string) (*Commitment, error) {
	row := s.pool.QueryRow(ctx, `SELECT`+commitmentColumns+` FROM commitments WHERE id = $1`, id)
	return scanCommitment(row)
}

func (s *PGStore) ReplaceMilestones(ctx context.Context, id string, version int64, milestones []Milestone, unlockedLamports uint64, status Status) (*Commitment, error) {
	doc, err := json.Marshal(milestones)
	if err != nil {
		return nil, fmt.Errorf("failed to encode milestones: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE commitments
		SET milestones = $2, unlocked_lamports = $3, status = $4, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $5
		RETURNING`+commitmentColumns, id, doc, int64(unlockedLamports), status, version)
	c, err := scanCommitment(row)
	if errors.Is(err, ErrNotFound) {
		// Distinguish a missing commitment from a lost version race.
		if _, getErr := s.GetCommitment(ctx, id); getErr == nil {
			return nil, ErrVersionConflict
		}
		return nil, ErrNotFound
	}
	return c, err
}

func (s *PGStore) ListOutstandingMarketCap(ctx context.Context) ([]*Commitment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT`+commitmentColumns+`
		FROM commitments
		WHERE status NOT IN ('completed', 'failed', 'archived')
		  AND milestones @> '[{"autoKind": "market_cap", "status": "locked"}]'
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query outstanding market-cap commitments: %w", err)
	}
	defer rows.Close()

	var out []*Commitment
	for rows.Next() {
		c, err := scanCommitment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PGStore) ListActiveCommitments(ctx context.Context) ([]*Commitment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT`+commitmentColumns+`
		FROM commitments
		WHERE status NOT IN ('completed', 'failed', 'archived')
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active commitments: %w", err)
	}
	defer rows.Close()

	var out []*Commitment
	for rows.Next() {
		c, err := scanCommitment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PGStore) InsertSignal(ctx context.Context, sig *MilestoneSignal) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO milestone_signals (commitment_id, milestone_id, signer_pubkey, vote, holdings_usd)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (commitment_id, milestone_id, signer_pubkey) DO NOTHING
	`, sig.CommitmentID, sig.MilestoneID, sig.SignerPubkey, sig.Vote, sig.HoldingsUSD.String())
	if err != nil {
		return fmt.Errorf("failed to insert signal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateSignal
	}
	return nil
}

func (s *PGStore) TallyMilestone(ctx context.Context, commitmentID, milestoneID string) (Tally, error) {
	var t Tally
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE vote = 'approve'),
			COUNT(*) FILTER (WHERE vote = 'reject')
		FROM milestone_signals
		WHERE commitment_id = $1 AND milestone_id = $2
	`, commitmentID, milestoneID).Scan(&t.Approvals, &t.Rejections)
	if err != nil {
		return Tally{}, fmt.Errorf("failed to tally milestone: %w", err)
	}
	return t, nil
}

func (s *PGStore) TallyCommitment(ctx context.Context, commitmentID string) (map[string]Tally, error) {
	// Seed with the commitment's milestones so callers always see every key.
	c, err := s.GetCommitment(ctx, commitmentID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Tally, len(c.Milestones))
	for i := range c.Milestones {
		out[c.Milestones[i].ID] = Tally{}
	}

	rows, err := s.pool.Query(ctx, `
		SELECT milestone_id,
			COUNT(*) FILTER (WHERE vote = 'approve'),
			COUNT(*) FILTER (WHERE vote = 'reject')
		FROM milestone_signals
		WHERE commitment_id = $1
		GROUP BY milestone_id
	`, commitmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to tally commitment: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var t Tally
		if err := rows.Scan(&id, &t.Approvals, &t.Rejections); err != nil {
			return nil, fmt.Errorf("failed to scan tally: %w", err)
		}
		out[id] = t
	}
	return out, rows.Err()
}

func (s *PGStore) UpsertVoterSnapshot(ctx context.Context, snap *VoterSnapshot) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO voter_snapshots (
			commitment_id, milestone_id, signer_pubkey,
			token_amount, token_price_usd, usd_value, booster_amount, multiplier, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (commitment_id, milestone_id, signer_pubkey) DO UPDATE SET
			token_amount = EXCLUDED.token_amount,
			token_price_usd = EXCLUDED.token_price_usd,
			usd_value = EXCLUDED.usd_value,
			booster_amount = EXCLUDED.booster_amount,
			multiplier = EXCLUDED.multiplier,
			updated_at = NOW()
	`, snap.CommitmentID, snap.MilestoneID, snap.SignerPubkey,
		snap.TokenAmount.String(), snap.TokenPriceUSD.String(), snap.USDValue.String(),
		snap.BoosterAmount.String(), snap.Multiplier.String())
	if err != nil {
		return fmt.Errorf("failed to upsert voter snapshot: %w", err)
	}
	return nil
}

func (s *PGStore) ListVoterSnapshots(ctx context.Context, commitmentID, milestoneID string) ([]*VoterSnapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT signer_pubkey, token_amount::text, token_price_usd::text, usd_value::text,
		       booster_amount::text, multiplier::text, updated_at
		FROM voter_snapshots
		WHERE commitment_id = $1 AND milestone_id = $2
		ORDER BY signer_pubkey
	`, commitmentID, milestoneID)
	if err != nil {
		return nil, fmt.Errorf("failed to list voter snapshots: %w", err)
	}
	defer rows.Close()

	var out []*VoterSnapshot
	for rows.Next() {
		snap := &VoterSnapshot{CommitmentID: commitmentID, MilestoneID: milestoneID}
		var tokenAmount, price, usd, booster, multiplier string
		if err := rows.Scan(&snap.SignerPubkey, &tokenAmount, &price, &usd, &booster, &multiplier, &snap.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan voter snapshot: %w", err)
		}
		if snap.TokenAmount, err = decimal.NewFromString(tokenAmount); err != nil {
			return nil, fmt.Errorf("failed to parse token amount: %w", err)
		}
		if snap.TokenPriceUSD, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("failed to parse token price: %w", err)
		}
		if snap.USDValue, err = decimal.NewFromString(usd); err != nil {
			return nil, fmt.Errorf("failed to parse usd value: %w", err)
		}
		if snap.BoosterAmount, err = decimal.NewFromString(booster); err != nil {
			return nil, fmt.Errorf("failed to parse booster amount: %w", err)
		}
		if snap.Multiplier, err = decimal.NewFromString(multiplier); err != nil {
			return nil, fmt.Errorf("failed to parse multiplier: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *PGStore) AcquirePayoutClaim(ctx context.Context, claim *PayoutClaim) (*PayoutClaim, bool, error) {
	// The insert total-orders concurrent release attempts: exactly one caller
	// wins; losers read the winner's row. A loser can race a concurrent delete,
	// hence the bounded loop.
	for attempt := 0; attempt < 3; attempt++ {
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO payout_claims (commitment_id, milestone_id, to_pubkey, amount_lamports)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (commitment_id, milestone_id) DO NOTHING
		`, claim.CommitmentID, claim.MilestoneID, claim.ToPubkey, int64(claim.AmountLamports))
		if err != nil {
			return nil, false, fmt.Errorf("failed to insert payout claim: %w", err)
		}
		existing, err := s.getPayoutClaim(ctx, claim.CommitmentID, claim.MilestoneID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return existing, tag.RowsAffected() == 1, nil
	}
	return nil, false, errors.New("payout claim churned during acquisition")
}

func (s *PGStore) getPayoutClaim(ctx context.Context, commitmentID, milestoneID string) (*PayoutClaim, error) {
	claim := &PayoutClaim{CommitmentID: commitmentID, MilestoneID: milestoneID}
	var amount int64
	err := s.pool.QueryRow(ctx, `
		SELECT to_pubkey, amount_lamports, COALESCE(tx_sig, ''), created_at
		FROM payout_claims
		WHERE commitment_id = $1 AND milestone_id = $2
	`, commitmentID, milestoneID).Scan(&claim.ToPubkey, &amount, &claim.TxSig, &claim.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payout claim: %w", err)
	}
	claim.AmountLamports = uint64(amount)
	return claim, nil
}

func (s *PGStore) SetPayoutClaimTxSig(ctx context.Context, commitmentID, milestoneID, txSig string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE payout_claims SET tx_sig = $3
		WHERE commitment_id = $1 AND milestone_id = $2
	`, commitmentID, milestoneID, txSig)
	if err != nil {
		return fmt.Errorf("failed to set payout claim signature: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) DeletePayoutClaim(ctx context.Context, commitmentID, milestoneID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM payout_claims WHERE commitment_id = $1 AND milestone_id = $2
	`, commitmentID, milestoneID)
	if err != nil {
		return fmt.Errorf("failed to delete payout claim: %w", err)
	}
	return nil
}

func (s *PGStore) DeletePayoutClaimIfStale(ctx context.Context, commitmentID, milestoneID string, cutoff time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM payout_claims
		WHERE commitment_id = $1 AND milestone_id = $2 AND tx_sig IS NULL AND created_at < $3
	`, commitmentID, milestoneID, cutoff)
	if err != nil {
		return false, fmt.Errorf("failed to delete stale payout claim: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) SweepAbandonedPayoutClaims(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM payout_claims WHERE tx_sig IS NULL AND created_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep abandoned payout claims: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PGStore) InsertMarketCapConfirmation(ctx context.Context, conf *MarketCapConfirmation) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO marketcap_confirmations (commitment_id, milestone_id, evidence)
		VALUES ($1, $2, $3)
		ON CONFLICT (commitment_id, milestone_id) DO NOTHING
	`, conf.CommitmentID, conf.MilestoneID, conf.Evidence)
	if err != nil {
		return false, fmt.Errorf("failed to insert market-cap confirmation: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) PinPair(ctx context.Context, commitmentID, pairAddress string) (string, error) {
	var pinned string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO marketcap_pairs (commitment_id, pair_address)
		VALUES ($1, $2)
		ON CONFLICT (commitment_id) DO UPDATE SET pair_address = marketcap_pairs.pair_address
		RETURNING pair_address
	`, commitmentID, pairAddress).Scan(&pinned)
	if err != nil {
		return "", fmt.Errorf("failed to pin pair: %w", err)
	}
	return pinned, nil
}

func (s *PGStore) InsertPriceSnapshot(ctx context.Context, snap *PriceSnapshot) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO price_snapshots (token_mint, pair_address, price_usd, liquidity_usd, volume_h24_usd, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (pair_address, observed_at) DO NOTHING
	`, snap.TokenMint, snap.PairAddress, snap.PriceUSD.String(), snap.LiquidityUSD.String(),
		snap.VolumeH24USD.String(), snap.ObservedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert price snapshot: %w", err)
	}
	return nil
}

func (s *PGStore) ListPriceSnapshots(ctx context.Context, pairAddress string, since time.Time) ([]PriceSnapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT token_mint, price_usd::text, liquidity_usd::text, volume_h24_usd::text, observed_at
		FROM price_snapshots
		WHERE pair_address = $1 AND observed_at >= $2
		ORDER BY observed_at
	`, pairAddress, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list price snapshots: %w", err)
	}
	defer rows.Close()

	var out []PriceSnapshot
	for rows.Next() {
		snap := PriceSnapshot{PairAddress: pairAddress}
		var price, liquidity, volume string
		if err := rows.Scan(&snap.TokenMint, &price, &liquidity, &volume, &snap.ObservedAt); err != nil {
			return nil, fmt.Errorf("failed to scan price snapshot: %w", err)
		}
		if snap.PriceUSD, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("failed to parse price: %w", err)
		}
		if snap.LiquidityUSD, err = decimal.NewFromString(liquidity); err != nil {
			return nil, fmt.Errorf("failed to parse liquidity: %w", err)
		}
		if snap.VolumeH24USD, err = decimal.NewFromString(volume); err != nil {
			return nil, fmt.Errorf("failed to parse volume: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *PGStore) CreateDistribution(ctx context.Context, dist *RewardDistribution, allocs []RewardAllocation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin distribution tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO vote_reward_distributions (id, commitment_id, milestone_id, reward_mint, pool_amount)
		VALUES ($1, $2, $3, $4, $5)
	`, dist.ID, dist.CommitmentID, dist.MilestoneID, dist.RewardMint, int64(dist.PoolAmount))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert distribution: %w", err)
	}

	for i := range allocs {
		_, err = tx.Exec(ctx, `
			INSERT INTO vote_reward_allocations (distribution_id, signer_pubkey, amount)
			VALUES ($1, $2, $3)
		`, allocs[i].DistributionID, allocs[i].SignerPubkey, int64(allocs[i].Amount))
		if err != nil {
			return fmt.Errorf("failed to insert allocation: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit distribution: %w", err)
	}
	return nil
}

func (s *PGStore) GetDistribution(ctx context.Context, commitmentID, milestoneID string) (*RewardDistribution, error) {
	dist := &RewardDistribution{CommitmentID: commitmentID, MilestoneID: milestoneID}
	var pool int64
	err := s.pool.QueryRow(ctx, `
		SELECT id, reward_mint, pool_amount, created_at
		FROM vote_reward_distributions
		WHERE commitment_id = $1 AND milestone_id = $2
	`, commitmentID, milestoneID).Scan(&dist.ID, &dist.RewardMint, &pool, &dist.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get distribution: %w", err)
	}
	dist.PoolAmount = uint64(pool)
	return dist, nil
}

func (s *PGStore) ListClaimableAllocations(ctx context.Context, signerPubkey string) ([]*RewardAllocation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT a.distribution_id, a.amount
		FROM vote_reward_allocations a
		LEFT JOIN vote_reward_claims c
			ON c.distribution_id = a.distribution_id AND c.signer_pubkey = a.signer_pubkey
		WHERE a.signer_pubkey = $1 AND (c.tx_sig IS NULL OR c.distribution_id IS NULL)
		ORDER BY a.distribution_id
	`, signerPubkey)
	if err != nil {
		return nil, fmt.Errorf("failed to list claimable allocations: %w", err)
	}
	defer rows.Close()

	var out []*RewardAllocation
	for rows.Next() {
		alloc := &RewardAllocation{SignerPubkey: signerPubkey}
		var amount int64
		if err := rows.Scan(&alloc.DistributionID, &amount); err != nil {
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		alloc.Amount = uint64(amount)
		out = append(out, alloc)
	}
	return out, rows.Err()
}

func (s *PGStore) GetAllocation(ctx context.Context, distributionID, signerPubkey string) (*RewardAllocation, error) {
	alloc := &RewardAllocation{DistributionID: distributionID, SignerPubkey: signerPubkey}
	var amount int64
	err := s.pool.QueryRow(ctx, `
		SELECT amount FROM vote_reward_allocations
		WHERE distribution_id = $1 AND signer_pubkey = $2
	`, distributionID, signerPubkey).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get allocation: %w", err)
	}
	alloc.Amount = uint64(amount)
	return alloc, nil
}

func (s *PGStore) AcquireRewardClaim(ctx context.Context, claim *RewardClaim) (*RewardClaim, bool, error) {
	for attempt := 0; attempt < 3; attempt++ {
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO vote_reward_claims (distribution_id, signer_pubkey)
			VALUES ($1, $2)
			ON CONFLICT (distribution_id, signer_pubkey) DO NOTHING
		`, claim.DistributionID, claim.SignerPubkey)
		if err != nil {
			return nil, false, fmt.Errorf("failed to insert reward claim: %w", err)
		}
		existing := &RewardClaim{DistributionID: claim.DistributionID, SignerPubkey: claim.SignerPubkey}
		err = s.pool.QueryRow(ctx, `
			SELECT COALESCE(tx_sig, ''), created_at
			FROM vote_reward_claims
			WHERE distribution_id = $1 AND signer_pubkey = $2
		`, claim.DistributionID, claim.SignerPubkey).Scan(&existing.TxSig, &existing.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("failed to get reward claim: %w", err)
		}
		return existing, tag.RowsAffected() == 1, nil
	}
	return nil, false, errors.New("reward claim churned during acquisition")
}

func (s *PGStore) SetRewardClaimTxSig(ctx context.Context, distributionID, signerPubkey, txSig string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE vote_reward_claims SET tx_sig = $3
		WHERE distribution_id = $1 AND signer_pubkey = $2
	`, distributionID, signerPubkey, txSig)
	if err != nil {
		return fmt.Errorf("failed to set reward claim signature: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) DeleteRewardClaim(ctx context.Context, distributionID, signerPubkey string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM vote_reward_claims WHERE distribution_id = $1 AND signer_pubkey = $2
	`, distributionID, signerPubkey)
	if err != nil {
		return fmt.Errorf("failed to delete reward claim: %w", err)
	}
	return nil
}

func (s *PGStore) WithAdvisoryLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	// The lock is session-scoped, so it needs a dedicated connection for its
	// whole lifetime; pool.Exec could release/unlock on different sessions.
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection for advisory lock: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtext($1))`, key); err != nil {
		return fmt.Errorf("failed to take advisory lock %q: %w", key, err)
	}
	defer func() {
		if _, err := conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock(hashtext($1))`, key); err != nil {
			s.log.Error("store: failed to release advisory lock", "key", key, "error", err)
		}
	}()

	return fn(ctx)
}

func (s *PGStore) InsertWebhookDelivery(ctx context.Context, deliveryID string, payload []byte) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_deliveries (delivery_id, payload)
		VALUES ($1, $2)
		ON CONFLICT (delivery_id) DO NOTHING
	`, deliveryID, payload)
	if err != nil {
		return false, fmt.Errorf("failed to insert webhook delivery: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) InsertAuditEvent(ctx context.Context, ev *AuditEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_events (kind, commitment_id, milestone_id, payload)
		VALUES ($1, $2, $3, $4)
	`, ev.Kind, nullable(ev.CommitmentID), nullable(ev.MilestoneID), ev.Payload)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
