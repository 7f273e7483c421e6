package commitment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// MemStore is an in-memory Store for development and tests. It is non-durable
// and single-instance only: nothing here survives a restart, and two processes
// sharing it cannot exist, so it must never back a real deployment.
type MemStore struct {
	mu sync.Mutex

	clock clockwork.Clock

	commitments map[string]*Commitment
	signals     map[string]map[string]*MilestoneSignal // milestoneKey -> signer -> signal
	snapshots   map[string]map[string]*VoterSnapshot   // milestoneKey -> signer -> snapshot
	payouts     map[string]*PayoutClaim                // milestoneKey
	mcConfirms  map[string]*MarketCapConfirmation      // milestoneKey
	pairs       map[string]string                      // commitmentID -> pair address
	prices      map[string][]PriceSnapshot             // pair address
	dists       map[string]*RewardDistribution         // milestoneKey
	distsByID   map[string]*RewardDistribution
	allocs      map[string]map[string]*RewardAllocation // distributionID -> signer
	rewards     map[string]map[string]*RewardClaim      // distributionID -> signer
	deliveries  map[string][]byte
	audits      []*AuditEvent

	advisory   map[string]*sync.Mutex
	advisoryMu sync.Mutex
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty in-memory store. A nil clock defaults to the
// real clock.
func NewMemStore(clock clockwork.Clock) *MemStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemStore{
		clock:       clock,
		commitments: make(map[string]*Commitment),
		signals:     make(map[string]map[string]*MilestoneSignal),
		snapshots:   make(map[string]map[string]*VoterSnapshot),
		payouts:     make(map[string]*PayoutClaim),
		mcConfirms:  make(map[string]*MarketCapConfirmation),
		pairs:       make(map[string]string),
		prices:      make(map[string][]PriceSnapshot),
		dists:       make(map[string]*RewardDistribution),
		distsByID:   make(map[string]*RewardDistribution),
		allocs:      make(map[string]map[string]*RewardAllocation),
		rewards:     make(map[string]map[string]*RewardClaim),
		deliveries:  make(map[string][]byte),
		advisory:    make(map[string]*sync.Mutex),
	}
}

func milestoneKey(commitmentID, milestoneID string) string {
	return commitmentID + "\x00" + milestoneID
}

func copyCommitment(c *Commitment) *Commitment {
	out := *c
	out.Milestones = make([]Milestone, len(c.Milestones))
	copy(out.Milestones, c.Milestones)
	return &out
}

func (s *MemStore) CreateCommitment(ctx context.Context, c *Commitment) error {
	if err := c.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.commitments[c.ID]; ok {
		return ErrDuplicate
	}
	stored := copyCommitment(c)
	now := s.clock.Now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	if stored.Version == 0 {
		stored.Version = 1
	}
	s.commitments[c.ID] = stored
	return nil
}

func (s *MemStore) GetCommitment(ctx context.Context, id string) (*Commitment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.commitments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyCommitment(c), nil
}

func (s *MemStore) ReplaceMilestones(ctx context.Context, id string, version int64, milestones []Milestone, unlockedLamports uint64, status Status) (*Commitment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.commitments[id]
	if !ok {
		return nil, ErrNotFound
	}
	if c.Version != version {
		return nil, ErrVersionConflict
	}
	c.Milestones = make([]Milestone, len(milestones))
	copy(c.Milestones, milestones)
	c.UnlockedLamports = unlockedLamports
	c.Status = status
	c.Version++
	c.UpdatedAt = s.clock.Now().UTC()
	return copyCommitment(c), nil
}

func (s *MemStore) ListOutstandingMarketCap(ctx context.Context) ([]*Commitment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Commitment
	for _, c := range s.commitments {
		if c.Status.Terminal() {
			continue
		}
		for i := range c.Milestones {
			m := &c.Milestones[i]
			if m.AutoKind == AutoMarketCap && m.Status == MilestoneLocked {
				out = append(out, copyCommitment(c))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) ListActiveCommitments(ctx context.Context) ([]*Commitment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Commitment
	for _, c := range s.commitments {
		if c.Status.Terminal() {
			continue
		}
		out = append(out, copyCommitment(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) InsertSignal(ctx context.Context, sig *MilestoneSignal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := milestoneKey(sig.CommitmentID, sig.MilestoneID)
	bySigner := s.signals[key]
	if bySigner == nil {
		bySigner = make(map[string]*MilestoneSignal)
		s.signals[key] = bySigner
	}
	if _, ok := bySigner[sig.SignerPubkey]; ok {
		return ErrDuplicateSignal
	}
	stored := *sig
	stored.CreatedAt = s.clock.Now().UTC()
	bySigner[sig.SignerPubkey] = &stored
	return nil
}

func (s *MemStore) TallyMilestone(ctx context.Context, commitmentID, milestoneID string) (Tally, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tallyLocked(commitmentID, milestoneID), nil
}

func (s *MemStore) tallyLocked(commitmentID, milestoneID string) Tally {
	var t Tally
	for _, sig := range s.signals[milestoneKey(commitmentID, milestoneID)] {
		switch sig.Vote {
		case VoteApprove:
			t.Approvals++
		case VoteReject:
			t.Rejections++
		}
	}
	return t
}

func (s *MemStore) TallyCommitment(ctx context.Context, commitmentID string) (map[string]Tally, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Tally)
	c, ok := s.commitments[commitmentID]
	if !ok {
		return nil, ErrNotFound
	}
	for i := range c.Milestones {
		out[c.Milestones[i].ID] = s.tallyLocked(commitmentID, c.Milestones[i].ID)
	}
	return out, nil
}

func (s *MemStore) UpsertVoterSnapshot(ctx context.Context, snap *VoterSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := milestoneKey(snap.CommitmentID, snap.MilestoneID)
	bySigner := s.snapshots[key]
	if bySigner == nil {
		bySigner = make(map[string]*VoterSnapshot)
		s.snapshots[key] = bySigner
	}
	stored := *snap
	stored.UpdatedAt = s.clock.Now().UTC()
	bySigner[snap.SignerPubkey] = &stored
	return nil
}

func (s *MemStore) ListVoterSnapshots(ctx context.Context, commitmentID, milestoneID string) ([]*VoterSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*VoterSnapshot
	for _, snap := range s.snapshots[milestoneKey(commitmentID, milestoneID)] {
		copied := *snap
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SignerPubkey < out[j].SignerPubkey })
	return out, nil
}

func (s *MemStore) AcquirePayoutClaim(ctx context.Context, claim *PayoutClaim) (*PayoutClaim, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := milestoneKey(claim.CommitmentID, claim.MilestoneID)
	if existing, ok := s.payouts[key]; ok {
		copied := *existing
		return &copied, false, nil
	}
	stored := *claim
	stored.CreatedAt = s.clock.Now().UTC()
	s.payouts[key] = &stored
	copied := stored
	return &copied, true, nil
}

func (s *MemStore) SetPayoutClaimTxSig(ctx context.Context, commitmentID, milestoneID, txSig string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	claim, ok := s.payouts[milestoneKey(commitmentID, milestoneID)]
	if !ok {
		return ErrNotFound
	}
	claim.TxSig = txSig
	return nil
}

func (s *MemStore) DeletePayoutClaim(ctx context.Context, commitmentID, milestoneID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.payouts, milestoneKey(commitmentID, milestoneID))
	return nil
}

func (s *MemStore) DeletePayoutClaimIfStale(ctx context.Context, commitmentID, milestoneID string, cutoff time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := milestoneKey(commitmentID, milestoneID)
	claim, ok := s.payouts[key]
	if !ok || claim.TxSig != "" || !claim.CreatedAt.Before(cutoff) {
		return false, nil
	}
	delete(s.payouts, key)
	return true, nil
}

func (s *MemStore) SweepAbandonedPayoutClaims(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for key, claim := range s.payouts {
		if claim.TxSig == "" && claim.CreatedAt.Before(cutoff) {
			delete(s.payouts, key)
			removed++
		}
	}
	return removed, nil
}

func (s *MemStore) InsertMarketCapConfirmation(ctx context.Context, conf *MarketCapConfirmation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := milestoneKey(conf.CommitmentID, conf.MilestoneID)
	if _, ok := s.mcConfirms[key]; ok {
		return false, nil
	}
	stored := *conf
	stored.CreatedAt = s.clock.Now().UTC()
	s.mcConfirms[key] = &stored
	return true, nil
}

func (s *MemStore) PinPair(ctx context.Context, commitmentID, pairAddress string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pinned, ok := s.pairs[commitmentID]; ok {
		return pinned, nil
	}
	s.pairs[commitmentID] = pairAddress
	return pairAddress, nil
}

func (s *MemStore) InsertPriceSnapshot(ctx context.Context, snap *PriceSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[snap.PairAddress] = append(s.prices[snap.PairAddress], *snap)
	return nil
}

func (s *MemStore) ListPriceSnapshots(ctx context.Context, pairAddress string, since time.Time) ([]PriceSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PriceSnapshot
	for _, snap := range s.prices[pairAddress] {
		if !snap.ObservedAt.Before(since) {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObservedAt.Before(out[j].ObservedAt) })
	return out, nil
}

func (s *MemStore) CreateDistribution(ctx context.Context, dist *RewardDistribution, allocs []RewardAllocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := milestoneKey(dist.CommitmentID, dist.MilestoneID)
	if _, ok := s.dists[key]; ok {
		return ErrDuplicate
	}
	stored := *dist
	stored.CreatedAt = s.clock.Now().UTC()
	s.dists[key] = &stored
	s.distsByID[dist.ID] = &stored
	byAlloc := make(map[string]*RewardAllocation, len(allocs))
	for i := range allocs {
		copied := allocs[i]
		byAlloc[copied.SignerPubkey] = &copied
	}
	s.allocs[dist.ID] = byAlloc
	return nil
}

func (s *MemStore) GetDistribution(ctx context.Context, commitmentID, milestoneID string) (*RewardDistribution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dist, ok := s.dists[milestoneKey(commitmentID, milestoneID)]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *dist
	return &copied, nil
}

func (s *MemStore) ListClaimableAllocations(ctx context.Context, signerPubkey string) ([]*RewardAllocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*RewardAllocation
	for distID, bySigner := range s.allocs {
		alloc, ok := bySigner[signerPubkey]
		if !ok {
			continue
		}
		if claim, ok := s.rewards[distID][signerPubkey]; ok && claim.TxSig != "" {
			continue
		}
		copied := *alloc
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistributionID < out[j].DistributionID })
	return out, nil
}

func (s *MemStore) GetAllocation(ctx context.Context, distributionID, signerPubkey string) (*RewardAllocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alloc, ok := s.allocs[distributionID][signerPubkey]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *alloc
	return &copied, nil
}

func (s *MemStore) AcquireRewardClaim(ctx context.Context, claim *RewardClaim) (*RewardClaim, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bySigner := s.rewards[claim.DistributionID]
	if bySigner == nil {
		bySigner = make(map[string]*RewardClaim)
		s.rewards[claim.DistributionID] = bySigner
	}
	if existing, ok := bySigner[claim.SignerPubkey]; ok {
		copied := *existing
		return &copied, false, nil
	}
	stored := *claim
	stored.CreatedAt = s.clock.Now().UTC()
	bySigner[claim.SignerPubkey] = &stored
	copied := stored
	return &copied, true, nil
}

func (s *MemStore) SetRewardClaimTxSig(ctx context.Context, distributionID, signerPubkey, txSig string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	claim, ok := s.rewards[distributionID][signerPubkey]
	if !ok {
		return ErrNotFound
	}
	claim.TxSig = txSig
	return nil
}

func (s *MemStore) DeleteRewardClaim(ctx context.Context, distributionID, signerPubkey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rewards[distributionID], signerPubkey)
	return nil
}

func (s *MemStore) WithAdvisoryLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	s.advisoryMu.Lock()
	lock, ok := s.advisory[key]
	if !ok {
		lock = &sync.Mutex{}
		s.advisory[key] = lock
	}
	s.advisoryMu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	return fn(ctx)
}

func (s *MemStore) InsertWebhookDelivery(ctx context.Context, deliveryID string, payload []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deliveries[deliveryID]; ok {
		return false, nil
	}
	s.deliveries[deliveryID] = append([]byte(nil), payload...)
	return true, nil
}

func (s *MemStore) InsertAuditEvent(ctx context.Context, ev *AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *ev
	stored.CreatedAt = s.clock.Now().UTC()
	s.audits = append(s.audits, &stored)
	return nil
}

// AuditEvents returns a copy of recorded audit events, for tests.
func (s *MemStore) AuditEvents() []*AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*AuditEvent, len(s.audits))
	copy(out, s.audits)
	return out
}
