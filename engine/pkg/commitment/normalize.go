package commitment

// WindowStartMode selects which timestamp opens a milestone's vote window when
// more than one candidate is set.
type WindowStartMode int

const (
	// WindowStartReviewFirst prefers the explicit review-open timestamp over the
	// due date: opening review is an operator action and overrides the passive
	// schedule.
	WindowStartReviewFirst WindowStartMode = iota
	// WindowStartDueFirst prefers the due date over the review-open timestamp.
	WindowStartDueFirst
)

// NormalizeConfig holds the thresholds the normalizer evaluates against.
type NormalizeConfig struct {
	// VoteCutoffSeconds is the length of the vote window. Default 24h.
	VoteCutoffSeconds int64
	// ClaimDelaySeconds is the mandatory cooling-off period between approval
	// and payout eligibility. Default 48h.
	ClaimDelaySeconds int64
	// ApprovalThreshold is the minimum approve head-count.
	ApprovalThreshold int
	// AutoFailAfterSeconds moves a milestone that failed to gather approval to
	// failed this long after its window closes. Zero disables auto-fail and
	// the milestone stays locked indefinitely.
	AutoFailAfterSeconds int64
	// WindowStart picks the precedence between reviewOpenedAtUnix and
	// dueAtUnix.
	WindowStart WindowStartMode
}

const (
	DefaultVoteCutoffSeconds = 24 * 60 * 60
	DefaultClaimDelaySeconds = 48 * 60 * 60
	DefaultApprovalThreshold = 2
)

func (cfg NormalizeConfig) withDefaults() NormalizeConfig {
	if cfg.VoteCutoffSeconds <= 0 {
		cfg.VoteCutoffSeconds = DefaultVoteCutoffSeconds
	}
	if cfg.ClaimDelaySeconds <= 0 {
		cfg.ClaimDelaySeconds = DefaultClaimDelaySeconds
	}
	if cfg.ApprovalThreshold <= 0 {
		cfg.ApprovalThreshold = DefaultApprovalThreshold
	}
	return cfg
}

// VoteWindow returns the [start, end) vote window for a milestone, or ok=false
// when the milestone has no window yet (not marked complete and no due or
// review-open time).
func (cfg NormalizeConfig) VoteWindow(m *Milestone) (start, end int64, ok bool) {
	cfg = cfg.withDefaults()
	switch cfg.WindowStart {
	case WindowStartDueFirst:
		start = firstNonZero(m.DueAtUnix, m.ReviewOpenedAtUnix, m.CompletedAtUnix)
	default:
		start = firstNonZero(m.ReviewOpenedAtUnix, m.DueAtUnix, m.CompletedAtUnix)
	}
	if start == 0 {
		return 0, 0, false
	}
	return start, start + cfg.VoteCutoffSeconds, true
}

// VotingOpen reports whether a vote cast at nowUnix falls inside the
// milestone's window. Milestones must be marked complete before any vote
// counts.
func (cfg NormalizeConfig) VotingOpen(m *Milestone, nowUnix int64) bool {
	if m.CompletedAtUnix == 0 {
		return false
	}
	start, end, ok := cfg.VoteWindow(m)
	if !ok {
		return false
	}
	return nowUnix >= start && nowUnix < end
}

// Normalize recomputes milestone statuses from the current time and vote
// tallies. It is pure, deterministic, and idempotent: a second call with
// identical inputs returns an equal slice and changed=false.
//
// Only locked milestones are considered. Market-cap milestones are never
// transitioned here; they move through the confirmation job. Approval requires
// the vote window to have closed, the approve head-count to clear the
// threshold, and approvals to strictly exceed rejections.
func Normalize(milestones []Milestone, totalFundedLamports uint64, nowUnix int64, tallies map[string]Tally, cfg NormalizeConfig) ([]Milestone, bool) {
	cfg = cfg.withDefaults()

	out := make([]Milestone, len(milestones))
	copy(out, milestones)
	changed := false

	for i := range out {
		m := &out[i]

		// Freeze the lamport amount on first sight. Percentages are relative
		// to total funding, never to the remaining balance.
		if m.UnlockLamports == 0 && m.UnlockPercent > 0 {
			m.UnlockLamports = totalFundedLamports * uint64(m.UnlockPercent) / 100
			changed = true
		}

		if m.Status != MilestoneLocked {
			continue
		}
		if m.AutoKind == AutoMarketCap {
			continue
		}
		if m.CompletedAtUnix == 0 {
			continue
		}

		_, end, ok := cfg.VoteWindow(m)
		if !ok || nowUnix < end {
			// Window not open or still open: votes are recorded but not yet
			// decisive.
			continue
		}

		t := tallies[m.ID]
		if t.Approvals >= cfg.ApprovalThreshold && t.Approvals > t.Rejections {
			m.Status = MilestoneClaimable
			m.ApprovedAtUnix = nowUnix
			m.ClaimableAtUnix = nowUnix + cfg.ClaimDelaySeconds
			changed = true
			continue
		}

		if cfg.AutoFailAfterSeconds > 0 && nowUnix >= end+cfg.AutoFailAfterSeconds {
			m.Status = MilestoneFailed
			changed = true
		}
	}

	return out, changed
}

// CommitmentStatusFor derives the commitment status from its milestones:
// completed once everything is released, active otherwise. Terminal statuses
// are preserved.
func CommitmentStatusFor(c *Commitment) Status {
	if c.Status == StatusFailed || c.Status == StatusArchived {
		return c.Status
	}
	if c.AllReleased() {
		return StatusCompleted
	}
	if c.Status == StatusCreated {
		return StatusCreated
	}
	return StatusActive
}

func firstNonZero(vals ...int64) int64 {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}
