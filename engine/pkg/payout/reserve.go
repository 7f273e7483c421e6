package payout

import "github.com/anchorworks/escrowd/engine/pkg/commitment"

// ReservedLamports sums the escrow obligations that must be preserved when
// paying out the milestone named by exclude: every other milestone that is
// already approved or claimable but not yet released. A release that would
// dip into those funds starves a payout the commitment has already promised.
func ReservedLamports(c *commitment.Commitment, exclude string) uint64 {
	var reserved uint64
	for i := range c.Milestones {
		m := &c.Milestones[i]
		if m.ID == exclude {
			continue
		}
		switch m.Status {
		case commitment.MilestoneApproved, commitment.MilestoneClaimable:
			reserved += m.UnlockLamports
		}
	}
	return reserved
}

// AvailableLamports is the balance usable for one release after reservations.
func AvailableLamports(balance, reserved uint64) uint64 {
	if reserved >= balance {
		return 0
	}
	return balance - reserved
}
