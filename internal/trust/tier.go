// Package trust classifies write operations into confirmation tiers and
// drives proposals through their lifecycle: creation, confirmation or
// rejection, and idempotent execution.
package trust

import "fmt"

// Tier is the confirmation requirement attached to an operation.
type Tier string

const (
	// TierAuto executes immediately; the proposal record exists for audit.
	TierAuto Tier = "auto"

	// TierSoftConfirm requires a confirmation from the conversation
	// counterpart before execution.
	TierSoftConfirm Tier = "soft_confirm"

	// TierHardConfirm requires explicit confirmation of a preview that
	// restates the exact payload to be written.
	TierHardConfirm Tier = "hard_confirm"
)

func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierAuto, TierSoftConfirm, TierHardConfirm:
		return Tier(s), nil
	}
	return "", fmt.Errorf("unknown trust tier %q", s)
}

// RequiresConfirmation reports whether execution must wait for an explicit
// confirm call.
func (t Tier) RequiresConfirmation() bool {
	return t != TierAuto
}

func (t Tier) String() string { return string(t) }
