package creditmeter

import "time"

// forcePreserveCredits is the tier-churn guard: it decides whether a
// requested credit refresh on a tier change must be suppressed.
//
// A refresh is suppressed when all of these hold:
//   - the account has changed tier before (LastTierChangeAt set),
//   - the new tier is paid (downgrading to free never refreshes upward),
//   - the account is not at a genuine billing-period boundary, and
//   - the previous tier change is younger than the cooldown.
//
// "Genuine boundary" means now is past the stored currentPeriodEnd. An
// account with no period on record (never billed) is treated as inside a
// cycle, so rapid churn on a free account cannot farm refreshes either.
//
// The guard only suppresses the refresh side effect; the tier change
// itself always proceeds.
func forcePreserveCredits(acc *Account, newTier Tier, now time.Time, cooldown time.Duration) bool {
	if acc.LastTierChangeAt == nil {
		return false
	}
	if newTier == TierFree {
		return false
	}
	if acc.CurrentPeriodEnd != nil && now.After(*acc.CurrentPeriodEnd) {
		return false
	}
	return now.Sub(*acc.LastTierChangeAt) < cooldown
}
