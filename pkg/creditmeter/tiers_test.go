package creditmeter_test

import (
	"context"
	"testing"
	"time"

	"github.com/mihaimyh/creditmeter/pkg/creditmeter"
)

func TestSetTier_CeilingIsPureFunctionOfTier(t *testing.T) {
	tiers := []struct {
		tier creditmeter.Tier
		max  int
	}{
		{creditmeter.TierFree, 30},
		{creditmeter.TierBasic, 100},
		{creditmeter.TierPremium, 300},
		{creditmeter.TierPremiumPlus, 1000},
	}

	for _, tt := range tiers {
		t.Run(string(tt.tier), func(t *testing.T) {
			manager, clock := newTestManager(t)
			ctx := context.Background()

			if _, err := manager.EnsureAccount(ctx, "user_1"); err != nil {
				t.Fatalf("EnsureAccount failed: %v", err)
			}

			// Start from an unrelated ceiling to prove it is recomputed
			if _, err := manager.SetTier(ctx, "user_1", creditmeter.TierPremiumPlus, true, creditmeter.StatusActive); err != nil {
				t.Fatalf("SetTier failed: %v", err)
			}
			clock.Advance(48 * time.Hour)

			acc, err := manager.SetTier(ctx, "user_1", tt.tier, true, creditmeter.StatusActive)
			if err != nil {
				t.Fatalf("SetTier failed: %v", err)
			}
			if acc.MaxCredits != tt.max {
				t.Errorf("tier %s: expected ceiling %d, got %d", tt.tier, tt.max, acc.MaxCredits)
			}
		})
	}
}

func TestSetTier_RefreshAndPreserve(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := manager.EnsureAccount(ctx, "user_1"); err != nil {
		t.Fatalf("EnsureAccount failed: %v", err)
	}
	if _, err := manager.Deduct(ctx, "user_1", 25); err != nil {
		t.Fatalf("Deduct failed: %v", err)
	}

	// preserveCredits=true keeps the spent-down balance
	acc, err := manager.SetTier(ctx, "user_1", creditmeter.TierBasic, true, creditmeter.StatusActive)
	if err != nil {
		t.Fatalf("SetTier failed: %v", err)
	}
	if acc.Credits != 5 {
		t.Errorf("preserve=true must keep balance, got %d", acc.Credits)
	}
	if acc.MaxCredits != 100 {
		t.Errorf("ceiling must still follow tier, got %d", acc.MaxCredits)
	}
	if acc.LastTierChangeAt == nil {
		t.Error("tier change must be stamped")
	}
}

func TestSetTier_GamingGuardSuppressesSecondRefresh(t *testing.T) {
	manager, clock := newTestManager(t)
	ctx := context.Background()

	if _, err := manager.EnsureAccount(ctx, "user_1"); err != nil {
		t.Fatalf("EnsureAccount failed: %v", err)
	}

	// First refreshing change goes through
	acc, err := manager.SetTier(ctx, "user_1", creditmeter.TierPremium, false, creditmeter.StatusActive)
	if err != nil {
		t.Fatalf("SetTier failed: %v", err)
	}
	if acc.Credits != 300 {
		t.Fatalf("first change must refresh, got %d", acc.Credits)
	}

	if _, err := manager.Deduct(ctx, "user_1", 200); err != nil {
		t.Fatalf("Deduct failed: %v", err)
	}

	// Second refreshing change within 24h: tier updates, refresh suppressed
	clock.Advance(2 * time.Hour)
	acc, err = manager.SetTier(ctx, "user_1", creditmeter.TierPremiumPlus, false, creditmeter.StatusActive)
	if err != nil {
		t.Fatalf("SetTier failed: %v", err)
	}
	if acc.Tier != creditmeter.TierPremiumPlus {
		t.Errorf("guard must never block the tier change itself, got %s", acc.Tier)
	}
	if acc.MaxCredits != 1000 {
		t.Errorf("ceiling must follow tier, got %d", acc.MaxCredits)
	}
	if acc.Credits != 100 {
		t.Errorf("second refresh within cooldown must be suppressed, got %d", acc.Credits)
	}

	// After the cooldown the refresh is honored again
	clock.Advance(25 * time.Hour)
	acc, err = manager.SetTier(ctx, "user_1", creditmeter.TierPremium, false, creditmeter.StatusActive)
	if err != nil {
		t.Fatalf("SetTier failed: %v", err)
	}
	if acc.Credits != 300 {
		t.Errorf("refresh past cooldown must apply, got %d", acc.Credits)
	}
}

func TestSetTier_GuardAppliesToNeverBilledAccounts(t *testing.T) {
	// An account with no billing period on record is treated as inside a
	// cycle: churn on a never-billed account cannot farm refreshes.
	manager, clock := newTestManager(t)
	ctx := context.Background()

	if _, err := manager.EnsureAccount(ctx, "user_1"); err != nil {
		t.Fatalf("EnsureAccount failed: %v", err)
	}

	if _, err := manager.SetTier(ctx, "user_1", creditmeter.TierBasic, false, creditmeter.StatusActive); err != nil {
		t.Fatalf("SetTier failed: %v", err)
	}
	if _, err := manager.Deduct(ctx, "user_1", 90); err != nil {
		t.Fatalf("Deduct failed: %v", err)
	}

	clock.Advance(time.Hour)
	acc, err := manager.SetTier(ctx, "user_1", creditmeter.TierBasic, false, creditmeter.StatusActive)
	if err != nil {
		t.Fatalf("SetTier failed: %v", err)
	}
	if acc.Credits != 10 {
		t.Errorf("never-billed churn must not refresh, got %d", acc.Credits)
	}
}

func TestSetTier_GuardExemptsGenuinePeriodBoundary(t *testing.T) {
	manager, clock := newTestManager(t)
	ctx := context.Background()

	if _, err := manager.EnsureAccount(ctx, "user_1"); err != nil {
		t.Fatalf("EnsureAccount failed: %v", err)
	}

	start := clock.Now().UTC().AddDate(0, -1, 0)
	end := clock.Now().UTC().Add(time.Hour)
	if _, err := manager.UpdatePeriod(ctx, "user_1", start, end); err != nil {
		t.Fatalf("UpdatePeriod failed: %v", err)
	}
	if _, err := manager.SetTier(ctx, "user_1", creditmeter.TierPremium, false, creditmeter.StatusActive); err != nil {
		t.Fatalf("SetTier failed: %v", err)
	}
	if _, err := manager.Deduct(ctx, "user_1", 250); err != nil {
		t.Fatalf("Deduct failed: %v", err)
	}

	// Cross the stored period end: the next change is a genuine rollover
	clock.Advance(2 * time.Hour)
	acc, err := manager.SetTier(ctx, "user_1", creditmeter.TierPremium, false, creditmeter.StatusActive)
	if err != nil {
		t.Fatalf("SetTier failed: %v", err)
	}
	if acc.Credits != 300 {
		t.Errorf("refresh at a genuine period boundary must apply, got %d", acc.Credits)
	}
}

func TestSetTier_DowngradeToFreeAlwaysRefreshes(t *testing.T) {
	// Termination resets to fresh free defaults even amid rapid changes:
	// the guard only protects paid-tier refresh farming.
	manager, clock := newTestManager(t)
	ctx := context.Background()

	if _, err := manager.EnsureAccount(ctx, "user_1"); err != nil {
		t.Fatalf("EnsureAccount failed: %v", err)
	}
	if _, err := manager.SetTier(ctx, "user_1", creditmeter.TierPremium, false, creditmeter.StatusActive); err != nil {
		t.Fatalf("SetTier failed: %v", err)
	}
	if _, err := manager.Deduct(ctx, "user_1", 299); err != nil {
		t.Fatalf("Deduct failed: %v", err)
	}

	clock.Advance(time.Minute)
	acc, err := manager.SetTier(ctx, "user_1", creditmeter.TierFree, false, creditmeter.StatusCanceled)
	if err != nil {
		t.Fatalf("SetTier failed: %v", err)
	}
	if acc.Tier != creditmeter.TierFree || acc.Status != creditmeter.StatusCanceled {
		t.Errorf("unexpected state: %+v", acc)
	}
	if acc.Credits != 30 || acc.MaxCredits != 30 {
		t.Errorf("termination must grant fresh free defaults, got %d/%d", acc.Credits, acc.MaxCredits)
	}
}

func TestSetTier_InvalidInputs(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := manager.EnsureAccount(ctx, "user_1"); err != nil {
		t.Fatalf("EnsureAccount failed: %v", err)
	}

	if _, err := manager.SetTier(ctx, "user_1", "platinum", false, creditmeter.StatusActive); err != creditmeter.ErrInvalidTier {
		t.Errorf("expected ErrInvalidTier, got %v", err)
	}
	if _, err := manager.SetTier(ctx, "user_1", creditmeter.TierBasic, false, "paused"); err != creditmeter.ErrInvalidTransition {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := manager.SetTier(ctx, "ghost", creditmeter.TierBasic, false, creditmeter.StatusActive); err != creditmeter.ErrAccountNotFound {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestCancelResume(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := manager.EnsureAccount(ctx, "user_1"); err != nil {
		t.Fatalf("EnsureAccount failed: %v", err)
	}
	if _, err := manager.SetTier(ctx, "user_1", creditmeter.TierPremium, false, creditmeter.StatusActive); err != nil {
		t.Fatalf("SetTier failed: %v", err)
	}

	// Resume without a pending cancellation is illegal
	if _, err := manager.Resume(ctx, "user_1"); err != creditmeter.ErrInvalidTransition {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}

	acc, err := manager.Cancel(ctx, "user_1")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if acc.Status != creditmeter.StatusCanceling {
		t.Errorf("expected canceling, got %s", acc.Status)
	}
	if acc.Tier != creditmeter.TierPremium || acc.Credits != 300 {
		t.Error("cancel must leave tier and credits untouched")
	}

	// Double cancel is illegal
	if _, err := manager.Cancel(ctx, "user_1"); err != creditmeter.ErrInvalidTransition {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}

	acc, err = manager.Resume(ctx, "user_1")
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if acc.Status != creditmeter.StatusActive {
		t.Errorf("expected active, got %s", acc.Status)
	}

	// canceled -> canceling is impossible by construction
	if _, err := manager.SetStatus(ctx, "user_1", creditmeter.StatusCanceled); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	if _, err := manager.Cancel(ctx, "user_1"); err != creditmeter.ErrInvalidTransition {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}
