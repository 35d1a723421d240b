package firestore

import (
	"context"
	"fmt"
	"net"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/mihaimyh/creditmeter/pkg/creditmeter"
)

const (
	testProjectID = "test-project"
	emulatorHost  = "localhost:8080"
)

func setupTestStorage(t *testing.T) *Storage {
	t.Helper()

	conn, err := net.DialTimeout("tcp", emulatorHost, time.Second)
	if err != nil {
		t.Skipf("Firestore emulator not available: %v", err)
	}
	conn.Close()

	os.Setenv("FIRESTORE_EMULATOR_HOST", emulatorHost)

	ctx := context.Background()
	client, err := firestore.NewClient(ctx, testProjectID)
	if err != nil {
		t.Fatalf("Failed to create Firestore client: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	// Unique collections per test run so runs don't interfere
	suffix := fmt.Sprintf("%s_%d", t.Name(), time.Now().UnixNano())
	s, err := New(client, Config{
		AccountsCollection: "test_accounts_" + suffix,
		HistoryCollection:  "test_history_" + suffix,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

func newTestAccount(id string) *creditmeter.Account {
	return &creditmeter.Account{
		ID:         id,
		Tier:       creditmeter.TierFree,
		Credits:    creditmeter.TierFree.MaxCredits(),
		MaxCredits: creditmeter.TierFree.MaxCredits(),
		Status:     creditmeter.StatusActive,
	}
}

func TestNew(t *testing.T) {
	if _, err := New(nil, Config{}); err == nil {
		t.Error("expected error for nil client")
	}
}

func TestStorage_GetPutAccount(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	if _, err := s.GetAccount(ctx, "user1"); err != creditmeter.ErrAccountNotFound {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}

	acc := newTestAccount("user1")
	acc.BillingCustomerRef = "cus_123"
	acc.BillingSubscriptionRef = "sub_456"
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	acc.CurrentPeriodStart = &start

	if err := s.PutAccount(ctx, acc); err != nil {
		t.Fatalf("PutAccount failed: %v", err)
	}

	retrieved, err := s.GetAccount(ctx, "user1")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if retrieved.Credits != 30 || retrieved.Tier != creditmeter.TierFree {
		t.Errorf("account mismatch: %+v", retrieved)
	}
	if retrieved.CurrentPeriodStart == nil || !retrieved.CurrentPeriodStart.Equal(start) {
		t.Errorf("period start mismatch: %v", retrieved.CurrentPeriodStart)
	}

	found, err := s.FindByCustomerRef(ctx, "cus_123")
	if err != nil || found.ID != "user1" {
		t.Errorf("FindByCustomerRef: %v %v", found, err)
	}
	found, err = s.FindBySubscriptionRef(ctx, "sub_456")
	if err != nil || found.ID != "user1" {
		t.Errorf("FindBySubscriptionRef: %v %v", found, err)
	}
	if _, err := s.FindByCustomerRef(ctx, ""); err != creditmeter.ErrAccountNotFound {
		t.Errorf("empty ref must be not-found, got %v", err)
	}
}

func TestStorage_DeductCredits(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	if err := s.PutAccount(ctx, newTestAccount("user1")); err != nil {
		t.Fatalf("PutAccount failed: %v", err)
	}

	applied, err := s.DeductCredits(ctx, "user1", 10)
	if err != nil || !applied {
		t.Fatalf("expected deduction to apply, got applied=%v err=%v", applied, err)
	}

	applied, err = s.DeductCredits(ctx, "user1", 21)
	if err != nil {
		t.Fatalf("DeductCredits failed: %v", err)
	}
	if applied {
		t.Error("deduction past zero must be rejected")
	}

	acc, err := s.GetAccount(ctx, "user1")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if acc.Credits != 20 {
		t.Errorf("expected 20 credits, got %d", acc.Credits)
	}

	if _, err := s.DeductCredits(ctx, "missing", 1); err != creditmeter.ErrAccountNotFound {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestStorage_UpdateAccount(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	if err := s.PutAccount(ctx, newTestAccount("user1")); err != nil {
		t.Fatalf("PutAccount failed: %v", err)
	}

	acc, err := s.UpdateAccount(ctx, "user1", func(acc *creditmeter.Account) error {
		acc.Tier = creditmeter.TierPremium
		acc.MaxCredits = creditmeter.TierPremium.MaxCredits()
		acc.Credits = acc.MaxCredits
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateAccount failed: %v", err)
	}
	if acc.Credits != 300 {
		t.Errorf("expected 300 credits, got %d", acc.Credits)
	}

	wantErr := creditmeter.ErrInvalidTransition
	if _, err := s.UpdateAccount(ctx, "user1", func(acc *creditmeter.Account) error {
		acc.Credits = 0
		return wantErr
	}); err != wantErr {
		t.Errorf("expected mutate error surfaced, got %v", err)
	}

	acc, err = s.GetAccount(ctx, "user1")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if acc.Credits != 300 {
		t.Errorf("failed mutate must leave account untouched, got %d", acc.Credits)
	}
}

func TestStorage_EditHistory(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	items, err := s.GetEditHistory(ctx, "user1", "img1")
	if err != nil {
		t.Fatalf("GetEditHistory failed: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("expected empty history, got %d items", len(items))
	}

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i, prompt := range []string{"first", "second"} {
		err := s.AppendEditHistory(ctx, "user1", "img1", creditmeter.EditHistoryItem{
			Prompt:    prompt,
			ImageURL:  "https://img.example/out.png",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("AppendEditHistory failed: %v", err)
		}
	}

	items, err = s.GetEditHistory(ctx, "user1", "img1")
	if err != nil {
		t.Fatalf("GetEditHistory failed: %v", err)
	}
	if len(items) != 2 || items[0].Prompt != "first" || items[1].Prompt != "second" {
		t.Errorf("history order mismatch: %+v", items)
	}

	items, err = s.GetEditHistory(ctx, "user1", "img2")
	if err != nil {
		t.Fatalf("GetEditHistory failed: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("history must be scoped per image, got %d items", len(items))
	}
}
