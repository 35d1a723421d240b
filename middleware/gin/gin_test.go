package gin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/creditmeter/pkg/creditmeter"
	"github.com/mihaimyh/creditmeter/storage/memory"
)

const (
	testAccountID   = "acct-user-123"
	accountIDHeader = "X-Account-ID"
)

func newTestGate(t *testing.T) (*creditmeter.Gate, *creditmeter.Manager) {
	t.Helper()
	manager, err := creditmeter.NewManager(memory.New(), creditmeter.Config{})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	gate, err := creditmeter.NewGate(manager, creditmeter.GateConfig{})
	if err != nil {
		t.Fatalf("NewGate failed: %v", err)
	}
	return gate, manager
}

func newTestApp(cfg Config, handler gongin.HandlerFunc) *gongin.Engine {
	gongin.SetMode(gongin.TestMode)
	engine := gongin.New()
	engine.POST("/edit", Middleware(cfg), handler)
	return engine
}

func okHandler(c *gongin.Context) {
	c.JSON(http.StatusOK, gongin.H{"url": "https://img.example.com/out.png"})
}

func failingHandler(c *gongin.Context) {
	c.JSON(http.StatusBadGateway, gongin.H{"error": "inference failed"})
}

func doRequest(t *testing.T, engine *gongin.Engine, withAccount bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/edit", http.NoBody)
	if withAccount {
		req.Header.Set(accountIDHeader, testAccountID)
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestMiddleware_ChargesOnSuccess(t *testing.T) {
	gate, manager := newTestGate(t)
	engine := newTestApp(Config{
		Gate:         gate,
		GetAccountID: FromHeader(accountIDHeader),
		GetOperation: FixedOperation(creditmeter.OperationEdit),
	}, okHandler)

	w := doRequest(t, engine, true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, expected 200", w.Code)
	}

	acc, err := manager.GetAccount(context.Background(), testAccountID)
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if acc.Credits != creditmeter.TierFree.MaxCredits()-1 {
		t.Errorf("credits = %d, expected %d", acc.Credits, creditmeter.TierFree.MaxCredits()-1)
	}
}

func TestMiddleware_NoChargeOnHandlerFailure(t *testing.T) {
	gate, manager := newTestGate(t)
	engine := newTestApp(Config{
		Gate:         gate,
		GetAccountID: FromHeader(accountIDHeader),
		GetOperation: FixedOperation(creditmeter.OperationEdit),
	}, failingHandler)

	w := doRequest(t, engine, true)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, expected 502", w.Code)
	}

	acc, err := manager.GetAccount(context.Background(), testAccountID)
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if acc.Credits != creditmeter.TierFree.MaxCredits() {
		t.Errorf("credits = %d, failed handler must not be charged", acc.Credits)
	}
}

func TestMiddleware_InsufficientCreditsDenied(t *testing.T) {
	gate, manager := newTestGate(t)
	ctx := context.Background()

	if _, err := manager.EnsureAccount(ctx, testAccountID); err != nil {
		t.Fatalf("EnsureAccount failed: %v", err)
	}
	for i := 0; i < creditmeter.TierFree.MaxCredits(); i++ {
		if _, err := manager.Deduct(ctx, testAccountID, 1); err != nil {
			t.Fatalf("Deduct failed: %v", err)
		}
	}

	handlerRan := false
	engine := newTestApp(Config{
		Gate:         gate,
		GetAccountID: FromHeader(accountIDHeader),
		GetOperation: FixedOperation(creditmeter.OperationEdit),
	}, func(c *gongin.Context) {
		handlerRan = true
		c.Status(http.StatusOK)
	})

	w := doRequest(t, engine, true)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, expected 403", w.Code)
	}
	if handlerRan {
		t.Error("denied request must never reach the handler")
	}

	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body["credits"] != float64(0) {
		t.Errorf("credits = %v, expected 0", body["credits"])
	}
	if body["requiredCredits"] != float64(1) {
		t.Errorf("requiredCredits = %v, expected 1", body["requiredCredits"])
	}
}

func TestMiddleware_UpgradeRequiredDenied(t *testing.T) {
	gate, _ := newTestGate(t)
	engine := newTestApp(Config{
		Gate:         gate,
		GetAccountID: FromHeader(accountIDHeader),
		GetOperation: FixedOperation(creditmeter.OperationUpscale),
	}, okHandler)

	w := doRequest(t, engine, true)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, expected 403", w.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body["requiresUpgrade"] != true {
		t.Errorf("requiresUpgrade = %v, expected true", body["requiresUpgrade"])
	}
	if body["requiredTier"] != string(creditmeter.TierBasic) {
		t.Errorf("requiredTier = %v, expected basic", body["requiredTier"])
	}
}

func TestMiddleware_Unauthorized(t *testing.T) {
	gate, _ := newTestGate(t)
	engine := newTestApp(Config{
		Gate:         gate,
		GetAccountID: FromHeader(accountIDHeader),
		GetOperation: FixedOperation(creditmeter.OperationEdit),
	}, okHandler)

	w := doRequest(t, engine, false)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, expected 401", w.Code)
	}
}

func TestMiddleware_HistoryRecordedOnSuccess(t *testing.T) {
	gate, manager := newTestGate(t)
	engine := newTestApp(Config{
		Gate:         gate,
		GetAccountID: FromHeader(accountIDHeader),
		GetOperation: FixedOperation(creditmeter.OperationEdit),
		GetHistoryItem: func(c *gongin.Context) (string, *creditmeter.EditHistoryItem) {
			return "img-1", &creditmeter.EditHistoryItem{
				Prompt:   c.GetHeader("X-Prompt"),
				ImageURL: "https://img.example.com/out.png",
			}
		},
	}, okHandler)

	req := httptest.NewRequest(http.MethodPost, "/edit", http.NoBody)
	req.Header.Set(accountIDHeader, testAccountID)
	req.Header.Set("X-Prompt", "make it sunny")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	history, err := manager.EditHistory(context.Background(), testAccountID, "img-1")
	if err != nil {
		t.Fatalf("EditHistory failed: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history length = %d, expected 1", len(history))
	}
	if history[0].Prompt != "make it sunny" {
		t.Errorf("prompt = %q", history[0].Prompt)
	}
}

func TestMiddleware_OperationFromParam(t *testing.T) {
	gate, manager := newTestGate(t)
	gongin.SetMode(gongin.TestMode)
	engine := gongin.New()
	engine.POST("/ai/:operation", Middleware(Config{
		Gate:         gate,
		GetAccountID: FromHeader(accountIDHeader),
		GetOperation: OperationFromParam("operation"),
	}), okHandler)

	req := httptest.NewRequest(http.MethodPost, "/ai/generate", http.NoBody)
	req.Header.Set(accountIDHeader, testAccountID)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, expected 200", w.Code)
	}
	acc, err := manager.GetAccount(context.Background(), testAccountID)
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if acc.Credits != creditmeter.TierFree.MaxCredits()-1 {
		t.Errorf("credits = %d, expected generate to cost 1", acc.Credits)
	}
}

func TestMiddleware_PanicsOnMissingGate(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for missing Gate")
		}
	}()
	Middleware(Config{
		GetAccountID: FromHeader(accountIDHeader),
		GetOperation: FixedOperation(creditmeter.OperationEdit),
	})
}
