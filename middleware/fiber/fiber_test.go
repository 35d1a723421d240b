package fiber

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"

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

func newTestApp(cfg Config, handler fiber.Handler) *fiber.App {
	app := fiber.New()
	app.Post("/edit", Middleware(cfg), handler)
	return app
}

func okHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"url": "https://img.example.com/out.png"})
}

func failingHandler(c *fiber.Ctx) error {
	return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "inference failed"})
}

func doRequest(t *testing.T, app *fiber.App, withAccount bool) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/edit", http.NoBody)
	if withAccount {
		req.Header.Set(accountIDHeader, testAccountID)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body failed: %v", err)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("invalid JSON %q: %v", raw, err)
	}
	return body
}

func TestMiddleware_ChargesOnSuccess(t *testing.T) {
	gate, manager := newTestGate(t)
	app := newTestApp(Config{
		Gate:         gate,
		GetAccountID: FromHeader(accountIDHeader),
		GetOperation: FixedOperation(creditmeter.OperationEdit),
	}, okHandler)

	resp := doRequest(t, app, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, expected 200", resp.StatusCode)
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
	app := newTestApp(Config{
		Gate:         gate,
		GetAccountID: FromHeader(accountIDHeader),
		GetOperation: FixedOperation(creditmeter.OperationEdit),
	}, failingHandler)

	resp := doRequest(t, app, true)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, expected 502", resp.StatusCode)
	}

	acc, err := manager.GetAccount(context.Background(), testAccountID)
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if acc.Credits != creditmeter.TierFree.MaxCredits() {
		t.Errorf("credits = %d, failed handler must not be charged", acc.Credits)
	}
}

func TestMiddleware_NoChargeOnHandlerError(t *testing.T) {
	gate, manager := newTestGate(t)
	app := newTestApp(Config{
		Gate:         gate,
		GetAccountID: FromHeader(accountIDHeader),
		GetOperation: FixedOperation(creditmeter.OperationEdit),
	}, func(*fiber.Ctx) error {
		return fiber.NewError(fiber.StatusServiceUnavailable, "inference backend down")
	})

	resp := doRequest(t, app, true)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, expected 503", resp.StatusCode)
	}

	acc, err := manager.GetAccount(context.Background(), testAccountID)
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if acc.Credits != creditmeter.TierFree.MaxCredits() {
		t.Errorf("credits = %d, erroring handler must not be charged", acc.Credits)
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
	app := newTestApp(Config{
		Gate:         gate,
		GetAccountID: FromHeader(accountIDHeader),
		GetOperation: FixedOperation(creditmeter.OperationEdit),
	}, func(c *fiber.Ctx) error {
		handlerRan = true
		return c.SendStatus(fiber.StatusOK)
	})

	resp := doRequest(t, app, true)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, expected 403", resp.StatusCode)
	}
	if handlerRan {
		t.Error("denied request must never reach the handler")
	}

	body := decodeBody(t, resp)
	if body["credits"] != float64(0) {
		t.Errorf("credits = %v, expected 0", body["credits"])
	}
	if body["requiredCredits"] != float64(1) {
		t.Errorf("requiredCredits = %v, expected 1", body["requiredCredits"])
	}
}

func TestMiddleware_UpgradeRequiredDenied(t *testing.T) {
	gate, _ := newTestGate(t)
	app := newTestApp(Config{
		Gate:         gate,
		GetAccountID: FromHeader(accountIDHeader),
		GetOperation: FixedOperation(creditmeter.OperationUpscale),
	}, okHandler)

	resp := doRequest(t, app, true)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, expected 403", resp.StatusCode)
	}

	body := decodeBody(t, resp)
	if body["requiresUpgrade"] != true {
		t.Errorf("requiresUpgrade = %v, expected true", body["requiresUpgrade"])
	}
	if body["requiredTier"] != string(creditmeter.TierBasic) {
		t.Errorf("requiredTier = %v, expected basic", body["requiredTier"])
	}
}

func TestMiddleware_Unauthorized(t *testing.T) {
	gate, _ := newTestGate(t)
	app := newTestApp(Config{
		Gate:         gate,
		GetAccountID: FromHeader(accountIDHeader),
		GetOperation: FixedOperation(creditmeter.OperationEdit),
	}, okHandler)

	resp := doRequest(t, app, false)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, expected 401", resp.StatusCode)
	}
}

func TestMiddleware_HistoryRecordedOnSuccess(t *testing.T) {
	gate, manager := newTestGate(t)
	app := newTestApp(Config{
		Gate:         gate,
		GetAccountID: FromHeader(accountIDHeader),
		GetOperation: FixedOperation(creditmeter.OperationEdit),
		GetHistoryItem: func(c *fiber.Ctx) (string, *creditmeter.EditHistoryItem) {
			return "img-1", &creditmeter.EditHistoryItem{
				Prompt:   c.Get("X-Prompt"),
				ImageURL: "https://img.example.com/out.png",
			}
		},
	}, okHandler)

	req := httptest.NewRequest(http.MethodPost, "/edit", http.NoBody)
	req.Header.Set(accountIDHeader, testAccountID)
	req.Header.Set("X-Prompt", "make it sunny")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
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
	app := fiber.New()
	app.Post("/ai/:operation", Middleware(Config{
		Gate:         gate,
		GetAccountID: FromHeader(accountIDHeader),
		GetOperation: OperationFromParam("operation"),
	}), okHandler)

	req := httptest.NewRequest(http.MethodPost, "/ai/generate", http.NoBody)
	req.Header.Set(accountIDHeader, testAccountID)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, expected 200", resp.StatusCode)
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
