package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tillbook/backend/internal/cache"
	"tillbook/backend/internal/domain"
	"tillbook/backend/internal/service"
	"tillbook/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()
	t.Setenv("SEED_ADMIN_PASSWORD", "admin123")
	t.Setenv("SEED_CASHIER_PASSWORD", "cashier123")

	repo := memory.NewSeeded()
	svc := service.New(repo, cache.Noop{}, service.Options{InvoicePrefix: "INV"})
	auth := NewAuthManager("test-secret-key", time.Hour, repo)
	return New(svc, auth, "*")
}

func login(t *testing.T, handler http.Handler, username string, password string) string {
	t.Helper()
	payload, _ := json.Marshal(map[string]string{"username": username, "password": password})
	req := httptest.NewRequest(http.MethodPost, "/api/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login as %s failed: %d %s", username, rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return resp.AccessToken
}

func doJSON(handler http.Handler, method string, path string, token string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	handler := newTestAPI(t).Handler()

	rec := doJSON(handler, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status:ok, got %v", body)
	}
}

func TestHandleLoginInvalidCredentials(t *testing.T) {
	handler := newTestAPI(t).Handler()

	rec := doJSON(handler, http.MethodPost, "/api/login", "", map[string]string{
		"username": "admin", "password": "wrongpassword",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestProductsRequireAuth(t *testing.T) {
	handler := newTestAPI(t).Handler()

	rec := doJSON(handler, http.MethodGet, "/api/products", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestProductsWithValidToken(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := login(t, handler, "admin", "admin123")

	rec := doJSON(handler, http.MethodGet, "/api/products", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["products"] == nil {
		t.Fatalf("expected products key, got %v", body)
	}
}

func TestAdminRoutesForbiddenForCashier(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := login(t, handler, "cashier", "cashier123")

	rec := doJSON(handler, http.MethodPost, "/api/products", token, map[string]any{
		"name": "Permen", "price": "500", "track_stock": true,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier on admin route, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestTransactionFlowOverHTTP(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := login(t, handler, "cashier", "cashier123")

	rec := doJSON(handler, http.MethodPost, "/api/transactions", token, map[string]any{
		"items":          []map[string]any{{"product_id": "prd-kopi-sachet", "quantity": 2}},
		"payment_method": "cash",
		"paid_amount":    "10000",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var tx domain.Transaction
	if err := json.NewDecoder(rec.Body).Decode(&tx); err != nil {
		t.Fatalf("decode transaction: %v", err)
	}
	if !tx.Total.Equal(tx.Subtotal) || tx.Total.String() != "5200" {
		t.Fatalf("expected total 5200, got %s", tx.Total)
	}

	byInvoice := doJSON(handler, http.MethodGet, "/api/transactions/invoice/"+tx.InvoiceNumber, token, nil)
	if byInvoice.Code != http.StatusOK {
		t.Fatalf("invoice lookup failed: %d %s", byInvoice.Code, byInvoice.Body.String())
	}

	void := doJSON(handler, http.MethodPost, "/api/transactions/"+tx.ID+"/void", token, map[string]any{
		"reason": "wrong item scanned",
	})
	if void.Code != http.StatusOK {
		t.Fatalf("void failed: %d %s", void.Code, void.Body.String())
	}

	again := doJSON(handler, http.MethodPost, "/api/transactions/"+tx.ID+"/void", token, map[string]any{
		"reason": "again",
	})
	if again.Code != http.StatusConflict {
		t.Fatalf("expected 409 on double void, got %d", again.Code)
	}
}

func TestValidationErrorsReturn400(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := login(t, handler, "cashier", "cashier123")

	rec := doJSON(handler, http.MethodPost, "/api/transactions", token, map[string]any{
		"payment_method": "cash",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing items, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestUnknownTransactionReturns404(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := login(t, handler, "cashier", "cashier123")

	rec := doJSON(handler, http.MethodGet, "/api/transactions/trx-missing", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
