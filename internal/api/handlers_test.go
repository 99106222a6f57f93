package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"

	"github.com/paytochat/paygate/internal/domain"
	"github.com/paytochat/paygate/internal/facilitator"
	"github.com/paytochat/paygate/internal/service"
	"github.com/paytochat/paygate/internal/store"
)

// MockStore is a mock LedgerStore with overridable behavior.
type MockStore struct {
	EnsureAccountFunc func(ctx context.Context, address string) (*domain.Account, error)
	GetAccountFunc    func(ctx context.Context, address string) (*domain.Account, error)
	IncrementFunc     func(ctx context.Context, address string, amount int64) (*domain.Account, error)
	DecrementFunc     func(ctx context.Context, address string, amount int64) (*domain.Account, error)
	GetPaymentFunc    func(ctx context.Context, transactionHash string) (*domain.PaymentRecord, error)
	InsertPaymentFunc func(ctx context.Context, record domain.PaymentRecord) (bool, *domain.PaymentRecord, error)
}

func (m *MockStore) EnsureAccount(ctx context.Context, address string) (*domain.Account, error) {
	if m.EnsureAccountFunc != nil {
		return m.EnsureAccountFunc(ctx, address)
	}
	return &domain.Account{ID: 1, Address: address}, nil
}

func (m *MockStore) GetAccount(ctx context.Context, address string) (*domain.Account, error) {
	if m.GetAccountFunc != nil {
		return m.GetAccountFunc(ctx, address)
	}
	return &domain.Account{ID: 1, Address: address}, nil
}

func (m *MockStore) GetAccountDetail(ctx context.Context, address string, limit int) (*domain.AccountDetail, error) {
	account, err := m.GetAccount(ctx, address)
	if err != nil {
		return nil, err
	}
	return &domain.AccountDetail{Account: *account}, nil
}

func (m *MockStore) Increment(ctx context.Context, address string, amount int64) (*domain.Account, error) {
	if m.IncrementFunc != nil {
		return m.IncrementFunc(ctx, address, amount)
	}
	return &domain.Account{ID: 1, Address: address, Credits: amount}, nil
}

func (m *MockStore) Decrement(ctx context.Context, address string, amount int64) (*domain.Account, error) {
	if m.DecrementFunc != nil {
		return m.DecrementFunc(ctx, address, amount)
	}
	return &domain.Account{ID: 1, Address: address, Credits: 0}, nil
}

func (m *MockStore) GetPayment(ctx context.Context, transactionHash string) (*domain.PaymentRecord, error) {
	if m.GetPaymentFunc != nil {
		return m.GetPaymentFunc(ctx, transactionHash)
	}
	return &domain.PaymentRecord{ID: 1, TransactionHash: transactionHash}, nil
}

func (m *MockStore) ListPaymentsForAccount(ctx context.Context, accountID int64, limit int) ([]domain.PaymentRecord, error) {
	return nil, nil
}

func (m *MockStore) InsertPaymentIfAbsent(ctx context.Context, record domain.PaymentRecord) (bool, *domain.PaymentRecord, error) {
	if m.InsertPaymentFunc != nil {
		return m.InsertPaymentFunc(ctx, record)
	}
	stored := record
	stored.ID = 1
	return true, &stored, nil
}

// MockSettler is a mock Settler.
type MockSettler struct {
	VerifyFunc func(ctx context.Context, rawPayment json.RawMessage) (*service.VerifyResult, error)
	SettleFunc func(ctx context.Context, rawPayment json.RawMessage) (*service.SettleResult, error)
}

func (m *MockSettler) Verify(ctx context.Context, rawPayment json.RawMessage) (*service.VerifyResult, error) {
	if m.VerifyFunc != nil {
		return m.VerifyFunc(ctx, rawPayment)
	}
	return &service.VerifyResult{Verdict: json.RawMessage(`{"isValid":true}`)}, nil
}

func (m *MockSettler) Settle(ctx context.Context, rawPayment json.RawMessage) (*service.SettleResult, error) {
	if m.SettleFunc != nil {
		return m.SettleFunc(ctx, rawPayment)
	}
	return &service.SettleResult{
		SettlementID: "c1a2",
		Transaction:  "0xtxhash",
		Network:      "base-sepolia",
		CreditsAdded: 10,
	}, nil
}

func newRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/settlements", h.SettlementHandler).Methods("POST")
	apiV1.HandleFunc("/credits", h.CreditsHandler).Methods("POST")
	apiV1.HandleFunc("/accounts", h.CreateAccountHandler).Methods("POST")
	apiV1.HandleFunc("/accounts/{address}", h.GetAccountHandler).Methods("GET")
	apiV1.HandleFunc("/accounts/{address}/payments", h.GetAccountPaymentsHandler).Methods("GET")
	apiV1.HandleFunc("/payments", h.CreatePaymentHandler).Methods("POST")
	apiV1.HandleFunc("/transactions/{hash}", h.GetTransactionHandler).Methods("GET")
	return r
}

func doJSON(t *testing.T, r http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestSettlementHandlerRequiresPayment(t *testing.T) {
	h := NewHandler(&MockStore{}, &MockSettler{})
	rec := doJSON(t, newRouter(h), "POST", "/api/v1/settlements", map[string]interface{}{"action": "verify"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestSettlementHandlerInvalidAction(t *testing.T) {
	h := NewHandler(&MockStore{}, &MockSettler{})
	rec := doJSON(t, newRouter(h), "POST", "/api/v1/settlements", map[string]interface{}{
		"action":  "refund",
		"payment": "ZmFrZQ==",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestSettlementHandlerVerifySuccess(t *testing.T) {
	h := NewHandler(&MockStore{}, &MockSettler{})
	rec := doJSON(t, newRouter(h), "POST", "/api/v1/settlements", map[string]interface{}{
		"action":  "verify",
		"payment": "ZmFrZQ==",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Success bool            `json:"success"`
		Valid   json.RawMessage `json:"valid"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success {
		t.Error("expected success true")
	}
	if string(resp.Valid) != `{"isValid":true}` {
		t.Errorf("verdict not passed through: %s", resp.Valid)
	}
}

func TestSettlementHandlerSettleSuccess(t *testing.T) {
	h := NewHandler(&MockStore{}, &MockSettler{})
	rec := doJSON(t, newRouter(h), "POST", "/api/v1/settlements", map[string]interface{}{
		"action":  "settle",
		"payment": "ZmFrZQ==",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Success      bool   `json:"success"`
		Transaction  string `json:"transaction"`
		CreditsAdded int64  `json:"creditsAdded"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success || resp.Transaction != "0xtxhash" || resp.CreditsAdded != 10 {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestSettlementHandlerTransportFailure(t *testing.T) {
	settler := &MockSettler{
		SettleFunc: func(ctx context.Context, rawPayment json.RawMessage) (*service.SettleResult, error) {
			return nil, &facilitator.UnreachableError{Attempts: 4, Err: errors.New("no such host")}
		},
	}
	h := NewHandler(&MockStore{}, settler)
	rec := doJSON(t, newRouter(h), "POST", "/api/v1/settlements", map[string]interface{}{
		"action":  "settle",
		"payment": "ZmFrZQ==",
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "5" {
		t.Errorf("expected Retry-After: 5, got %q", rec.Header().Get("Retry-After"))
	}
}

func TestSettlementHandlerRejectionMapping(t *testing.T) {
	settler := &MockSettler{
		VerifyFunc: func(ctx context.Context, rawPayment json.RawMessage) (*service.VerifyResult, error) {
			return nil, &service.RejectedError{
				Stage:          service.StateVerified,
				UpstreamStatus: http.StatusInternalServerError,
				Detail:         json.RawMessage(`{"error":"facilitator exploded"}`),
			}
		},
	}
	h := NewHandler(&MockStore{}, settler)
	rec := doJSON(t, newRouter(h), "POST", "/api/v1/settlements", map[string]interface{}{
		"action":  "verify",
		"payment": "ZmFrZQ==",
	})
	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502 for upstream 5xx, got %d", rec.Code)
	}
}

func TestCreditsHandlerRequiresAddress(t *testing.T) {
	h := NewHandler(&MockStore{}, &MockSettler{})
	rec := doJSON(t, newRouter(h), "POST", "/api/v1/credits", map[string]interface{}{
		"amount": 5, "type": "topup",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestCreditsHandlerUseInsufficient(t *testing.T) {
	st := &MockStore{
		DecrementFunc: func(ctx context.Context, address string, amount int64) (*domain.Account, error) {
			return nil, store.ErrInsufficientCredits
		},
	}
	h := NewHandler(st, &MockSettler{})
	rec := doJSON(t, newRouter(h), "POST", "/api/v1/credits", map[string]interface{}{
		"address": "0xAbC0000000000000000000000000000000000001",
		"amount":  1,
		"type":    "use",
	})
	if rec.Code != http.StatusPaymentRequired {
		t.Errorf("expected 402, got %d", rec.Code)
	}
}

func TestCreditsHandlerUseNormalizesAddress(t *testing.T) {
	var gotAddress string
	st := &MockStore{
		DecrementFunc: func(ctx context.Context, address string, amount int64) (*domain.Account, error) {
			gotAddress = address
			return &domain.Account{ID: 1, Address: address, Credits: 4}, nil
		},
	}
	h := NewHandler(st, &MockSettler{})
	rec := doJSON(t, newRouter(h), "POST", "/api/v1/credits", map[string]interface{}{
		"address": "0xAbC0000000000000000000000000000000000001",
		"amount":  1,
		"type":    "use",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if gotAddress != "0xabc0000000000000000000000000000000000001" {
		t.Errorf("address not normalized: %s", gotAddress)
	}
}

func TestCreditsHandlerTopupRequiresPositiveAmount(t *testing.T) {
	h := NewHandler(&MockStore{}, &MockSettler{})
	rec := doJSON(t, newRouter(h), "POST", "/api/v1/credits", map[string]interface{}{
		"address": "0xAbC0000000000000000000000000000000000001",
		"amount":  0,
		"type":    "topup",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestCreditsHandlerPaymentSuccessConvertsUnits(t *testing.T) {
	var granted int64
	st := &MockStore{
		IncrementFunc: func(ctx context.Context, address string, amount int64) (*domain.Account, error) {
			granted = amount
			return &domain.Account{ID: 1, Address: address, Credits: amount}, nil
		},
	}
	h := NewHandler(st, &MockSettler{})
	rec := doJSON(t, newRouter(h), "POST", "/api/v1/credits", map[string]interface{}{
		"address": "0xAbC0000000000000000000000000000000000001",
		"amount":  25999,
		"type":    "payment_success",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if granted != 25 {
		t.Errorf("expected floor(25999/1000)=25 credits, got %d", granted)
	}
}

func TestCreditsHandlerInvalidType(t *testing.T) {
	h := NewHandler(&MockStore{}, &MockSettler{})
	rec := doJSON(t, newRouter(h), "POST", "/api/v1/credits", map[string]interface{}{
		"address": "0xAbC0000000000000000000000000000000000001",
		"amount":  5,
		"type":    "withdraw",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestCreateAccountHandlerValidatesAddress(t *testing.T) {
	h := NewHandler(&MockStore{}, &MockSettler{})
	rec := doJSON(t, newRouter(h), "POST", "/api/v1/accounts", map[string]interface{}{
		"address": "not-an-address",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestCreateAccountHandlerUpserts(t *testing.T) {
	var gotAddress string
	st := &MockStore{
		EnsureAccountFunc: func(ctx context.Context, address string) (*domain.Account, error) {
			gotAddress = address
			return &domain.Account{ID: 1, Address: address}, nil
		},
	}
	h := NewHandler(st, &MockSettler{})
	rec := doJSON(t, newRouter(h), "POST", "/api/v1/accounts", map[string]interface{}{
		"address": "0xAbC0000000000000000000000000000000000001",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if gotAddress != "0xabc0000000000000000000000000000000000001" {
		t.Errorf("address not normalized: %s", gotAddress)
	}
}

func TestGetAccountHandlerNotFound(t *testing.T) {
	st := &MockStore{
		GetAccountFunc: func(ctx context.Context, address string) (*domain.Account, error) {
			return nil, store.ErrAccountNotFound
		},
	}
	h := NewHandler(st, &MockSettler{})
	req := httptest.NewRequest("GET", "/api/v1/accounts/0xAbC0000000000000000000000000000000000001", nil)
	rec := httptest.NewRecorder()
	newRouter(h).ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestCreatePaymentHandlerDuplicate(t *testing.T) {
	st := &MockStore{
		InsertPaymentFunc: func(ctx context.Context, record domain.PaymentRecord) (bool, *domain.PaymentRecord, error) {
			existing := record
			existing.ID = 9
			return false, &existing, nil
		},
	}
	h := NewHandler(st, &MockSettler{})
	rec := doJSON(t, newRouter(h), "POST", "/api/v1/payments", map[string]interface{}{
		"transaction_hash": "0xtxhash",
		"amount":           "10000",
		"to":               "0xEAde2298C7d1b5C748103da66D6Dd9Cf204E2AD2",
		"network":          "base-sepolia",
		"account_id":       1,
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for duplicate hash, got %d", rec.Code)
	}
}

func TestGetTransactionHandler(t *testing.T) {
	h := NewHandler(&MockStore{}, &MockSettler{})
	req := httptest.NewRequest("GET", "/api/v1/transactions/0xtxhash", nil)
	rec := httptest.NewRecorder()
	newRouter(h).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	st := &MockStore{
		GetPaymentFunc: func(ctx context.Context, transactionHash string) (*domain.PaymentRecord, error) {
			return nil, store.ErrPaymentNotFound
		},
	}
	h = NewHandler(st, &MockSettler{})
	req = httptest.NewRequest("GET", "/api/v1/transactions/0xmissing", nil)
	rec = httptest.NewRecorder()
	newRouter(h).ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestGetTransactionHandlerStoreFailure(t *testing.T) {
	st := &MockStore{
		GetPaymentFunc: func(ctx context.Context, transactionHash string) (*domain.PaymentRecord, error) {
			return nil, errors.New("connection refused")
		},
	}
	h := NewHandler(st, &MockSettler{})
	req := httptest.NewRequest("GET", "/api/v1/transactions/0xtxhash", nil)
	rec := httptest.NewRecorder()
	newRouter(h).ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("store failure must not masquerade as 404, expected 500, got %d", rec.Code)
	}
}
