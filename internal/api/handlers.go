package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/paytochat/paygate/internal/domain"
	"github.com/paytochat/paygate/internal/payment"
	"github.com/paytochat/paygate/internal/service"
	"github.com/paytochat/paygate/internal/store"
)

const historyLimit = 10

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paygate_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"method", "endpoint"})
)

// LedgerStore is the storage surface the handlers need.
type LedgerStore interface {
	EnsureAccount(ctx context.Context, address string) (*domain.Account, error)
	GetAccount(ctx context.Context, address string) (*domain.Account, error)
	GetAccountDetail(ctx context.Context, address string, limit int) (*domain.AccountDetail, error)
	Increment(ctx context.Context, address string, amount int64) (*domain.Account, error)
	Decrement(ctx context.Context, address string, amount int64) (*domain.Account, error)
	GetPayment(ctx context.Context, transactionHash string) (*domain.PaymentRecord, error)
	ListPaymentsForAccount(ctx context.Context, accountID int64, limit int) ([]domain.PaymentRecord, error)
	InsertPaymentIfAbsent(ctx context.Context, record domain.PaymentRecord) (bool, *domain.PaymentRecord, error)
}

// Settler drives the verify/settle pipeline.
type Settler interface {
	Verify(ctx context.Context, rawPayment json.RawMessage) (*service.VerifyResult, error)
	Settle(ctx context.Context, rawPayment json.RawMessage) (*service.SettleResult, error)
}

type Handler struct {
	store      LedgerStore
	settlement Settler
}

func NewHandler(s LedgerStore, svc Settler) *Handler {
	return &Handler{store: s, settlement: svc}
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"}, "GET", "/health")
}

// SettlementHandler accepts {action: "verify"|"settle", payment} where
// payment is a wire-encoded string or a structured payload object.
func (h *Handler) SettlementHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/settlements"))
	defer timer.ObserveDuration()

	var req domain.SettlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/settlements")
		return
	}
	if len(req.Payment) == 0 {
		respondWithError(w, http.StatusBadRequest, "No payment provided", "POST", "/settlements")
		return
	}

	switch req.Action {
	case "verify":
		result, err := h.settlement.Verify(r.Context(), req.Payment)
		if err != nil {
			h.respondSettlementError(w, err, "Payment verification failed", "Network error during verification")
			return
		}
		respondWithJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"valid":   result.Verdict,
		}, "POST", "/settlements")

	case "settle":
		result, err := h.settlement.Settle(r.Context(), req.Payment)
		if err != nil {
			h.respondSettlementError(w, err, "Payment settlement failed", "Network error during settlement")
			return
		}
		respondWithJSON(w, http.StatusOK, map[string]interface{}{
			"success":             true,
			"settlement_id":       result.SettlementID,
			"transaction":         result.Transaction,
			"network":             result.Network,
			"creditsAdded":        result.CreditsAdded,
			"alreadySettled":      result.AlreadySettled,
			"facilitatorResponse": result.Facilitator,
		}, "POST", "/settlements")

	default:
		respondWithError(w, http.StatusBadRequest, "Invalid action", "POST", "/settlements")
	}
}

// respondSettlementError maps pipeline errors onto the service
// boundary: malformed input 400, facilitator rejection 400/502 by
// upstream status, transport failure 503 with a retry hint.
func (h *Handler) respondSettlementError(w http.ResponseWriter, err error, rejectedMsg, networkMsg string) {
	if errors.Is(err, payment.ErrMalformedPayment) || errors.Is(err, payment.ErrDecode) {
		respondWithError(w, http.StatusBadRequest, err.Error(), "POST", "/settlements")
		return
	}

	var rejected *service.RejectedError
	if errors.As(err, &rejected) {
		respondWithJSON(w, rejected.HTTPStatus(), map[string]interface{}{
			"success": false,
			"error":   rejectedMsg,
			"details": rejected.Detail,
			"status":  rejected.UpstreamStatus,
		}, "POST", "/settlements")
		return
	}

	// Transport-level failure, either exhausted retries or a
	// non-retryable fault. Suggest a retry delay.
	w.Header().Set("Retry-After", "5")
	respondWithJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
		"success":    false,
		"error":      networkMsg,
		"details":    err.Error(),
		"retryAfter": 5,
	}, "POST", "/settlements")
}

// CreditsHandler accepts {address, amount, type} with type one of
// "topup", "use", "payment_success". For payment_success the amount is
// the raw payment value in atomic units and is converted server-side.
func (h *Handler) CreditsHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/credits"))
	defer timer.ObserveDuration()

	var req domain.CreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/credits")
		return
	}
	if req.Address == "" {
		respondWithError(w, http.StatusBadRequest, "Address is required", "POST", "/credits")
		return
	}
	address := payment.NormalizeAddress(req.Address)

	if _, err := h.store.EnsureAccount(r.Context(), address); err != nil {
		respondWithError(w, http.StatusInternalServerError, "System error creating account", "POST", "/credits")
		return
	}

	switch req.Type {
	case "topup":
		if req.Amount <= 0 {
			respondWithError(w, http.StatusBadRequest, "Valid amount is required for topup", "POST", "/credits")
			return
		}
		account, err := h.store.Increment(r.Context(), address, req.Amount)
		if err != nil {
			h.respondLedgerError(w, err, "POST", "/credits")
			return
		}
		respondWithJSON(w, http.StatusOK, map[string]interface{}{"success": true, "account": account}, "POST", "/credits")

	case "use":
		if req.Amount <= 0 {
			respondWithError(w, http.StatusBadRequest, "Valid amount is required for credit usage", "POST", "/credits")
			return
		}
		account, err := h.store.Decrement(r.Context(), address, req.Amount)
		if err != nil {
			h.respondLedgerError(w, err, "POST", "/credits")
			return
		}
		respondWithJSON(w, http.StatusOK, map[string]interface{}{"success": true, "account": account}, "POST", "/credits")

	case "payment_success":
		if req.Amount < 0 {
			respondWithError(w, http.StatusBadRequest, "Invalid amount format", "POST", "/credits")
			return
		}
		credits := req.Amount / service.CreditUnit
		account, err := h.store.GetAccount(r.Context(), address)
		if credits > 0 {
			account, err = h.store.Increment(r.Context(), address, credits)
		}
		if err != nil {
			h.respondLedgerError(w, err, "POST", "/credits")
			return
		}
		respondWithJSON(w, http.StatusOK, map[string]interface{}{
			"success":      true,
			"account":      account,
			"creditsAdded": credits,
		}, "POST", "/credits")

	default:
		respondWithError(w, http.StatusBadRequest, "Invalid type. Use 'topup', 'use', or 'payment_success'", "POST", "/credits")
	}
}

func (h *Handler) respondLedgerError(w http.ResponseWriter, err error, method, endpoint string) {
	switch {
	case errors.Is(err, store.ErrInsufficientCredits):
		respondWithError(w, http.StatusPaymentRequired, "Insufficient credits", method, endpoint)
	case errors.Is(err, store.ErrAccountNotFound):
		respondWithError(w, http.StatusNotFound, "Account not found", method, endpoint)
	case errors.Is(err, store.ErrInvalidAmount):
		respondWithError(w, http.StatusBadRequest, "Amount must be positive", method, endpoint)
	default:
		respondWithError(w, http.StatusInternalServerError, "Internal server error", method, endpoint)
	}
}

// CreateAccountHandler validates and upserts a wallet account.
func (h *Handler) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.AccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/accounts")
		return
	}
	if req.Address == "" {
		respondWithError(w, http.StatusBadRequest, "Address is required", "POST", "/accounts")
		return
	}

	address, err := payment.ValidateAndNormalizeAddress(req.Address)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid Ethereum address format", "POST", "/accounts")
		return
	}

	account, err := h.store.EnsureAccount(r.Context(), address)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "System error creating account", "POST", "/accounts")
		return
	}
	respondWithJSON(w, http.StatusOK, account, "POST", "/accounts")
}

// GetAccountHandler returns the account with its recent topups and
// payments.
func (h *Handler) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	address := payment.NormalizeAddress(mux.Vars(r)["address"])

	detail, err := h.store.GetAccountDetail(r.Context(), address, historyLimit)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			respondWithError(w, http.StatusNotFound, "Account not found", "GET", "/accounts/{address}")
			return
		}
		respondWithError(w, http.StatusInternalServerError, "Internal server error", "GET", "/accounts/{address}")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"success": true, "account": detail}, "GET", "/accounts/{address}")
}

// GetAccountPaymentsHandler lists an account's settlement receipts,
// newest first.
func (h *Handler) GetAccountPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	address := payment.NormalizeAddress(mux.Vars(r)["address"])

	limit := historyLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	account, err := h.store.GetAccount(r.Context(), address)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			respondWithError(w, http.StatusNotFound, "Account not found", "GET", "/accounts/{address}/payments")
			return
		}
		respondWithError(w, http.StatusInternalServerError, "Internal server error", "GET", "/accounts/{address}/payments")
		return
	}

	records, err := h.store.ListPaymentsForAccount(r.Context(), account.ID, limit)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Internal server error", "GET", "/accounts/{address}/payments")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"success": true, "payments": records}, "GET", "/accounts/{address}/payments")
}

// CreatePaymentHandler records a settlement receipt directly. The
// transaction hash is the uniqueness key; a duplicate returns the
// prior record with 409.
func (h *Handler) CreatePaymentHandler(w http.ResponseWriter, r *http.Request) {
	var record domain.PaymentRecord
	if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/payments")
		return
	}
	if record.TransactionHash == "" || record.Amount == "" || record.To == "" || record.Network == "" || record.AccountID == 0 {
		respondWithError(w, http.StatusBadRequest, "All fields are required", "POST", "/payments")
		return
	}

	inserted, stored, err := h.store.InsertPaymentIfAbsent(r.Context(), record)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Internal server error", "POST", "/payments")
		return
	}
	if !inserted {
		respondWithJSON(w, http.StatusConflict, map[string]interface{}{
			"error":   "Payment already exists",
			"payment": stored,
		}, "POST", "/payments")
		return
	}
	respondWithJSON(w, http.StatusCreated, map[string]interface{}{"success": true, "payment": stored}, "POST", "/payments")
}

// GetTransactionHandler looks up a settlement receipt by transaction
// hash.
func (h *Handler) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["hash"]

	record, err := h.store.GetPayment(r.Context(), hash)
	if err != nil {
		if errors.Is(err, store.ErrPaymentNotFound) {
			respondWithJSON(w, http.StatusNotFound, map[string]interface{}{
				"success":     false,
				"error":       "Transaction not found",
				"transaction": map[string]string{"hash": hash, "status": "not_found"},
			}, "GET", "/transactions/{hash}")
			return
		}
		respondWithError(w, http.StatusInternalServerError, "Internal server error", "GET", "/transactions/{hash}")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"transaction": record,
		"status":      "confirmed",
	}, "GET", "/transactions/{hash}")
}

// Helpers
func respondWithError(w http.ResponseWriter, code int, message, method, endpoint string) {
	respondWithJSON(w, code, map[string]string{"error": message}, method, endpoint)
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
