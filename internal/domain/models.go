package domain

import (
	"encoding/json"
	"time"
)

// Account represents a wallet's credit balance. Address is the unique
// key, stored lower-cased.
type Account struct {
	ID        int64     `json:"id"`
	Address   string    `json:"address"`
	Credits   int64     `json:"credits"`
	CreatedAt time.Time `json:"created_at"`
}

// PaymentRecord is the durable receipt of one completed settlement.
// TransactionHash is globally unique and acts as the idempotence key
// for the combined record-insert + credit-grant operation.
type PaymentRecord struct {
	ID              int64     `json:"id"`
	TransactionHash string    `json:"transaction_hash"`
	Amount          string    `json:"amount"`
	To              string    `json:"to"`
	Network         string    `json:"network"`
	AccountID       int64     `json:"account_id"`
	CreatedAt       time.Time `json:"created_at"`
}

// TopUpEvent records a single credit grant for audit history.
type TopUpEvent struct {
	ID        int64     `json:"id"`
	Amount    int64     `json:"amount"`
	AccountID int64     `json:"account_id"`
	CreatedAt time.Time `json:"created_at"`
}

// PaymentRequirements is the fixed x402 "exact" scheme requirements
// object sent alongside every facilitator call. Built once from config
// and passed into the settlement service, never a package global.
type PaymentRequirements struct {
	Scheme            string            `json:"scheme"`
	Network           string            `json:"network"`
	MaxAmountRequired string            `json:"maxAmountRequired"`
	Resource          string            `json:"resource"`
	Description       string            `json:"description"`
	MimeType          string            `json:"mimeType"`
	PayTo             string            `json:"payTo"`
	MaxTimeoutSeconds int               `json:"maxTimeoutSeconds"`
	Asset             string            `json:"asset"`
	Extra             RequirementsExtra `json:"extra"`
}

// RequirementsExtra carries the EIP-712 domain of the payment asset.
type RequirementsExtra struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// SettlementRequest is the DTO for POST /api/v1/settlements.
// Payment is either a base64 wire-encoded string or a structured
// payload object, so it stays raw until the codec sees it.
type SettlementRequest struct {
	Action  string          `json:"action"`
	Payment json.RawMessage `json:"payment"`
}

// CreditRequest is the DTO for POST /api/v1/credits.
// For type "payment_success" Amount is the raw payment value in atomic
// token units; for "topup" and "use" it is a credit count.
type CreditRequest struct {
	Address string `json:"address"`
	Amount  int64  `json:"amount"`
	Type    string `json:"type"`
}

// AccountRequest is the DTO for POST /api/v1/accounts.
type AccountRequest struct {
	Address string `json:"address"`
}

// AccountDetail is an account plus its recent ledger history.
type AccountDetail struct {
	Account
	TopUps   []TopUpEvent    `json:"topups"`
	Payments []PaymentRecord `json:"payments"`
}
