package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/paytochat/paygate/internal/domain"
	"github.com/paytochat/paygate/internal/facilitator"
	"github.com/paytochat/paygate/internal/payment"
)

// CreditUnit is the number of atomic token units per credit. With a
// 6-decimal asset this grants 10 credits per 0.01 paid. Fixed policy,
// not configuration.
const CreditUnit = 1000

// Settlement pipeline states, used in logs and rejection reporting.
type State string

const (
	StateReceived State = "received"
	StateDecoded  State = "decoded"
	StateVerified State = "verified"
	StateSettled  State = "settled"
	StateCredited State = "credited"
	StateRecorded State = "recorded"
	StateRejected State = "rejected"
)

var settlementInconsistenciesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "paygate_settlement_inconsistencies_total",
	Help: "Settlements that succeeded on-chain but failed to credit or record",
})

var settlementOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "paygate_settlement_outcomes_total",
	Help: "Settlement pipeline outcomes, by action and result",
}, []string{"action", "outcome"})

// RejectedError is a business rejection from the facilitator: the
// exchange completed but the verdict was negative. Never retried.
type RejectedError struct {
	Stage          State
	UpstreamStatus int
	Detail         json.RawMessage
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("payment %s rejected by facilitator (status %d)", e.Stage, e.UpstreamStatus)
}

// HTTPStatus maps the upstream status to the client-visible one:
// facilitator 5xx is a gateway fault, anything else a bad request.
func (e *RejectedError) HTTPStatus() int {
	if e.UpstreamStatus >= 500 {
		return http.StatusBadGateway
	}
	return http.StatusBadRequest
}

// FacilitatorAPI is the transport used to verify and settle payments.
type FacilitatorAPI interface {
	Verify(ctx context.Context, req *facilitator.Request) (*facilitator.Response, error)
	Settle(ctx context.Context, req *facilitator.Request) (*facilitator.Response, error)
}

// Ledger is the settlement service's view of the credit store.
type Ledger interface {
	GrantForTransaction(ctx context.Context, address string, credits int64, record domain.PaymentRecord) (bool, *domain.PaymentRecord, error)
}

// SettlementService drives decode -> verify -> settle -> credit ->
// record for one payment.
type SettlementService struct {
	facilitator  FacilitatorAPI
	ledger       Ledger
	requirements domain.PaymentRequirements
}

func NewSettlementService(f FacilitatorAPI, l Ledger, requirements domain.PaymentRequirements) *SettlementService {
	return &SettlementService{facilitator: f, ledger: l, requirements: requirements}
}

// VerifyResult carries the facilitator's verdict through unchanged.
type VerifyResult struct {
	Verdict json.RawMessage `json:"valid"`
}

// SettleResult is the outcome of a completed settlement.
type SettleResult struct {
	SettlementID   string          `json:"settlement_id"`
	Transaction    string          `json:"transaction"`
	Network        string          `json:"network"`
	CreditsAdded   int64           `json:"credits_added"`
	AlreadySettled bool            `json:"already_settled"`
	Facilitator    json.RawMessage `json:"facilitator_response"`
}

// Verify decodes the payment and asks the facilitator whether it is
// valid. Nothing here touches the ledger.
func (s *SettlementService) Verify(ctx context.Context, rawPayment json.RawMessage) (*VerifyResult, error) {
	payload, err := payment.Decode(rawPayment)
	if err != nil {
		settlementOutcomesTotal.WithLabelValues("verify", "malformed").Inc()
		return nil, err
	}

	resp, err := s.facilitator.Verify(ctx, &facilitator.Request{
		PaymentPayload:      payload,
		PaymentRequirements: s.requirements,
	})
	if err != nil {
		settlementOutcomesTotal.WithLabelValues("verify", "transport_error").Inc()
		return nil, err
	}

	if !resp.OK() {
		settlementOutcomesTotal.WithLabelValues("verify", "rejected").Inc()
		return nil, &RejectedError{Stage: StateVerified, UpstreamStatus: resp.StatusCode, Detail: detailJSON(resp.Body)}
	}

	settlementOutcomesTotal.WithLabelValues("verify", "ok").Inc()
	return &VerifyResult{Verdict: json.RawMessage(resp.Body)}, nil
}

// settleResponse is the subset of the facilitator settle body the
// pipeline acts on.
type settleResponse struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
}

// Settle executes the payment through the facilitator and, on success,
// applies the credit grant and payment record exactly once per
// transaction hash. A ledger failure after on-chain settlement never
// flips the response to a failure; it is logged and counted for
// out-of-band reconciliation.
func (s *SettlementService) Settle(ctx context.Context, rawPayment json.RawMessage) (*SettleResult, error) {
	settlementID := uuid.NewString()
	log.Printf("[settlement %s] state=%s", settlementID, StateReceived)

	payload, err := payment.Decode(rawPayment)
	if err != nil {
		settlementOutcomesTotal.WithLabelValues("settle", "malformed").Inc()
		return nil, err
	}
	auth := payload.Payload.Authorization

	// Parse the value up front so a garbled amount fails before
	// anything happens on-chain.
	credits, err := CreditsForValue(auth.Value)
	if err != nil {
		settlementOutcomesTotal.WithLabelValues("settle", "malformed").Inc()
		return nil, err
	}
	log.Printf("[settlement %s] state=%s from=%s value=%s", settlementID, StateDecoded, auth.From, auth.Value)

	resp, err := s.facilitator.Settle(ctx, &facilitator.Request{
		PaymentPayload:      payload,
		PaymentRequirements: s.requirements,
	})
	if err != nil {
		settlementOutcomesTotal.WithLabelValues("settle", "transport_error").Inc()
		return nil, err
	}

	var settled settleResponse
	if jsonErr := json.Unmarshal(resp.Body, &settled); jsonErr != nil {
		settlementOutcomesTotal.WithLabelValues("settle", "rejected").Inc()
		return nil, &RejectedError{Stage: StateSettled, UpstreamStatus: resp.StatusCode, Detail: detailJSON(resp.Body)}
	}
	if !settled.Success {
		settlementOutcomesTotal.WithLabelValues("settle", "rejected").Inc()
		log.Printf("[settlement %s] state=%s upstream_status=%d", settlementID, StateRejected, resp.StatusCode)
		return nil, &RejectedError{Stage: StateSettled, UpstreamStatus: resp.StatusCode, Detail: detailJSON(resp.Body)}
	}

	network := settled.Network
	if network == "" {
		network = s.requirements.Network
	}
	log.Printf("[settlement %s] state=%s tx=%s network=%s", settlementID, StateSettled, settled.Transaction, network)

	result := &SettleResult{
		SettlementID: settlementID,
		Transaction:  settled.Transaction,
		Network:      network,
		Facilitator:  json.RawMessage(resp.Body),
	}

	// The chain-level settlement is already authoritative past this
	// point. The grant is keyed by transaction hash: a retried settle
	// finds the existing record and credits nothing.
	from := payment.NormalizeAddress(auth.From)
	granted, record, grantErr := s.ledger.GrantForTransaction(ctx, from, credits, domain.PaymentRecord{
		TransactionHash: settled.Transaction,
		Amount:          auth.Value,
		To:              auth.To,
		Network:         network,
	})
	if grantErr != nil {
		settlementInconsistenciesTotal.Inc()
		settlementOutcomesTotal.WithLabelValues("settle", "inconsistent").Inc()
		log.Printf("[settlement %s] INCONSISTENCY: settled on-chain but credit grant failed: tx=%s from=%s credits=%d err=%v",
			settlementID, settled.Transaction, from, credits, grantErr)
		return result, nil
	}

	if !granted {
		settlementOutcomesTotal.WithLabelValues("settle", "duplicate").Inc()
		log.Printf("[settlement %s] duplicate transaction %s, prior record %d, no credits granted",
			settlementID, settled.Transaction, record.ID)
		result.AlreadySettled = true
		return result, nil
	}

	result.CreditsAdded = credits
	settlementOutcomesTotal.WithLabelValues("settle", "ok").Inc()
	log.Printf("[settlement %s] state=%s credits=%d", settlementID, StateCredited, credits)
	log.Printf("[settlement %s] state=%s record=%d", settlementID, StateRecorded, record.ID)
	return result, nil
}

// CreditsForValue converts an atomic-unit payment value into credits:
// floor(value / CreditUnit).
func CreditsForValue(value string) (int64, error) {
	v, err := strconv.ParseInt(value, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: value %q is not a valid amount", payment.ErrMalformedPayment, value)
	}
	return v / CreditUnit, nil
}

// detailJSON passes upstream bodies through when they are JSON and
// wraps them as a message string otherwise.
func detailJSON(body []byte) json.RawMessage {
	if json.Valid(body) && len(body) > 0 {
		return json.RawMessage(body)
	}
	wrapped, _ := json.Marshal(map[string]string{"message": string(body)})
	return wrapped
}
