package payment

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformedPayment means the payment object is missing required
	// fields (authorization or signature).
	ErrMalformedPayment = errors.New("payment must be an encoded string or valid payment payload object")

	// ErrDecode means the wire-encoded payment string could not be parsed.
	ErrDecode = errors.New("payment decode failed")
)

// Authorization holds the EIP-3009 transferWithAuthorization parameters.
// Value and the validity bounds are decimal strings to avoid precision
// loss on 256-bit quantities.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// ExactEVMPayload is the "exact" scheme payload: an authorization plus
// the wallet signature over it.
type ExactEVMPayload struct {
	Signature     string         `json:"signature"`
	Authorization *Authorization `json:"authorization"`
}

// Payload is the payment payload submitted to the facilitator. No
// cryptographic verification happens here; the facilitator owns that.
type Payload struct {
	X402Version int             `json:"x402Version,omitempty"`
	Scheme      string          `json:"scheme,omitempty"`
	Network     string          `json:"network,omitempty"`
	Payload     ExactEVMPayload `json:"payload"`
}

// Decode accepts either a base64 wire-encoded payment string or an
// already-structured payload object and returns the validated payload.
func Decode(raw json.RawMessage) (*Payload, error) {
	if len(raw) == 0 {
		return nil, ErrMalformedPayment
	}

	var encoded string
	if err := json.Unmarshal(raw, &encoded); err == nil {
		return decodeWire(encoded)
	}

	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, ErrMalformedPayment
	}
	if err := validate(&payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// decodeWire parses the base64 JSON wire form produced by wallet-side
// payment encoding.
func decodeWire(encoded string) (*Payload, error) {
	jsonBytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", ErrDecode, err)
	}

	var payload Payload
	if err := json.Unmarshal(jsonBytes, &payload); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrDecode, err)
	}
	if err := validate(&payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

func validate(p *Payload) error {
	auth := p.Payload.Authorization
	if auth == nil || p.Payload.Signature == "" {
		return ErrMalformedPayment
	}
	if auth.From == "" || auth.To == "" || auth.Value == "" || auth.Nonce == "" {
		return ErrMalformedPayment
	}
	if auth.ValidAfter == "" || auth.ValidBefore == "" {
		return ErrMalformedPayment
	}
	return nil
}
