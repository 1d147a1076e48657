package types

import (
	"fmt"
	"net/http"
	"time"
)

// X402Version represents the version of the x402 protocol
type X402Version int

const (
	X402Version1 X402Version = 1
)

// PaymentScheme is the x402 scheme name carried on the wire
type PaymentScheme string

const (
	// SchemeExact charges exactly the quoted amount.
	SchemeExact PaymentScheme = "exact"
	// SchemeUpTo treats the quoted amount as a ceiling; the final charge is
	// computed after the resource runs.
	SchemeUpTo PaymentScheme = "upto"
)

func (s PaymentScheme) String() string {
	return string(s)
}

// PriceQuote is the price offered to a caller for one request. Amounts are in
// the asset's smallest unit.
type PriceQuote struct {
	AmountMinorUnits uint64        `json:"amount"`
	Asset            string        `json:"asset"`
	PayTo            string        `json:"payTo"`
	Network          Network       `json:"network"`
	Scheme           PaymentScheme `json:"scheme"`
}

// IsCeiling reports whether the quoted amount is an upper bound rather than the
// final charge.
func (q PriceQuote) IsCeiling() bool {
	return q.Scheme == SchemeUpTo
}

// PaymentRequirements defines the requirements a resource server accepts for payment.
type PaymentRequirements struct {
	// Scheme of the payment protocol to use ("exact" or "upto").
	Scheme string `json:"scheme" validate:"required,oneof=exact upto"`

	// Network of the blockchain to send payment on.
	Network string `json:"network" validate:"required"`

	// Maximum amount required to pay for the resource in atomic units of the asset.
	// Represented as a string because Go does not support uint256.
	MaxAmountRequired string `json:"maxAmountRequired" validate:"required,numeric"`

	// URL of the resource to pay for.
	Resource string `json:"resource" validate:"required"`

	// Description of the resource being purchased.
	Description string `json:"description"`

	// MIME type of the resource response (e.g., "application/json").
	MimeType string `json:"mimeType"`

	// Address to which the payment must be sent.
	PayTo string `json:"payTo" validate:"required"`

	// Maximum time in seconds for the resource server to respond.
	MaxTimeoutSeconds int `json:"maxTimeoutSeconds" validate:"gt=0"`

	// Address of the EIP-3009 compliant ERC20 contract.
	Asset string `json:"asset" validate:"required"`

	// Extra information about payment details specific to the scheme.
	// For EVM assets this carries the EIP-712 domain `name` and `version`,
	// plus the HTTP `method` the requirement is bound to.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// X402Response is the body of a 402 challenge.
type X402Response struct {
	// Version of the x402 payment protocol.
	X402Version int `json:"x402Version"`

	// List of payment requirements that the resource server accepts.
	Accepts []PaymentRequirements `json:"accepts"`

	// Message from the resource server indicating any processing error.
	Error string `json:"error"`
}

// PaymentPayload is the decoded content of the X-PAYMENT header.
type PaymentPayload struct {
	X402Version int             `json:"x402Version" validate:"required,eq=1"`
	Scheme      string          `json:"scheme" validate:"required,oneof=exact upto"`
	Network     string          `json:"network" validate:"required"`
	Payload     ExactEvmPayload `json:"payload"`
}

// ExactEvmPayload is a signed EIP-3009 transferWithAuthorization.
type ExactEvmPayload struct {
	Signature     string               `json:"signature" validate:"required"`
	Authorization EIP3009Authorization `json:"authorization"`
}

type EIP3009Authorization struct {
	From        string `json:"from" validate:"required,eth_addr"`
	To          string `json:"to" validate:"required,eth_addr"`
	Value       string `json:"value" validate:"required,numeric"`       // uint256
	ValidAfter  string `json:"validAfter" validate:"required,numeric"`  // uint256 timestamp
	ValidBefore string `json:"validBefore" validate:"required,numeric"` // uint256 timestamp
	Nonce       string `json:"nonce" validate:"required"`               // bytes32
}

// VerifyRequest represents the payload sent to a facilitator to verify or
// settle a payment.
type VerifyRequest struct {
	X402Version         int                 `json:"x402Version"`
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// Validate checks that the VerifyRequest contains all required fields.
func (v *VerifyRequest) Validate() error {
	if v.X402Version <= 0 {
		return fmt.Errorf("x402Version must be greater than 0")
	}

	if v.PaymentPayload.Payload.Signature == "" {
		return fmt.Errorf("paymentPayload.payload.signature is required")
	}

	return v.PaymentRequirements.Validate()
}

// VerifyResponse represents the facilitator's verification result.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse represents the facilitator's settlement result. It is also
// what the gate encodes into the X-PAYMENT-RESPONSE header.
type SettleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer,omitempty"`
}

// SettlementResult is the terminal outcome of one verify or settle call.
// Non-accepted results are relayed to the caller verbatim.
type SettlementResult struct {
	Accepted   bool        `json:"accepted"`
	StatusCode int         `json:"statusCode"`
	Body       []byte      `json:"-"`
	Header     http.Header `json:"-"`
	Payer      string      `json:"payer,omitempty"`
	TxHash     string      `json:"txHash,omitempty"`
	Network    string      `json:"network,omitempty"`
	Amount     uint64      `json:"amount,omitempty"`
}

// UsageRecord is the consumption of one metered invocation.
type UsageRecord struct {
	InputUnits  uint64 `json:"inputTokens"`
	OutputUnits uint64 `json:"outputTokens"`
	TotalUnits  uint64 `json:"totalTokens"`
}

// IsZero reports whether no consumption was recorded.
func (u UsageRecord) IsZero() bool {
	return u.InputUnits == 0 && u.OutputUnits == 0 && u.TotalUnits == 0
}

// BudgetAuthorization is a pre-funded spending ceiling for one payer on one
// resource. SpentMinorUnits never exceeds CeilingMinorUnits. Revocation
// deletes the record.
type BudgetAuthorization struct {
	ID                string    `json:"id"`
	Payer             string    `json:"payer"`
	Resource          string    `json:"resource"`
	CeilingMinorUnits uint64    `json:"ceiling"`
	SpentMinorUnits   uint64    `json:"spent"`
	CreatedAt         time.Time `json:"createdAt"`
	ExpiresAt         time.Time `json:"expiresAt"`
}

// Remaining returns the unspent headroom.
func (b *BudgetAuthorization) Remaining() uint64 {
	if b.SpentMinorUnits >= b.CeilingMinorUnits {
		return 0
	}
	return b.CeilingMinorUnits - b.SpentMinorUnits
}

// ExpiredAt reports whether the authorization is dead at t.
func (b *BudgetAuthorization) ExpiredAt(t time.Time) bool {
	return !t.Before(b.ExpiresAt)
}

// BudgetVoucher is the decoded X-BUDGET header: a payer's signed claim to
// spend from an existing budget authorization.
type BudgetVoucher struct {
	Payer string `json:"payer" validate:"required,eth_addr"`
	// Audience is the origin of the gate the voucher is meant for.
	Audience  string `json:"audience" validate:"required"`
	Resource  string `json:"resource" validate:"required"`
	IssuedAt  int64  `json:"issuedAt" validate:"required,gt=0"`
	Signature string `json:"signature" validate:"required"`
}

func (pr *PaymentRequirements) Validate() error {
	if pr.Scheme == "" {
		return fmt.Errorf("paymentRequirements.scheme is required")
	}

	if pr.Network == "" {
		return fmt.Errorf("paymentRequirements.network is required")
	}

	if pr.MaxAmountRequired == "" {
		return fmt.Errorf("paymentRequirements.maxAmountRequired is required")
	}

	if pr.PayTo == "" {
		return fmt.Errorf("paymentRequirements.payTo is required")
	}

	if pr.Asset == "" {
		return fmt.Errorf("paymentRequirements.asset is required")
	}

	if pr.MaxTimeoutSeconds <= 0 {
		return fmt.Errorf("paymentRequirements.maxTimeoutSeconds must be greater than 0")
	}

	return nil
}

// SettlementEvent describes a completed settlement, delivered to
// post-settlement hooks.
type SettlementEvent struct {
	Route       string    `json:"route"`
	Resource    string    `json:"resource"`
	Payer       string    `json:"payer"`
	Amount      uint64    `json:"amount"`
	Network     string    `json:"network"`
	Transaction string    `json:"transaction,omitempty"`
	SettledAt   time.Time `json:"settledAt"`
}
