// Package verification checks caller-signed payment material locally: the
// EIP-3009 authorization inside X-PAYMENT and the budget voucher inside
// X-BUDGET. Passing preflight does not mean funds will move; the facilitator
// remains the authority for replay protection and settlement.
package verification

import (
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/vitwit/x402gate/types"
	"github.com/vitwit/x402gate/utils"
	"github.com/vitwit/x402gate/utils/eip712"
)

// DefaultVoucherSkew bounds how far a voucher's issuedAt may drift from now.
const DefaultVoucherSkew = 5 * time.Minute

// Verifier performs local payment checks.
type Verifier struct {
	now  func() time.Time
	skew time.Duration
}

type Option func(*Verifier)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		v.now = now
	}
}

// WithVoucherSkew sets the accepted voucher age in either direction.
func WithVoucherSkew(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.skew = d
		}
	}
}

// NewVerifier returns a Verifier.
func NewVerifier(opts ...Option) *Verifier {
	v := &Verifier{now: time.Now, skew: DefaultVoucherSkew}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// DecodePayment decodes and validates an X-PAYMENT header value.
func DecodePayment(header string) (*types.PaymentPayload, error) {
	var p types.PaymentPayload
	if err := utils.DecodeHeader(header, &p); err != nil {
		return nil, types.Errorf(types.ErrInvalidPayload, "invalid X-PAYMENT header: %v", err)
	}
	return &p, nil
}

// Preflight decodes header and checks it against req: protocol version,
// scheme, network, recipient, amount, validity window and signer. On success
// it returns the decoded payload; the payer is Payload.Authorization.From.
func (v *Verifier) Preflight(header string, req *types.PaymentRequirements) (*types.PaymentPayload, error) {
	p, err := DecodePayment(header)
	if err != nil {
		return nil, err
	}
	if err := v.Check(p, req); err != nil {
		return nil, err
	}
	return p, nil
}

// Check validates an already decoded payload against req.
func (v *Verifier) Check(p *types.PaymentPayload, req *types.PaymentRequirements) error {
	if p.X402Version != int(types.X402Version1) {
		return reject("unsupported x402Version %d", p.X402Version)
	}
	if p.Scheme != req.Scheme {
		return reject("scheme %q does not match required %q", p.Scheme, req.Scheme)
	}
	if p.Network != req.Network {
		return reject("network %q does not match required %q", p.Network, req.Network)
	}

	chainID, ok := types.Network(req.Network).ChainID()
	if !ok {
		return reject("unsupported network %q", req.Network)
	}

	auth := p.Payload.Authorization
	if !strings.EqualFold(auth.To, req.PayTo) {
		return reject("authorization recipient %s does not match payTo %s", auth.To, req.PayTo)
	}

	value, err := utils.ParseBigInt(auth.Value)
	if err != nil {
		return reject("authorization value: %v", err)
	}
	required, err := utils.ParseBigInt(req.MaxAmountRequired)
	if err != nil {
		return reject("required amount: %v", err)
	}
	if value.Cmp(required) < 0 {
		return reject("authorization value %s is below required %s", value, required)
	}

	validAfter, err := utils.ParseBigInt(auth.ValidAfter)
	if err != nil {
		return reject("validAfter: %v", err)
	}
	validBefore, err := utils.ParseBigInt(auth.ValidBefore)
	if err != nil {
		return reject("validBefore: %v", err)
	}
	now := big.NewInt(v.now().Unix())
	if now.Cmp(validAfter) < 0 {
		return reject("authorization not valid until %s", validAfter)
	}
	if now.Cmp(validBefore) >= 0 {
		return reject("authorization expired at %s", validBefore)
	}

	nonce, err := eip712.HexToBytes32(auth.Nonce)
	if err != nil {
		return reject("nonce: %v", err)
	}
	sig, err := hexutil.Decode(p.Payload.Signature)
	if err != nil {
		return reject("signature: %v", err)
	}

	domain := eip712.Domain{
		Name:              extraString(req.Extra, "name"),
		Version:           extraString(req.Extra, "version"),
		ChainID:           chainID,
		VerifyingContract: req.Asset,
	}
	msg := eip712.TransferWithAuthorization{
		From:        common.HexToAddress(auth.From),
		To:          common.HexToAddress(auth.To),
		Value:       value,
		ValidAfter:  validAfter,
		ValidBefore: validBefore,
		Nonce:       nonce,
	}
	digest, err := eip712.Digest(domain, msg)
	if err != nil {
		return reject("typed data: %v", err)
	}
	signer, err := eip712.RecoverSigner(digest, sig)
	if err != nil {
		return reject("signature: %v", err)
	}
	if signer != msg.From {
		return reject("signature recovers %s, not %s", signer.Hex(), msg.From.Hex())
	}
	return nil
}

func reject(format string, args ...any) error {
	return types.Errorf(types.ErrInvalidPayload, format, args...)
}

func extraString(extra map[string]interface{}, key string) string {
	if extra == nil {
		return ""
	}
	s, _ := extra[key].(string)
	return s
}
