// Package payer is the caller side of the x402 handshake: it signs EIP-3009
// authorizations for a 402 challenge and budget vouchers for budget routes.
package payer

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/vitwit/x402gate/types"
	"github.com/vitwit/x402gate/utils"
	"github.com/vitwit/x402gate/utils/eip712"
	"github.com/vitwit/x402gate/verification"
)

// validAfterSlack backdates validAfter to tolerate clock drift between the
// payer and the facilitator.
const validAfterSlack = 10 * time.Minute

// Signer holds a payer key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	now     func() time.Time
}

type SignerOption func(*Signer)

// WithClock overrides the time source used for validity windows and
// vouchers.
func WithClock(now func() time.Time) SignerOption {
	return func(s *Signer) {
		s.now = now
	}
}

func NewSigner(key *ecdsa.PrivateKey, opts ...SignerOption) *Signer {
	s := &Signer{
		key:     key,
		address: utils.AddressFromPrivateKey(key),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FromHex builds a signer from a hex private key.
func FromHex(hexKey string, opts ...SignerOption) (*Signer, error) {
	key, err := utils.PrivateKeyFromHex(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewSigner(key, opts...), nil
}

// FromKeystore decrypts a go-ethereum keystore file.
func FromKeystore(path, passphrase string, opts ...SignerOption) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keystore: %w", err)
	}
	k, err := keystore.DecryptKey(data, passphrase)
	if err != nil {
		return nil, fmt.Errorf("decrypt keystore: %w", err)
	}
	return NewSigner(k.PrivateKey, opts...), nil
}

// Address returns the checksummed payer address.
func (s *Signer) Address() string {
	return s.address.Hex()
}

// SignPayment signs an authorization for the full amount in req, valid for
// req.MaxTimeoutSeconds.
func (s *Signer) SignPayment(req types.PaymentRequirements) (*types.PaymentPayload, error) {
	chainID, ok := types.Network(req.Network).ChainID()
	if !ok {
		return nil, fmt.Errorf("unsupported network %q", req.Network)
	}
	value, err := utils.ParseBigInt(req.MaxAmountRequired)
	if err != nil {
		return nil, fmt.Errorf("maxAmountRequired: %w", err)
	}
	if !common.IsHexAddress(req.PayTo) {
		return nil, fmt.Errorf("invalid payTo %q", req.PayTo)
	}

	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	timeout := req.MaxTimeoutSeconds
	if timeout <= 0 {
		timeout = 300
	}
	now := s.now()
	validAfter := big.NewInt(now.Add(-validAfterSlack).Unix())
	validBefore := big.NewInt(now.Add(time.Duration(timeout) * time.Second).Unix())

	name, _ := req.Extra["name"].(string)
	version, _ := req.Extra["version"].(string)
	msg := eip712.TransferWithAuthorization{
		From:        s.address,
		To:          common.HexToAddress(req.PayTo),
		Value:       value,
		ValidAfter:  validAfter,
		ValidBefore: validBefore,
		Nonce:       nonce,
	}
	sig, err := eip712.Sign(eip712.Domain{
		Name:              name,
		Version:           version,
		ChainID:           chainID,
		VerifyingContract: req.Asset,
	}, msg, s.key)
	if err != nil {
		return nil, fmt.Errorf("sign authorization: %w", err)
	}

	return &types.PaymentPayload{
		X402Version: int(types.X402Version1),
		Scheme:      req.Scheme,
		Network:     req.Network,
		Payload: types.ExactEvmPayload{
			Signature: hexutil.Encode(sig),
			Authorization: types.EIP3009Authorization{
				From:        s.address.Hex(),
				To:          msg.To.Hex(),
				Value:       value.String(),
				ValidAfter:  validAfter.String(),
				ValidBefore: validBefore.String(),
				Nonce:       hexutil.Encode(nonce[:]),
			},
		},
	}, nil
}

// PaymentHeader returns the X-PAYMENT value for req.
func (s *Signer) PaymentHeader(req types.PaymentRequirements) (string, error) {
	p, err := s.SignPayment(req)
	if err != nil {
		return "", err
	}
	return utils.EncodeHeader(p)
}

// Voucher returns an X-BUDGET value proving control of the payer address
// for resource on the gate whose origin is audience.
func (s *Signer) Voucher(audience, resource string) (string, error) {
	audience = verification.Origin(audience)
	if audience == "" {
		return "", fmt.Errorf("voucher audience must be an absolute URL")
	}
	issuedAt := s.now().Unix()
	sig, err := utils.SignPersonalMessage(verification.VoucherMessage(audience, resource, issuedAt), s.key)
	if err != nil {
		return "", err
	}
	return utils.EncodeHeader(types.BudgetVoucher{
		Payer:     s.address.Hex(),
		Audience:  audience,
		Resource:  resource,
		IssuedAt:  issuedAt,
		Signature: sig,
	})
}

// amountOf parses the advertised amount of req.
func amountOf(req types.PaymentRequirements) (uint64, error) {
	return strconv.ParseUint(req.MaxAmountRequired, 10, 64)
}
