// Package chain reads payer state from an EIP-3009 token contract so that a
// payment the chain would refuse is turned away before the facilitator is
// called.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/vitwit/x402gate/types"
)

const tokenABIJSON = `[
  {
    "name": "balanceOf",
    "type": "function",
    "stateMutability": "view",
    "inputs": [{ "name": "account", "type": "address" }],
    "outputs": [{ "name": "", "type": "uint256" }]
  },
  {
    "name": "authorizationState",
    "type": "function",
    "stateMutability": "view",
    "inputs": [
      { "name": "authorizer", "type": "address" },
      { "name": "nonce", "type": "bytes32" }
    ],
    "outputs": [{ "name": "", "type": "bool" }]
  },
  {
    "name": "transferWithAuthorization",
    "type": "function",
    "stateMutability": "nonpayable",
    "inputs": [
      { "name": "from", "type": "address" },
      { "name": "to", "type": "address" },
      { "name": "value", "type": "uint256" },
      { "name": "validAfter", "type": "uint256" },
      { "name": "validBefore", "type": "uint256" },
      { "name": "nonce", "type": "bytes32" },
      { "name": "v", "type": "uint8" },
      { "name": "r", "type": "bytes32" },
      { "name": "s", "type": "bytes32" }
    ],
    "outputs": []
  }
]`

var tokenABI = mustParseABI(tokenABIJSON)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

// EVM checks balances and authorization nonces over JSON-RPC.
type EVM struct {
	caller ethereum.ContractCaller
	close  func()
}

// Dial connects to rpcURL.
func Dial(ctx context.Context, rpcURL string) (*EVM, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Ethereum RPC: %w", err)
	}
	return &EVM{caller: client, close: client.Close}, nil
}

// New wraps an existing caller. Close is a no-op.
func New(caller ethereum.ContractCaller) *EVM {
	return &EVM{caller: caller, close: func() {}}
}

func (e *EVM) Close() {
	e.close()
}

func (e *EVM) call(ctx context.Context, token, method string, args ...interface{}) ([]interface{}, error) {
	data, err := tokenABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	to := common.HexToAddress(token)
	out, err := e.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	return tokenABI.Unpack(method, out)
}

// BalanceOf returns owner's token balance in minor units.
func (e *EVM) BalanceOf(ctx context.Context, token, owner string) (*big.Int, error) {
	res, err := e.call(ctx, token, "balanceOf", common.HexToAddress(owner))
	if err != nil {
		return nil, err
	}
	bal, ok := res[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result %T", res[0])
	}
	return bal, nil
}

// AuthorizationUsed reports whether the EIP-3009 nonce was already used or
// canceled.
func (e *EVM) AuthorizationUsed(ctx context.Context, token, authorizer, nonce string) (bool, error) {
	n, err := bytes32(nonce)
	if err != nil {
		return false, err
	}
	res, err := e.call(ctx, token, "authorizationState", common.HexToAddress(authorizer), n)
	if err != nil {
		return false, err
	}
	used, ok := res[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected authorizationState result %T", res[0])
	}
	return used, nil
}

// Simulate runs transferWithAuthorization as an eth_call. A revert is
// returned as an error.
func (e *EVM) Simulate(ctx context.Context, token string, p types.ExactEvmPayload) error {
	auth := p.Authorization
	nonce, err := bytes32(auth.Nonce)
	if err != nil {
		return err
	}
	v, r, s, err := splitSignature(p.Signature)
	if err != nil {
		return err
	}
	_, err = e.call(ctx, token, "transferWithAuthorization",
		common.HexToAddress(auth.From),
		common.HexToAddress(auth.To),
		mustBig(auth.Value),
		mustBig(auth.ValidAfter),
		mustBig(auth.ValidBefore),
		nonce, v, r, s,
	)
	return err
}

// Check rejects a payload whose payer cannot cover the requirement or whose
// nonce is spent, wrapping types.ErrInvalidPayload. Exact payments are also
// simulated. Any other error means the chain could not be read.
func (e *EVM) Check(ctx context.Context, p *types.PaymentPayload, req *types.PaymentRequirements) error {
	auth := p.Payload.Authorization

	amount, ok := new(big.Int).SetString(req.MaxAmountRequired, 10)
	if !ok {
		return types.Errorf(types.ErrInvalidPayload, "invalid maxAmountRequired %q", req.MaxAmountRequired)
	}
	bal, err := e.BalanceOf(ctx, req.Asset, auth.From)
	if err != nil {
		return err
	}
	if bal.Cmp(amount) < 0 {
		return types.Errorf(types.ErrInvalidPayload, "insufficient_funds: balance %s below %s", bal, amount)
	}

	used, err := e.AuthorizationUsed(ctx, req.Asset, auth.From, auth.Nonce)
	if err != nil {
		return err
	}
	if used {
		return types.Errorf(types.ErrInvalidPayload, "authorization nonce already used")
	}

	if req.Scheme == string(types.SchemeExact) {
		if err := e.Simulate(ctx, req.Asset, p.Payload); err != nil {
			return types.Errorf(types.ErrInvalidPayload, "transfer simulation failed: %v", err)
		}
	}
	return nil
}

func bytes32(h string) ([32]byte, error) {
	var out [32]byte
	b := common.FromHex(h)
	if len(b) != 32 {
		return out, types.Errorf(types.ErrInvalidPayload, "nonce must be 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// splitSignature returns v in the 27/28 form the token contract expects.
func splitSignature(sig string) (v uint8, r [32]byte, s [32]byte, err error) {
	b := common.FromHex(sig)
	if len(b) != 65 {
		err = types.Errorf(types.ErrInvalidPayload, "invalid signature length: %d", len(b))
		return
	}
	copy(r[:], b[0:32])
	copy(s[:], b[32:64])
	v = b[64]
	if v < 27 {
		v += 27
	}
	return
}

func mustBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}
