package verification

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vitwit/x402gate/types"
	"github.com/vitwit/x402gate/utils"
)

// HeaderBudget carries a budget voucher.
const HeaderBudget = "X-BUDGET"

// VoucherMessage is the text a payer personal_signs to spend from a budget
// on the gate at audience.
func VoucherMessage(audience, resource string, issuedAt int64) string {
	return fmt.Sprintf("x402-budget\naudience: %s\nresource: %s\nissued: %d", audience, resource, issuedAt)
}

// Origin returns the lower-cased scheme://host of rawURL, or "" when it has
// neither.
func Origin(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}

// DecodeVoucher decodes and validates an X-BUDGET header value.
func DecodeVoucher(header string) (*types.BudgetVoucher, error) {
	var bv types.BudgetVoucher
	if err := utils.DecodeHeader(header, &bv); err != nil {
		return nil, types.Errorf(types.ErrInvalidPayload, "invalid X-BUDGET header: %v", err)
	}
	return &bv, nil
}

// VerifyVoucher checks that header carries a fresh voucher for resource on
// the gate at audience, signed by the payer it names.
func (v *Verifier) VerifyVoucher(header, audience, resource string) (*types.BudgetVoucher, error) {
	bv, err := DecodeVoucher(header)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(bv.Audience, audience) {
		return nil, types.Errorf(types.ErrNotAuthorized, "voucher is for %q, not %q", bv.Audience, audience)
	}
	if bv.Resource != resource {
		return nil, types.Errorf(types.ErrNotAuthorized, "voucher is for %q, not %q", bv.Resource, resource)
	}

	issued := time.Unix(bv.IssuedAt, 0)
	if age := v.now().Sub(issued); age > v.skew || age < -v.skew {
		return nil, types.Errorf(types.ErrNotAuthorized, "voucher issued at %s is outside the accepted window", issued.UTC().Format(time.RFC3339))
	}

	ok, err := utils.VerifyPersonalMessage(VoucherMessage(bv.Audience, bv.Resource, bv.IssuedAt), bv.Signature, common.HexToAddress(bv.Payer))
	if err != nil {
		return nil, types.Errorf(types.ErrInvalidPayload, "voucher signature: %v", err)
	}
	if !ok {
		return nil, types.Errorf(types.ErrNotAuthorized, "voucher signature does not match payer %s", bv.Payer)
	}
	return bv, nil
}
