// Package resource defines the protected operations a payment gate sells.
package resource

import (
	"context"
	"net/http"

	"github.com/vitwit/x402gate/types"
)

// Request is the inbound call as seen by a resource.
type Request struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
	// Payer is the settled payer address, empty before payment.
	Payer string
}

// Result is a resource's output. Usage is set by metered resources that
// received provider-reported consumption; Input and Output are the texts
// to estimate from when it is not.
type Result struct {
	Body   any
	Usage  *types.UsageRecord
	Input  string
	Output string
}

// Resource executes a protected operation. Failures wrap
// types.ErrResourceFailed or types.ErrUpstreamUnavailable.
type Resource interface {
	Execute(ctx context.Context, req *Request) (*Result, error)
}

// Prechecker is implemented by resources that can answer or reject a
// request from its input alone, before any payment is taken. A non-nil
// result is returned to the caller free of charge; a nil result and nil
// error let the request proceed to payment.
type Prechecker interface {
	Precheck(ctx context.Context, req *Request) (*Result, error)
}

// Func adapts a function to Resource.
type Func func(ctx context.Context, req *Request) (*Result, error)

func (f Func) Execute(ctx context.Context, req *Request) (*Result, error) {
	return f(ctx, req)
}
