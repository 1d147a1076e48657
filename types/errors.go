package types

import (
	"errors"
	"fmt"
)

// X402Error is the error type surfaced to callers. Only Code and Message ever
// reach the wire.
type X402Error struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e X402Error) Error() string {
	return e.Message
}

// Is matches any X402Error carrying the same code, so callers can use
// errors.Is(err, types.ErrExpired) on wrapped or re-messaged errors.
func (e X402Error) Is(target error) bool {
	var t X402Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	var tp *X402Error
	if errors.As(target, &tp) && tp != nil {
		return tp.Code == e.Code
	}
	return false
}

// Error codes
const (
	ErrCodeInvalidScheme       = "INVALID_SCHEME"
	ErrCodeSettlementRejected  = "SETTLEMENT_REJECTED"
	ErrCodeResourceError       = "RESOURCE_ERROR"
	ErrCodeNotAuthorized       = "NOT_AUTHORIZED"
	ErrCodeExpired             = "EXPIRED"
	ErrCodeInsufficientBudget  = "INSUFFICIENT_BUDGET"
	ErrCodeCeilingExceedsMax   = "CEILING_EXCEEDS_MAX"
	ErrCodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	ErrCodeInvalidPayload      = "INVALID_PAYLOAD"
	ErrCodeInvalidInput        = "INVALID_INPUT"
	ErrCodeConfigError         = "CONFIG_ERROR"
)

var (
	ErrInvalidScheme       = X402Error{Code: ErrCodeInvalidScheme, Message: "no price configured for scheme"}
	ErrSettlementRejected  = X402Error{Code: ErrCodeSettlementRejected, Message: "payment authorization rejected"}
	ErrResourceFailed      = X402Error{Code: ErrCodeResourceError, Message: "protected resource failed"}
	ErrNotAuthorized       = X402Error{Code: ErrCodeNotAuthorized, Message: "no budget authorization"}
	ErrExpired             = X402Error{Code: ErrCodeExpired, Message: "budget authorization expired"}
	ErrInsufficientBudget  = X402Error{Code: ErrCodeInsufficientBudget, Message: "insufficient budget"}
	ErrCeilingExceedsMax   = X402Error{Code: ErrCodeCeilingExceedsMax, Message: "ceiling exceeds maximum budget"}
	ErrUpstreamUnavailable = X402Error{Code: ErrCodeUpstreamUnavailable, Message: "upstream provider unavailable"}
	ErrInvalidPayload      = X402Error{Code: ErrCodeInvalidPayload, Message: "invalid payment payload"}
	ErrInvalidInput        = X402Error{Code: ErrCodeInvalidInput, Message: "invalid input"}
	ErrConfig              = X402Error{Code: ErrCodeConfigError, Message: "invalid configuration"}
)

// Errorf returns an X402Error with the code of base and a formatted message.
func Errorf(base X402Error, format string, args ...interface{}) error {
	return &X402Error{Code: base.Code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code of the first X402Error in err's chain, or "" if none.
func CodeOf(err error) string {
	var p *X402Error
	if errors.As(err, &p) && p != nil {
		return p.Code
	}
	var v X402Error
	if errors.As(err, &v) {
		return v.Code
	}
	return ""
}
