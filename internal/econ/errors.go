package econ

import "errors"

// Code is the stable, machine-readable part of a domain error.
type Code string

const (
	CodeInsufficientFunds          Code = "INSUFFICIENT_FUNDS"
	CodeAccountNotFound            Code = "ACCOUNT_NOT_FOUND"
	CodeTreasuryNotFound           Code = "TREASURY_NOT_FOUND"
	CodeEnterpriseNotFound         Code = "ENTERPRISE_NOT_FOUND"
	CodeItemNotFound               Code = "ITEM_NOT_FOUND"
	CodeOrderNotFound              Code = "ORDER_NOT_FOUND"
	CodeInvalidOrder               Code = "INVALID_ORDER"
	CodeOrderNotCancelable         Code = "ORDER_NOT_CANCELABLE"
	CodeCapExceeded                Code = "CAP_EXCEEDED"
	CodeEnterpriseCapacityExceeded Code = "ENTERPRISE_CAPACITY_EXCEEDED"
	CodeAlreadyEmployed            Code = "ALREADY_EMPLOYED"
	CodeNotEmployed                Code = "NOT_EMPLOYED"
	CodeInvalidAmount              Code = "INVALID_AMOUNT"
	CodeInvalidRequest             Code = "INVALID_REQUEST"
	CodeUnknownType                Code = "UNKNOWN_TYPE"
	CodeUnauthorized               Code = "UNAUTHORIZED"
	CodeDuplicateRequest           Code = "DUPLICATE_REQUEST"
	CodeConcurrentModification     Code = "CONCURRENT_MODIFICATION"
	CodeStoreUnavailable           Code = "STORE_UNAVAILABLE"
	CodeInternal                   Code = "INTERNAL"
)

// Error is a domain error. Message is safe to show to players; Cause is for logs only.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

var (
	ErrInsufficientFunds          = NewError(CodeInsufficientFunds, "insufficient funds")
	ErrAccountNotFound            = NewError(CodeAccountNotFound, "account not found")
	ErrTreasuryNotFound           = NewError(CodeTreasuryNotFound, "treasury not found")
	ErrEnterpriseNotFound         = NewError(CodeEnterpriseNotFound, "enterprise not found")
	ErrItemNotFound               = NewError(CodeItemNotFound, "market item not found")
	ErrOrderNotFound              = NewError(CodeOrderNotFound, "order not found")
	ErrInvalidOrder               = NewError(CodeInvalidOrder, "invalid order")
	ErrOrderNotCancelable         = NewError(CodeOrderNotCancelable, "order can no longer be cancelled")
	ErrCapExceeded                = NewError(CodeCapExceeded, "balance cap exceeded")
	ErrEnterpriseCapacityExceeded = NewError(CodeEnterpriseCapacityExceeded, "enterprise has no free employee slots")
	ErrAlreadyEmployed            = NewError(CodeAlreadyEmployed, "worker already employed by this enterprise")
	ErrNotEmployed                = NewError(CodeNotEmployed, "worker is not employed by this enterprise")
	ErrInvalidAmount              = NewError(CodeInvalidAmount, "amount must be > 0")
	ErrInvalidRequest             = NewError(CodeInvalidRequest, "invalid request")
	ErrUnknownType                = NewError(CodeUnknownType, "unknown catalog type")
	ErrUnauthorized               = NewError(CodeUnauthorized, "unauthorized")
	ErrDuplicateRequest           = NewError(CodeDuplicateRequest, "duplicate idempotency key")
	ErrConcurrentModification     = NewError(CodeConcurrentModification, "concurrent modification, try again")
	ErrStoreUnavailable           = NewError(CodeStoreUnavailable, "economy store unavailable")
)

// CodeOf returns the code of the first domain error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}
