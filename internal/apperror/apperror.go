package apperror

import (
	"errors"
	"fmt"
)

// Kind is the coarse category of a failure. Every error surfaced by the
// settlement services maps to exactly one kind.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict"
	KindAuthorization Kind = "authorization"
	KindInternal      Kind = "internal"
)

// Code is a stable machine-readable error identifier.
type Code string

const (
	CodeInvalidInput           Code = "INVALID_INPUT"
	CodeInvalidWallet          Code = "INVALID_WALLET"
	CodeInvalidStatus          Code = "INVALID_STATUS"
	CodeInvalidTransition      Code = "INVALID_TRANSITION"
	CodeOrderNotFound          Code = "ORDER_NOT_FOUND"
	CodeBuyerNotFound          Code = "BUYER_NOT_FOUND"
	CodeWalletNotFound         Code = "WALLET_NOT_FOUND"
	CodeDepositNotFound        Code = "DEPOSIT_NOT_FOUND"
	CodeContractNotFound       Code = "CONTRACT_NOT_FOUND"
	CodeAlreadyConfirmed       Code = "ALREADY_CONFIRMED"
	CodeInsufficientBalance    Code = "INSUFFICIENT_BALANCE"
	CodeOrderNotPayable        Code = "ORDER_NOT_PAYABLE"
	CodeOrderNotPaid           Code = "ORDER_NOT_PAID"
	CodeContractAlreadyExists  Code = "CONTRACT_ALREADY_EXISTS"
	CodeNotAParty              Code = "NOT_A_PARTY"
	CodeAlreadySigned          Code = "ALREADY_SIGNED"
	CodeNotRecipient           Code = "NOT_RECIPIENT"
	CodeNotBuyer               Code = "NOT_BUYER"
	CodeInvalidSignature       Code = "INVALID_SIGNATURE"
	CodeNonceExpired           Code = "NONCE_EXPIRED"
	CodeUnauthenticated        Code = "UNAUTHENTICATED"
	CodeWalletMismatch         Code = "WALLET_MISMATCH"
	CodeReconciliationRequired Code = "RECONCILIATION_REQUIRED"
	CodeInternal               Code = "INTERNAL"
)

// Error is the structured error returned by the domain services.
type Error struct {
	Kind    Kind
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Code so sentinel values work with errors.Is regardless of
// the message or wrapped cause attached at the failure site.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New builds an error of the given kind and code.
func New(kind Kind, code Code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap attaches a cause to a new error of the given kind and code.
func Wrap(err error, kind Kind, code Code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

// Validation returns a client-fixable input error.
func Validation(message string) *Error {
	return New(KindValidation, CodeInvalidInput, message)
}

// Validationf is Validation with formatting.
func Validationf(format string, args ...any) *Error {
	return New(KindValidation, CodeInvalidInput, fmt.Sprintf(format, args...))
}

// Internal wraps an unexpected failure.
func Internal(err error, message string) *Error {
	return Wrap(err, KindInternal, CodeInternal, message)
}

// With returns a copy of a sentinel carrying a more specific message.
func (e *Error) With(message string) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: message, Err: e.Err}
}

// Sentinels for the settlement workflow.
var (
	ErrOrderNotFound         = New(KindNotFound, CodeOrderNotFound, "order not found")
	ErrBuyerNotFound         = New(KindNotFound, CodeBuyerNotFound, "buyer wallet not found")
	ErrWalletNotFound        = New(KindNotFound, CodeWalletNotFound, "wallet not registered")
	ErrDepositNotFound       = New(KindNotFound, CodeDepositNotFound, "deposit not found")
	ErrContractNotFound      = New(KindNotFound, CodeContractNotFound, "contract not found")
	ErrAlreadyConfirmed      = New(KindConflict, CodeAlreadyConfirmed, "deposit already confirmed")
	ErrInsufficientBalance   = New(KindConflict, CodeInsufficientBalance, "balance check did not pass")
	ErrOrderNotPayable       = New(KindConflict, CodeOrderNotPayable, "order does not accept deposits in its current status")
	ErrOrderNotPaid          = New(KindConflict, CodeOrderNotPaid, "order is not paid")
	ErrContractAlreadyExists = New(KindConflict, CodeContractAlreadyExists, "contract already exists for order")
	ErrAlreadySigned         = New(KindConflict, CodeAlreadySigned, "party already signed")
	ErrInvalidTransition     = New(KindConflict, CodeInvalidTransition, "status transition not allowed")
	ErrInvalidStatus         = New(KindValidation, CodeInvalidStatus, "status value not allowed")
	ErrInvalidWallet         = New(KindValidation, CodeInvalidWallet, "wallet address must match 0x followed by 40 hex characters")
	ErrNotAParty             = New(KindAuthorization, CodeNotAParty, "wallet is not a party to this contract")
	ErrNotRecipient          = New(KindAuthorization, CodeNotRecipient, "only the deposit recipient may confirm")
	ErrNotBuyer              = New(KindAuthorization, CodeNotBuyer, "only the order buyer may fund a deposit")
	ErrInvalidSignature      = New(KindAuthorization, CodeInvalidSignature, "signature does not recover to the claimed wallet")
	ErrNonceExpired          = New(KindAuthorization, CodeNonceExpired, "nonce challenge expired or not issued")
	ErrUnauthenticated       = New(KindAuthorization, CodeUnauthenticated, "authentication required")
	ErrWalletMismatch        = New(KindAuthorization, CodeWalletMismatch, "wallet does not match the authenticated session")
	ErrReconciliation        = New(KindInternal, CodeReconciliationRequired, "settlement could not be completed; a reconciliation incident was recorded")
)

// KindOf returns the kind of err, defaulting to KindInternal for errors that
// did not originate from this package.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// CodeOf returns the code of err, defaulting to CodeInternal.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}
