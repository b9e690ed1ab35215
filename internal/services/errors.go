package services

import (
	"errors"
	"fmt"

	"github.com/ruralpay/ledger/internal/repository"
)

// ErrorKind classifies a LedgerError for callers and the HTTP edge.
type ErrorKind string

const (
	KindValidation        ErrorKind = "ValidationError"
	KindNotFound          ErrorKind = "NotFoundError"
	KindAuthorization     ErrorKind = "AuthorizationError"
	KindInsufficientFunds ErrorKind = "InsufficientFundsError"
	KindReplay            ErrorKind = "ReplayError"
	KindExpired           ErrorKind = "ExpiredResourceError"
	KindAlreadyUsed       ErrorKind = "AlreadyUsedError"
	KindSelfPayment       ErrorKind = "SelfPaymentError"
	KindInternal          ErrorKind = "InternalError"
)

// LedgerError is the structured failure returned by every ledger operation.
// Two LedgerErrors match under errors.Is when their codes are equal.
type LedgerError struct {
	Kind    ErrorKind `json:"kind"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`

	// id of the row that already owns a replayed code
	existingTxID string
}

func (e *LedgerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *LedgerError) Unwrap() error {
	return e.Err
}

func (e *LedgerError) Is(target error) bool {
	t, ok := target.(*LedgerError)
	return ok && t.Code != "" && t.Code == e.Code
}

func sentinel(kind ErrorKind, code, message string) *LedgerError {
	return &LedgerError{Kind: kind, Code: code, Message: message}
}

var (
	ErrInvalidRequest       = sentinel(KindValidation, "INVALID_REQUEST", "invalid request")
	ErrInvalidAmount        = sentinel(KindValidation, "INVALID_AMOUNT", "amount must be greater than zero")
	ErrInvalidPINFormat     = sentinel(KindValidation, "INVALID_PIN_FORMAT", "PIN must be 4 to 6 digits")
	ErrInvalidCode          = sentinel(KindValidation, "INVALID_TRANSACTION_CODE", "transaction code is malformed or forged")
	ErrSameAccount          = sentinel(KindValidation, "SAME_ACCOUNT", "sender and recipient must differ")
	ErrBookingClosed        = sentinel(KindValidation, "BOOKING_CLOSED", "booking is already completed or cancelled")
	ErrBookingMismatch      = sentinel(KindValidation, "BOOKING_CUSTOMER_MISMATCH", "booking belongs to another customer")
	ErrEscrowAmountMismatch = sentinel(KindValidation, "ESCROW_AMOUNT_MISMATCH", "escrow amount must equal the booking price")
	ErrEscrowNotHeld        = sentinel(KindValidation, "ESCROW_NOT_HELD", "booking has no funds in escrow")
	ErrInvalidCommission    = sentinel(KindValidation, "INVALID_COMMISSION_RATE", "commission rate must be between 0 and 100")
	ErrQRAmountMismatch     = sentinel(KindValidation, "QR_AMOUNT_MISMATCH", "amount differs from the amount bound to the QR code")
	ErrWalletExists         = sentinel(KindValidation, "WALLET_EXISTS", "wallet already exists")
	ErrWalletNotFound       = sentinel(KindNotFound, "WALLET_NOT_FOUND", "wallet not found")
	ErrBookingNotFound      = sentinel(KindNotFound, "BOOKING_NOT_FOUND", "booking not found")
	ErrQRNotFound           = sentinel(KindNotFound, "QR_NOT_FOUND", "QR code not found")
	ErrTransactionNotFound  = sentinel(KindNotFound, "TRANSACTION_NOT_FOUND", "transaction not found")
	ErrFlagNotFound         = sentinel(KindNotFound, "FLAG_NOT_FOUND", "flag not found or already resolved")
	ErrPinNotSet            = sentinel(KindAuthorization, "PIN_NOT_SET", "PIN has not been set")
	ErrPinInvalid           = sentinel(KindAuthorization, "PIN_INVALID", "invalid PIN")
	ErrPinLocked            = sentinel(KindAuthorization, "PIN_LOCKED", "PIN locked after too many failed attempts")
	ErrInsufficientFunds    = sentinel(KindInsufficientFunds, "INSUFFICIENT_FUNDS", "insufficient funds")
	ErrDuplicateCode        = sentinel(KindReplay, "DUPLICATE_TRANSACTION_CODE", "duplicate transaction code")
	ErrQRExpired            = sentinel(KindExpired, "QR_EXPIRED", "QR code has expired")
	ErrQRAlreadyUsed        = sentinel(KindAlreadyUsed, "QR_ALREADY_USED", "QR code has already been redeemed")
	ErrEscrowAlreadyHeld    = sentinel(KindAlreadyUsed, "ESCROW_ALREADY_HELD", "booking already has funds in escrow")
	ErrSelfPaymentForbidden = sentinel(KindSelfPayment, "SELF_PAYMENT_FORBIDDEN", "cannot pay your own QR code")
)

// withDetail returns a copy of base with extra context appended to the message.
func withDetail(base *LedgerError, format string, args ...any) *LedgerError {
	e := *base
	e.Message = base.Message + ": " + fmt.Sprintf(format, args...)
	return &e
}

func invalidRequest(err error) *LedgerError {
	e := *ErrInvalidRequest
	e.Err = err
	return &e
}

func internalError(op string, err error) *LedgerError {
	return &LedgerError{
		Kind:    KindInternal,
		Code:    "INTERNAL_ERROR",
		Message: op + " failed",
		Err:     err,
	}
}

// storageError passes LedgerErrors through, maps a missing row to notFound
// and wraps anything else as an internal failure.
func storageError(op string, err error, notFound *LedgerError) error {
	if err == nil {
		return nil
	}
	var le *LedgerError
	if errors.As(err, &le) {
		return err
	}
	if notFound != nil && errors.Is(err, repository.ErrNotFound) {
		return notFound
	}
	return internalError(op, err)
}

// AsLedgerError extracts a LedgerError from err.
func AsLedgerError(err error) (*LedgerError, bool) {
	var le *LedgerError
	ok := errors.As(err, &le)
	return le, ok
}

// KindOf reports the kind of err; unknown errors are internal.
func KindOf(err error) ErrorKind {
	if le, ok := AsLedgerError(err); ok {
		return le.Kind
	}
	return KindInternal
}
