package services

import (
	"errors"
	"fmt"
)

// Stable codes returned to callers of ledger mutations. Existing clients
// match on these values.
const (
	CodeInsufficientPayment = 100
	CodeNoParticipants      = 101
	CodeNotOwner            = 103
)

// LedgerError is a validation failure of a ledger mutation. The ledger is
// unchanged whenever one is returned.
type LedgerError struct {
	Code int
	Msg  string
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("ledger: %s (code %d)", e.Msg, e.Code)
}

var (
	ErrInsufficientPayment = &LedgerError{Code: CodeInsufficientPayment, Msg: "insufficient payment"}
	ErrInvalidAmount       = &LedgerError{Code: CodeInsufficientPayment, Msg: "amount must be positive"}
	ErrNoParticipants      = &LedgerError{Code: CodeNoParticipants, Msg: "no participants"}
	ErrNotOwner            = &LedgerError{Code: CodeNotOwner, Msg: "permission denied"}

	ErrInvalidAccount = errors.New("account must not be empty")
	ErrInvalidParams  = errors.New("invalid deploy parameters")
	ErrUnknownOp      = errors.New("unknown opcode")
)

// CodeOf returns the stable code carried by err, or 0 when err is not a
// ledger validation error.
func CodeOf(err error) int {
	var le *LedgerError
	if errors.As(err, &le) {
		return le.Code
	}
	return 0
}
