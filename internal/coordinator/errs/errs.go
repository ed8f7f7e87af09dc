// Package errs names the error kinds of spec §7's taxonomy so the HTTP
// layer (internal/api) can map them to status codes without the
// Lifecycle Controller knowing anything about transport.
package errs

import "errors"

// Validation errors: malformed input, bad signature, hash mismatch,
// insufficient allowance, price out of band. State unchanged.
var (
	ErrMalformed            = errors.New("validation: malformed input")
	ErrBadSignature         = errors.New("validation: bad signature")
	ErrHashMismatch         = errors.New("validation: hash mismatch")
	ErrInsufficientAllowance = errors.New("validation: insufficient allowance")
	ErrPriceOutOfBand       = errors.New("validation: price out of band")
	ErrDuplicateOrder       = errors.New("validation: duplicate order")
)

// State errors: operation attempted in the wrong status or by a
// non-owning resolver. State unchanged.
var (
	ErrOrderNotFound  = errors.New("state: order not found")
	ErrWrongStatus    = errors.New("state: operation not valid in current status")
	ErrNotOwner       = errors.New("state: resolver does not own this commitment")
	ErrNotRescuable   = errors.New("state: order is not in a rescuable status")
)

// ErrFundVerification: escrow underfunded. Order stays in
// COMMITTED/SETTLING pending correction.
var ErrFundVerification = errors.New("fund-verification: escrow underfunded")

// ErrIrrecoverableSettlement: the destination reveal was rejected for a
// reason other than alreadyClaimed (which the Controller records as
// COMPLETED). The order's status is left as it was; CompetitionTimeout
// marks the order FAILED when its own reveal attempt fails this way.
var ErrIrrecoverableSettlement = errors.New("irrecoverable: settlement cannot proceed")
