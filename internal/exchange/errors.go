package exchange

import "errors"

// Failure taxonomy of the core. Submission rejects with ErrValidation before
// any reservation is attempted and with the two insufficiency errors at
// reservation time, with nothing mutated. Cancellation rejects with the three
// cancellation errors, with nothing mutated. ErrConsistency is a defect, not
// a user-facing error: reservations guarantee funds exist, so any debit past
// zero inside a settlement aborts the whole unit of work.
var (
	ErrValidation         = errors.New("invalid order parameters")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInsufficientAssets = errors.New("insufficient assets")
	ErrOrderNotFound      = errors.New("order not found")
	ErrUnauthorized       = errors.New("order belongs to another user")
	ErrInvalidOrderState  = errors.New("order is not open")
	ErrConsistency        = errors.New("ledger consistency violation")
)

// errMakerGone aborts a settlement attempt whose maker candidate changed
// between selection and locking. The matching loop re-queries and retries.
var errMakerGone = errors.New("maker no longer eligible")
