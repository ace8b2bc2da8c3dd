package types

import "errors"

// Business errors. They are detected before any state changes and are safe to
// show to the user.
var (
	ErrSymbolNotFound     = errors.New("symbol not found")
	ErrOrderNotFound      = errors.New("order not found")
	ErrInvalidOrder       = errors.New("invalid order")
	ErrPriceOutOfBand     = errors.New("price out of band")
	ErrInsufficientFunds  = errors.New("insufficient balance")
	ErrInsufficientShares = errors.New("insufficient shares")
	ErrNotOwner           = errors.New("you can only cancel your own orders")
	ErrNotCancelable      = errors.New("only open or partial orders can be canceled")
)

var (
	// ErrInvariantViolation means cash or share conservation was about to be
	// broken. It is a defect, never a user error.
	ErrInvariantViolation = errors.New("ledger invariant violation")

	// ErrLockTimeout is returned when row locks could not be acquired in time.
	// The whole call was rolled back and may be retried.
	ErrLockTimeout = errors.New("timed out waiting for lock")
)

// IsBusinessError reports whether err is a user-facing rejection
func IsBusinessError(err error) bool {
	for _, target := range []error{
		ErrSymbolNotFound,
		ErrOrderNotFound,
		ErrInvalidOrder,
		ErrPriceOutOfBand,
		ErrInsufficientFunds,
		ErrInsufficientShares,
		ErrNotOwner,
		ErrNotCancelable,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
