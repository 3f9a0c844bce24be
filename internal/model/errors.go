package model

import "errors"

// Validation errors: malformed input or corrupt pool state, rejected before
// any mutation.
var (
	ErrInvalidAmount      = errors.New("amount must be a positive finite number")
	ErrInvalidSide        = errors.New("side must be yes or no")
	ErrInvalidResult      = errors.New("result must be yes, no or null")
	ErrInvalidMarket      = errors.New("invalid market definition")
	ErrInvalidMarketState = errors.New("invalid market state")
)

// Precondition errors: expected, recoverable by the caller.
var (
	ErrMarketNotFound         = errors.New("market not found")
	ErrMarketNotOpen          = errors.New("market is not open")
	ErrPortfolioNotFound      = errors.New("portfolio not found")
	ErrCurrencyUnavailable    = errors.New("portfolio does not hold the market currency")
	ErrInsufficientBalance    = errors.New("insufficient balance in market currency")
	ErrSpendTooLowForOneShare = errors.New("amount is too low to buy one whole share")
	ErrShareNotFound          = errors.New("share not found for this portfolio")
)

// Consistency violations: detected mid-transaction, never committed.
var (
	ErrNegativeBalance = errors.New("balance would become negative")
	ErrNonPositivePool = errors.New("pool would become non-positive")
)

// ErrConflict is returned when the store could not commit because of a
// concurrent transaction. The operation may be retried by the caller.
var ErrConflict = errors.New("transaction conflict, retry")

// ErrorKind classifies an error so callers can branch without string matching.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindValidation
	KindPrecondition
	KindConsistency
	KindConflict
	KindStorage
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPrecondition:
		return "precondition"
	case KindConsistency:
		return "consistency"
	case KindConflict:
		return "conflict"
	case KindStorage:
		return "storage"
	}
	return "unknown"
}

var kinds = []struct {
	err  error
	kind ErrorKind
}{
	{ErrInvalidAmount, KindValidation},
	{ErrInvalidSide, KindValidation},
	{ErrInvalidResult, KindValidation},
	{ErrInvalidMarket, KindValidation},
	{ErrInvalidMarketState, KindValidation},
	{ErrMarketNotFound, KindPrecondition},
	{ErrMarketNotOpen, KindPrecondition},
	{ErrPortfolioNotFound, KindPrecondition},
	{ErrCurrencyUnavailable, KindPrecondition},
	{ErrInsufficientBalance, KindPrecondition},
	{ErrSpendTooLowForOneShare, KindPrecondition},
	{ErrShareNotFound, KindPrecondition},
	{ErrNegativeBalance, KindConsistency},
	{ErrNonPositivePool, KindConsistency},
	{ErrConflict, KindConflict},
}

// Kind returns the classification of err. Errors not raised by the engine
// itself are storage failures.
func Kind(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindStorage
}

// Retryable reports whether err is a transient storage conflict.
func Retryable(err error) bool { return errors.Is(err, ErrConflict) }
