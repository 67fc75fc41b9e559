package apperrors

import "errors"

// Standardized exchange errors. Exchange adapters map wire-level error codes
// onto these sentinels so the engine can branch on typed results instead of
// untyped strings.
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidPair           = errors.New("invalid trading pair")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrExchangeMaintenance   = errors.New("exchange maintenance")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrSystemOverload        = errors.New("system overload")
	ErrTimestampOutOfBounds  = errors.New("timestamp out of bounds")
)

// Engine-level errors surfaced at the OpenPosition boundary.
var (
	ErrSignalRejected    = errors.New("signal rejected: pair already holds an open position")
	ErrDailyLimitReached = errors.New("daily trade limit reached")
)

// ErrPositionNotFound is returned by the position store for unknown ids.
var ErrPositionNotFound = errors.New("position not found")

// IsRetryable reports whether an exchange error is transient and the call may
// simply be attempted again later. Everything else requires a state-machine
// decision.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrRateLimitExceeded) ||
		errors.Is(err, ErrExchangeMaintenance) ||
		errors.Is(err, ErrSystemOverload) ||
		errors.Is(err, ErrTimestampOutOfBounds)
}

// IsFatalPlacement reports whether a placement error can never succeed on
// retry (insufficient balance, bad pair, rejected parameters).
func IsFatalPlacement(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInvalidPair) ||
		errors.Is(err, ErrInvalidOrderParameter) ||
		errors.Is(err, ErrOrderRejected) ||
		errors.Is(err, ErrAuthenticationFailed)
}

// IsNotFound reports whether the exchange denies knowledge of an order id.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrOrderNotFound)
}
