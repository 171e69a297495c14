package ports

import "errors"

// Standard application-level errors.
// Adapters wrap underlying infrastructure errors with these standard errors
// so the core can decide retry/fatal on errors.Is instead of string matching.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Exchange Specific Errors
	ErrExchangeUnavailable  = errors.New("exchange API is unavailable")
	ErrConnectionFailed     = errors.New("failed to connect to the exchange")
	ErrRateLimited          = errors.New("API rate limit exceeded")
	ErrAuthenticationFailed = errors.New("exchange authentication failed (check API keys)")
	ErrInvalidAPIKeys       = errors.New("invalid API keys or permissions")
	ErrInsufficientFunds    = errors.New("insufficient funds for operation")
	ErrOrderNotFound        = errors.New("order not found on the exchange")
	ErrPositionNotFound     = errors.New("position not found on the exchange")
	ErrOrderPlacementFailed = errors.New("failed to place order")

	// Reconciliation Errors
	// Exhausting bounded retries on these is fatal for the trading cycle:
	// proceeding without a confirmed fill or realized PnL would corrupt
	// the running profit total.
	ErrFillNotConfirmed  = errors.New("order fill not confirmed within retry budget")
	ErrCloseNotConfirmed = errors.New("position close not confirmed within retry budget")

	// Signal Errors
	ErrInsufficientData = errors.New("not enough candles for signal calculation")

	// Database Specific Errors
	ErrDuplicateEntry = errors.New("database record already exists")
	ErrDBConnection   = errors.New("database connection error")
	ErrQueryFailed    = errors.New("database query failed")
)
