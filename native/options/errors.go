package options

import "errors"

// Kind groups errors by the class of condition they report.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindState         Kind = "state"
	KindOracle        Kind = "oracle"
	KindArithmetic    Kind = "arithmetic"
)

// Error is a typed failure returned by the engine. Values are compared by
// identity so callers should use errors.Is against the exported sentinels.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string { return "options: " + e.Message }

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

var (
	ErrAmountNotPositive      = newError(KindValidation, "amount_not_positive", "amount must be greater than zero")
	ErrDescriptionEmpty       = newError(KindValidation, "description_empty", "description must not be empty")
	ErrDescriptionTooLong     = newError(KindValidation, "description_too_long", "description exceeds 40 bytes")
	ErrInvalidPosition        = newError(KindValidation, "invalid_position", "position must be long or short")
	ErrPredictionCannotBeSame = newError(KindValidation, "prediction_cannot_be_same", "both predictions cannot be the same")
	ErrInvalidDepositAmount   = newError(KindValidation, "invalid_deposit_amount", "deposit amount must equal the counter stake")
	ErrPayoutMismatch         = newError(KindValidation, "payout_mismatch", "withdrawal amount must equal the total payout")
	ErrFeeExceedsPool         = newError(KindValidation, "fee_exceeds_pool", "fee must be lower than the pooled stake")
	ErrInvalidArgument        = newError(KindValidation, "invalid_argument", "invalid argument")

	ErrWithdrawalDisallowed = newError(KindAuthorization, "withdrawal_disallowed", "caller is not a participant")
	ErrInvalidWinner        = newError(KindAuthorization, "invalid_winner", "caller is not the winner")
	ErrUnauthorized         = newError(KindAuthorization, "unauthorized", "caller is not the treasury authority")
	ErrPredictionDisallowed = newError(KindAuthorization, "prediction_disallowed", "creator cannot take both predictions")

	ErrAccountNotInitialized     = newError(KindState, "account_not_initialized", "treasury not initialized")
	ErrAccountAlreadyInitialized = newError(KindState, "account_already_initialized", "treasury already initialized")
	ErrParticipantsLimit         = newError(KindState, "participants_limit", "escrow already matched")
	ErrPredictionNotMade         = newError(KindState, "prediction_not_made", "escrow has not been matched")
	ErrAlreadySettled            = newError(KindState, "already_settled", "escrow already settled")
	ErrEscrowNotFound            = newError(KindState, "escrow_not_found", "escrow not found")
	ErrModulePaused              = newError(KindState, "module_paused", "options module paused")

	ErrOracleUnavailable  = newError(KindOracle, "oracle_unavailable", "oracle price unavailable or stale")
	ErrOracleFeedMismatch = newError(KindOracle, "oracle_feed_mismatch", "oracle sample from unexpected feed")

	ErrArithmeticOverflow = newError(KindArithmetic, "arithmetic_overflow", "arithmetic overflow")
)

// KindOf returns the kind of the first engine error in err's chain, or the
// empty string when err carries none.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return ""
}

// CodeOf returns the stable machine code of the first engine error in err's
// chain.
func CodeOf(err error) string {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Code
	}
	return ""
}
