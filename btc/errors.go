package btc

import "fmt"

type ErrorCode string

const (
	ERR_PARSE             ErrorCode = "PARSE_ERROR"
	ERR_SCRIPT            ErrorCode = "SCRIPT_ERROR"
	ERR_ADDRESS           ErrorCode = "ADDRESS_ERROR"
	ERR_POW_INVALID       ErrorCode = "INVALID_PROOF_OF_WORK"
	ERR_UNKNOWN_PARENT    ErrorCode = "UNKNOWN_PARENT"
	ERR_UNKNOWN_HEADER    ErrorCode = "UNKNOWN_HEADER"
	ERR_NOT_IN_BEST_CHAIN ErrorCode = "NOT_IN_BEST_CHAIN"
	ERR_TIMESTAMP         ErrorCode = "TIMESTAMP_VIOLATION"
	ERR_RETARGET_MISMATCH ErrorCode = "RETARGET_MISMATCH"
	ERR_MERKLE_MISMATCH   ErrorCode = "MERKLE_MISMATCH"
	ERR_DUPLICATE_NONCE   ErrorCode = "DUPLICATE_NONCE"
	ERR_AMOUNT            ErrorCode = "AMOUNT_BELOW_MINIMUM"
	ERR_INSUFFICIENT_CONF ErrorCode = "INSUFFICIENT_CONFIRMATIONS"
	ERR_INVALID_SIGNATURE ErrorCode = "INVALID_SIGNATURE"
	ERR_THRESHOLD_NOT_MET ErrorCode = "THRESHOLD_NOT_MET"
	ERR_STALE_CHECKPOINT  ErrorCode = "STALE_CHECKPOINT_STATE"
)

// Error is the inspectable failure type returned by every core package.
// Code is machine-readable; Msg carries context for operators.
type Error struct {
	Code ErrorCode
	Msg  string
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func Errf(code ErrorCode, format string, args ...any) error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the ErrorCode from an error produced by Errf, or ""
// for foreign errors.
func CodeOf(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}
