// Package ferrors defines the supervisor's typed error kinds.
//
// Components wrap one of these sentinels with fmt.Errorf("...: %w", err) so
// callers can classify failures with errors.Is without string matching.
package ferrors

import "errors"

var (
	ErrStorageFailure        = errors.New("storage failure")
	ErrLogReadFailure        = errors.New("log read failure")
	ErrHealthParseFailure    = errors.New("health parse failure")
	ErrBudgetExceeded        = errors.New("daily token budget exceeded")
	ErrProviderUnavailable   = errors.New("llm provider unavailable")
	ErrDiagnosisParseFailure = errors.New("diagnosis parse failure")
	ErrAssetValidationFailure = errors.New("asset validation failure")
	ErrChecksumMismatch      = errors.New("checksum mismatch")
	ErrServiceControlFailure = errors.New("service control failure")
	ErrActionArgumentInvalid = errors.New("action argument invalid")
	ErrSinkDeliveryFailure   = errors.New("sink delivery failure")
)
