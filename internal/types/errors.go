package types

// ErrorCode is a stable, user-reportable error identifier
type ErrorCode struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e ErrorCode) Error() string {
	return e.Code + ": " + e.Message
}

// Authentication
var (
	ErrAuthFailure = ErrorCode{Code: "ATH-0001", Message: "Auth Failed - Check credentials"}
	ErrAuthUnknown = ErrorCode{Code: "ATH-0002", Message: "Other Auth - check SSL Cert, etc."}
)

// Change feed
var (
	ErrFeedRegistration = ErrorCode{Code: "OP-0001", Message: "Oplog Registration Error (Contact Support)"}
)

// Telephony
var (
	ErrTelephonyRegistration = ErrorCode{Code: "TL-0001", Message: "SIP Registration Error (Check Credentials/Domain)"}
	ErrTelephonyNetwork      = ErrorCode{Code: "TL-0002", Message: "General Networking Error (Check SSL, etc)"}
	ErrTelephonyTimeout      = ErrorCode{Code: "TL-0003", Message: "Connection Timeout (Check telephony options)"}
	ErrTelephonyUnknown      = ErrorCode{Code: "TL-0004", Message: "Unknown Telephony Error (Contact Support)"}
)

// Status
var (
	ErrInvalidDeviceInformation = ErrorCode{Code: "ST-0001", Message: "Invalid Device Information (Contact Support)"}
	ErrDeviceInformationUnknown = ErrorCode{Code: "ST-0002", Message: "Unknown Device Information Error"}
	ErrOrganisationUnknown      = ErrorCode{Code: "ST-0003", Message: "Unknown Org Error"}
	ErrInitialStatusFetch       = ErrorCode{Code: "ST-0004", Message: "Initial Status Fetch Error"}
)

// ErrConnectionStopped marks the forced-stop condition
var ErrConnectionStopped = ErrorCode{Code: "AS-4141", Message: "Err 4141"}
