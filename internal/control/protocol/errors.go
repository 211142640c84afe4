package protocol

// Error codes for protocol responses.
const (
	// ErrCodeInvalidRequest indicates the request body was not valid JSON.
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	// ErrCodeInvalidParams indicates the method parameters were invalid.
	ErrCodeInvalidParams = "INVALID_PARAMS"
	// ErrCodeInvalidState indicates the operation is not allowed in the current state.
	ErrCodeInvalidState = "INVALID_STATE"
	// ErrCodeMonitorFailed indicates the monitor could not be started.
	ErrCodeMonitorFailed = "MONITOR_FAILED"
	// ErrCodeLimitFailed indicates the limiter did not succeed.
	ErrCodeLimitFailed = "LIMIT_FAILED"
	// ErrCodeInternalError indicates an unexpected internal error.
	ErrCodeInternalError = "INTERNAL_ERROR"
)
