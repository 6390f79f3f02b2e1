package common

// ErrorDetail is the error object embedded in every non-2xx response.
type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"` // Additional error context
}

// ErrorResponse is the standard error envelope returned by the HTTP API
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// NewErrorResponse builds the standard error envelope.
func NewErrorResponse(code, message string, details interface{}) ErrorResponse {
	return ErrorResponse{Error: ErrorDetail{Code: code, Message: message, Details: details}}
}

// Error codes used by the control surface
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeInvalidSitemap = "INVALID_SITEMAP"
	CodeInternalError  = "INTERNAL_ERROR"
	CodeRunNotFound    = "RUN_NOT_FOUND"
	CodeNotFound       = "NOT_FOUND"
	CodeUnauthorized   = "UNAUTHORIZED"
)
