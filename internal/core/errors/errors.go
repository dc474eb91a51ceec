package errors

const (
	HttpInternalError      = "internal_error"
	HttpInvalidJsonError   = "invalid_json"
	HttpInvalidAnswerError = "invalid_answer"
	HttpInvalidQueryError  = "invalid_query"
	HttpBodyTooLargeError  = "body_too_large"
)

// ErrorResponse is the error response body of the tracking API.
type ErrorResponse struct {
	ErrorType string      `json:"error_type"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
}
