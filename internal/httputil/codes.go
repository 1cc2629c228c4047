package httputil

// Machine-readable error codes. Clients should branch on these rather than
// on the human-readable message.
const (
	CodeInvalidRequestBody = "invalid_request_body"
	CodeValidationFailed   = "validation_failed"
	CodeUsernameTaken      = "username_taken"
	CodeNotFound           = "not_found"
	CodeForbidden          = "forbidden"
	CodeInvalidCredentials = "invalid_credentials"
	CodeNotVerified        = "email_not_verified"
	CodeAlreadyVerified    = "email_already_verified"
	CodeInvalidToken       = "invalid_token"
	CodeTokenExpired       = "token_expired"
	CodeMissingAuth        = "missing_authentication"
	CodeInvalidAuthHeader  = "invalid_auth_header"
	CodeDeliveryFailed     = "email_delivery_failed"
	CodeTooManyRequests    = "too_many_requests"
	CodeCooldownActive     = "cooldown_active"
	CodeInternalError      = "internal_error"
)
