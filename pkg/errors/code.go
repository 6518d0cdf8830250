package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11999: Auth errors
// 12000-12999: Problem & Language errors
// 13000-13999: Solution & Judge errors
// 14000-14999: Contest errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Unauthorized        ErrorCode = 10004
	Forbidden           ErrorCode = 10005
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008
	UpstreamUnavailable ErrorCode = 10009

	// Database errors (10100-10199)
	DatabaseError     ErrorCode = 10100
	RecordNotFound    ErrorCode = 10101
	TransactionFailed ErrorCode = 10102

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200
	LockFailed ErrorCode = 10201

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	RequiredFieldEmpty ErrorCode = 10302

	// ========== Auth Errors (11000-11999) ==========

	TokenExpired  ErrorCode = 11000
	TokenInvalid  ErrorCode = 11001
	TokenMissing  ErrorCode = 11002
	IssuerUnknown ErrorCode = 11003

	// ========== Problem & Language Errors (12000-12999) ==========

	ProblemNotFound      ErrorCode = 12000
	ProblemFetchFailed   ErrorCode = 12001
	LanguageNotSupported ErrorCode = 12100
	LanguageConfigError  ErrorCode = 12101

	// ========== Solution & Judge Errors (13000-13999) ==========

	SolutionNotFound     ErrorCode = 13000
	SolutionCreateFailed ErrorCode = 13001
	SolutionUpdateFailed ErrorCode = 13002
	CodeEmpty            ErrorCode = 13003

	JudgeQueueFull   ErrorCode = 13100
	JudgeSystemError ErrorCode = 13101
	SandboxError     ErrorCode = 13102

	// ========== Contest Errors (14000-14999) ==========

	ContestNotFound    ErrorCode = 14000
	ContestRosterError ErrorCode = 14001
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Unauthorized:        "Unauthorized access",
	Forbidden:           "Access forbidden",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",
	UpstreamUnavailable: "Upstream service unavailable",

	// Database
	DatabaseError:     "Database operation failed",
	RecordNotFound:    "Record not found in database",
	TransactionFailed: "Database transaction failed",

	// Cache
	CacheError: "Cache operation failed",
	LockFailed: "Failed to acquire lock",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	RequiredFieldEmpty: "Required field is empty",

	// Auth
	TokenExpired:  "Token has expired",
	TokenInvalid:  "Invalid token",
	TokenMissing:  "Authorization token is missing",
	IssuerUnknown: "Token issuer key is not available",

	// Problem & Language
	ProblemNotFound:      "Problem not found",
	ProblemFetchFailed:   "Failed to fetch problem from content service",
	LanguageNotSupported: "Programming language not supported",
	LanguageConfigError:  "Invalid language configuration",

	// Solution & Judge
	SolutionNotFound:     "Solution not found",
	SolutionCreateFailed: "Failed to create solution",
	SolutionUpdateFailed: "Failed to update solution",
	CodeEmpty:            "Source code is empty",

	JudgeQueueFull:   "Judge queue is full, please try again later",
	JudgeSystemError: "Judge system error",
	SandboxError:     "Sandbox execution error",

	// Contest
	ContestNotFound:    "Contest not found",
	ContestRosterError: "Failed to fetch contest roster",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c >= 11000 && c < 12000: // Auth errors
		return 401
	case c == Unauthorized:
		return 401
	case c == Forbidden:
		return 403
	case c == NotFound, c == ProblemNotFound, c == SolutionNotFound, c == ContestNotFound:
		return 404
	case c == TooManyRequests:
		return 429
	case c == UpstreamUnavailable, c == ProblemFetchFailed, c == ContestRosterError:
		return 502
	case c == ServiceUnavailable, c == JudgeQueueFull:
		return 503
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams, c == LanguageNotSupported, c == CodeEmpty:
		return 400
	default:
		return 500
	}
}
