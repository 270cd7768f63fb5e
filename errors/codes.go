package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: delivery timeouts, an agent briefly offline.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: invalid input, unknown recipient, expired message.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates resource exhaustion or backpressure.
	// Examples: full priority queue, full subscriber buffer, rate limiting.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal indicates unexpected errors, bugs, or system failures.
	// Examples: nil pointer, assertion failures, corrupted state.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

// Error codes for common failure scenarios.
const (
	// Transient errors
	ErrCodeTimeout        ErrorCode = "TIMEOUT"         // Operation timed out
	ErrCodeUnavailable    ErrorCode = "UNAVAILABLE"     // Transport temporarily unavailable
	ErrCodeNetworkErr     ErrorCode = "NETWORK_ERR"     // Network connectivity issue
	ErrCodeDeliveryFailed ErrorCode = "DELIVERY_FAILED" // Delivery attempt failed
	ErrCodeAgentOffline   ErrorCode = "AGENT_OFFLINE"   // Target agent is offline

	// Permanent errors
	ErrCodeValidation        ErrorCode = "VALIDATION"         // Malformed or invalid input
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"          // Resource does not exist
	ErrCodeAlreadyExists     ErrorCode = "ALREADY_EXISTS"     // Resource already exists
	ErrCodeUnknownRecipient  ErrorCode = "UNKNOWN_RECIPIENT"  // Recipient not registered
	ErrCodeUnknownCapability ErrorCode = "UNKNOWN_CAPABILITY" // No agent provides the capability
	ErrCodeUnknownEventType  ErrorCode = "UNKNOWN_EVENT_TYPE" // Event type never registered
	ErrCodeExpired           ErrorCode = "EXPIRED"            // Message or event exceeded its TTL
	ErrCodeRetryExhausted    ErrorCode = "RETRY_EXHAUSTED"    // Retry budget spent
	ErrCodeUnsupported       ErrorCode = "UNSUPPORTED"        // Operation not supported
	ErrCodeCanceled          ErrorCode = "CANCELED"           // Operation was canceled
	ErrCodeClosed            ErrorCode = "CLOSED"             // Component already closed

	// Resource errors
	ErrCodeQueueFull  ErrorCode = "QUEUE_FULL"   // Priority queue at capacity
	ErrCodeBufferFull ErrorCode = "BUFFER_FULL"  // Subscriber buffer at capacity
	ErrCodeRateLimit  ErrorCode = "RATE_LIMITED" // Dispatch rate limit exceeded
	ErrCodeCapacity   ErrorCode = "CAPACITY"     // System at capacity

	// Internal errors
	ErrCodeInternal  ErrorCode = "INTERNAL"  // Unexpected internal error
	ErrCodeAssertion ErrorCode = "ASSERTION" // Assertion/invariant violation
	ErrCodePanic     ErrorCode = "PANIC"     // Recovered from panic
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	// Transient
	case ErrCodeTimeout, ErrCodeUnavailable, ErrCodeNetworkErr,
		ErrCodeDeliveryFailed, ErrCodeAgentOffline:
		return CategoryTransient

	// Permanent
	case ErrCodeValidation, ErrCodeNotFound, ErrCodeAlreadyExists,
		ErrCodeUnknownRecipient, ErrCodeUnknownCapability, ErrCodeUnknownEventType,
		ErrCodeExpired, ErrCodeRetryExhausted, ErrCodeUnsupported,
		ErrCodeCanceled, ErrCodeClosed:
		return CategoryPermanent

	// Resource
	case ErrCodeQueueFull, ErrCodeBufferFull, ErrCodeRateLimit, ErrCodeCapacity:
		return CategoryResource

	// Internal
	case ErrCodeInternal, ErrCodeAssertion, ErrCodePanic:
		return CategoryInternal

	default:
		return CategoryInternal
	}
}

// DefaultRetryable returns whether this error code is typically retryable.
func (c ErrorCode) DefaultRetryable() bool {
	return c.DefaultCategory().IsRetryable()
}

// codeDescriptions provides human-readable descriptions for error codes.
var codeDescriptions = map[ErrorCode]string{
	ErrCodeTimeout:           "operation timed out",
	ErrCodeUnavailable:       "transport temporarily unavailable",
	ErrCodeNetworkErr:        "network connectivity error",
	ErrCodeDeliveryFailed:    "delivery attempt failed",
	ErrCodeAgentOffline:      "agent is offline",
	ErrCodeValidation:        "invalid input provided",
	ErrCodeNotFound:          "resource not found",
	ErrCodeAlreadyExists:     "resource already exists",
	ErrCodeUnknownRecipient:  "recipient is not registered",
	ErrCodeUnknownCapability: "no registered agent provides the capability",
	ErrCodeUnknownEventType:  "event type is not registered",
	ErrCodeExpired:           "message expired before delivery",
	ErrCodeRetryExhausted:    "retry budget exhausted",
	ErrCodeUnsupported:       "operation not supported",
	ErrCodeCanceled:          "operation canceled",
	ErrCodeClosed:            "component is closed",
	ErrCodeQueueFull:         "queue at capacity",
	ErrCodeBufferFull:        "buffer at capacity",
	ErrCodeRateLimit:         "rate limit exceeded",
	ErrCodeCapacity:          "system at capacity",
	ErrCodeInternal:          "internal error",
	ErrCodeAssertion:         "assertion failed",
	ErrCodePanic:             "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
