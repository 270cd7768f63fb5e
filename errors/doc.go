// Package errors provides a structured error taxonomy for message routing
// in agentrelay. It defines a comprehensive set of error types, codes, and
// categories that enable consistent error handling across routing, delivery,
// and event distribution.
//
// # Error Categories
//
// Errors are classified into four categories:
//
//   - Transient: Temporary failures where retry may succeed (delivery failures, offline agents, etc.)
//   - Permanent: Failures where retry will not help (invalid input, unknown recipient, etc.)
//   - Resource: Resource exhaustion issues (full queues, rate limits, etc.)
//   - Internal: Unexpected errors indicating bugs or system failures
//
// # Error Codes
//
// Each error has a specific code that identifies the type of failure:
//
//   - VALIDATION: Malformed or invalid input
//   - QUEUE_FULL: Priority queue at capacity
//   - DELIVERY_FAILED: Delivery attempt failed
//   - UNKNOWN_RECIPIENT: Recipient not registered
//   - EXPIRED: Message exceeded its TTL
//   - And more...
//
// # Usage
//
// Create a new error:
//
//	err := errors.New(errors.ErrCodeDeliveryFailed, "connection reset")
//
// Wrap an existing error with context:
//
//	wrapped := errors.Wrap(err, "routing message")
//
// Check if an error is retryable:
//
//	if relayErr := errors.AsRelayError(err); relayErr != nil && relayErr.Retryable() {
//	    // retry logic
//	}
//
// # JSON Serialization
//
// All errors support JSON serialization for cross-agent communication:
//
//	data, err := json.Marshal(relayErr)
//
// Errors can be deserialized back:
//
//	var relayErr errors.Error
//	json.Unmarshal(data, &relayErr)
package errors
