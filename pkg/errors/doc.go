// Package errors provides structured error handling with error codes for simple-auth.
//
// This package standardizes error handling across all services with typed error codes,
// structured error details, and automatic HTTP status code mapping.
//
// # Basic Usage
//
// Creating errors with codes:
//
//	import "github.com/tendant/simple-auth/pkg/errors"
//
//	// Create a simple error
//	err := errors.New(errors.ErrCodeExpired, "pending verification expired")
//
//	// Wrap an existing error
//	err := errors.Wrap(sendErr, errors.ErrCodeNotificationFailed, "failed to deliver passcode")
//
//	// Use convenience constructors
//	err := errors.NotFound("impersonation request", requestID)
//	err := errors.InvalidCredentials()
//
// Checking error codes:
//
//	if errors.IsCode(err, errors.ErrCodeAlreadyConsumed) {
//		// conflict is safe to report as an idempotent no-op
//	}
//
// Every code maps to an HTTP status via MapErrorCodeToHTTPStatus; handlers never
// branch on message text.
package errors
