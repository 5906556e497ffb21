// Package errors provides standardized error handling for the qrseal service.
package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the qrseal service.
type ErrorCode string

const (
	// Request errors
	QRS_VALIDATION    ErrorCode = "QRS_VALIDATION"    // General validation error
	QRS_BAD_REQUEST   ErrorCode = "QRS_BAD_REQUEST"   // Bad request
	QRS_SCHEMA_REJECT ErrorCode = "QRS_SCHEMA_REJECT" // Payload failed JSON schema validation
	QRS_IMAGE_FORMAT  ErrorCode = "QRS_IMAGE_FORMAT"  // Unsupported or lossy image format

	// Authentication errors
	QRS_AUTHN         ErrorCode = "QRS_AUTHN"         // Authentication failed
	QRS_JWT_INVALID   ErrorCode = "QRS_JWT_INVALID"   // Invalid JWT
	QRS_JWT_EXPIRED   ErrorCode = "QRS_JWT_EXPIRED"   // Expired JWT
	QRS_JWT_MALFORMED ErrorCode = "QRS_JWT_MALFORMED" // Malformed JWT

	// Resource errors
	QRS_NOT_FOUND      ErrorCode = "QRS_NOT_FOUND"      // Binding record not found
	QRS_CONFLICT       ErrorCode = "QRS_CONFLICT"       // Binding record already exists
	QRS_FILE_NOT_FOUND ErrorCode = "QRS_FILE_NOT_FOUND" // Input file missing or unreadable

	// Steganography errors
	QRS_CAPACITY_EXCEEDED ErrorCode = "QRS_CAPACITY_EXCEEDED" // Cover too small for payload
	QRS_HEADER_NOT_FOUND  ErrorCode = "QRS_HEADER_NOT_FOUND"  // No bit header in stego image
	QRS_INSUFFICIENT_DATA ErrorCode = "QRS_INSUFFICIENT_DATA" // Stego image truncated
	QRS_QR_DECODE         ErrorCode = "QRS_QR_DECODE"         // Extracted raster is not a readable QR code

	// Binding errors
	QRS_DOCUMENT_TOO_LARGE ErrorCode = "QRS_DOCUMENT_TOO_LARGE" // Document above size ceiling
	QRS_ENVELOPE_TOO_LARGE ErrorCode = "QRS_ENVELOPE_TOO_LARGE" // Envelope exceeds QR capacity
	QRS_TOKEN_MALFORMED    ErrorCode = "QRS_TOKEN_MALFORMED"    // Binding token cannot be decoded

	// Rate limiting
	QRS_RATE_LIMIT ErrorCode = "QRS_RATE_LIMIT" // Rate limit exceeded

	// Server errors
	QRS_INTERNAL    ErrorCode = "QRS_INTERNAL"    // Internal server error
	QRS_UNAVAILABLE ErrorCode = "QRS_UNAVAILABLE" // Service unavailable
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId"`
	Details       interface{} `json:"details,omitempty"`
	HTTPStatus    int         `json:"-"`
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string, correlationID string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, correlationID string, details interface{}) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		Details:       details,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s: %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WithCorrelationID returns a copy of e stamped with the given correlation ID.
func (e *Error) WithCorrelationID(correlationID string) *Error {
	cp := *e
	cp.CorrelationID = correlationID
	return &cp
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case QRS_VALIDATION, QRS_BAD_REQUEST, QRS_SCHEMA_REJECT, QRS_IMAGE_FORMAT, QRS_TOKEN_MALFORMED:
		return http.StatusBadRequest
	case QRS_AUTHN, QRS_JWT_INVALID, QRS_JWT_EXPIRED, QRS_JWT_MALFORMED:
		return http.StatusUnauthorized
	case QRS_NOT_FOUND, QRS_FILE_NOT_FOUND:
		return http.StatusNotFound
	case QRS_CONFLICT:
		return http.StatusConflict
	case QRS_DOCUMENT_TOO_LARGE, QRS_ENVELOPE_TOO_LARGE:
		return http.StatusRequestEntityTooLarge
	case QRS_CAPACITY_EXCEEDED, QRS_HEADER_NOT_FOUND, QRS_INSUFFICIENT_DATA, QRS_QR_DECODE:
		return http.StatusUnprocessableEntity
	case QRS_RATE_LIMIT:
		return http.StatusTooManyRequests
	case QRS_UNAVAILABLE:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
