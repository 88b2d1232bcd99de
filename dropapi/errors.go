// Copyright (c) 2025-2026 The Dropforge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package dropapi defines the wire contract of the public API: the
// request payloads and the typed error taxonomy every handler speaks.
// Engine handlers return *Error values; the HTTP edge maps them onto
// status codes and the JSON envelope.
package dropapi

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
)

// Kind classifies a failure for transport mapping.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindNotAuthorized       Kind = "not_authorized"
	KindBotRejected         Kind = "bot_rejected"
	KindQueueNotReady       Kind = "queue_not_ready"
	KindFingerprintMismatch Kind = "fingerprint_mismatch"
	KindGeoReject           Kind = "geo_reject"
	KindAlreadyRegistered   Kind = "already_registered"
	KindAlreadyPurchased    Kind = "already_purchased"
	KindTokenExpired        Kind = "token_expired"
	KindTokenInvalid        Kind = "token_invalid"
	KindRateLimited         Kind = "rate_limited"
	KindNotFound            Kind = "not_found"
	KindUpstreamTimeout     Kind = "upstream_timeout"
	KindUpstreamError       Kind = "upstream_error"
	KindInternal            Kind = "internal"
)

// Stable machine codes carried in error payloads.
const (
	CodeInvalidInput        = "INVALID_INPUT"
	CodeMissingField        = "MISSING_FIELD"
	CodeBotDetected         = "BOT_DETECTED"
	CodeQueueNotReady       = "QUEUE_NOT_READY"
	CodeFingerprintMismatch = "FINGERPRINT_MISMATCH"
	CodeGeoRejected         = "GEO_REJECTED"
	CodeAlreadyRegistered   = "ALREADY_REGISTERED"
	CodeAlreadyPurchased    = "ALREADY_PURCHASED"
	CodeTokenExpired        = "TOKEN_EXPIRED"
	CodeTokenInvalid        = "TOKEN_INVALID"
	CodeRateLimited         = "RATE_LIMITED"
	CodeNotFound            = "NOT_FOUND"
	CodeUpstreamTimeout     = "UPSTREAM_TIMEOUT"
	CodeUpstreamError       = "UPSTREAM_ERROR"
	CodeInternalError       = "INTERNAL_ERROR"
	CodeUnauthorized        = "UNAUTHORIZED"
)

// Error is a typed API failure.
type Error struct {
	Kind       Kind
	Code       string
	Message    string
	RetryAfter int // seconds; only meaningful for 429 kinds
}

// Error satisfies the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds an Error for a kind.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Validationf builds a 400 with CodeInvalidInput.
func Validationf(format string, args ...interface{}) *Error {
	return New(KindValidation, CodeInvalidInput, fmt.Sprintf(format, args...))
}

// MissingField builds a 400 naming a required field.
func MissingField(field string) *Error {
	return New(KindValidation, CodeMissingField, "missing required field: "+field)
}

// NotFoundf builds a 404.
func NotFoundf(format string, args ...interface{}) *Error {
	return New(KindNotFound, CodeNotFound, fmt.Sprintf(format, args...))
}

// RateLimited builds a 429 carrying the retry hint.
func RateLimited(message string, retryAfter int) *Error {
	if retryAfter < 1 {
		retryAfter = 1
	}
	return &Error{
		Kind:       KindRateLimited,
		Code:       CodeRateLimited,
		Message:    message,
		RetryAfter: retryAfter,
	}
}

// QueueNotReady builds the 429 returned while a queue token is still
// waiting.
func QueueNotReady(retryAfter int) *Error {
	if retryAfter < 1 {
		retryAfter = 1
	}
	return &Error{
		Kind:       KindQueueNotReady,
		Code:       CodeQueueNotReady,
		Message:    "Queue token not ready",
		RetryAfter: retryAfter,
	}
}

// BotRejected builds a 403 with the gate's code and reason.
func BotRejected(code, reason string) *Error {
	return New(KindBotRejected, code, reason)
}

// Internalf wraps an unexpected failure.
func Internalf(format string, args ...interface{}) *Error {
	return New(KindInternal, CodeInternalError, fmt.Sprintf(format, args...))
}

// HTTPStatus maps the kind to its response status.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotAuthorized:
		return http.StatusUnauthorized
	case KindBotRejected, KindFingerprintMismatch, KindGeoReject, KindTokenInvalid:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindAlreadyRegistered, KindAlreadyPurchased:
		return http.StatusConflict
	case KindTokenExpired:
		return http.StatusGone
	case KindRateLimited, KindQueueNotReady:
		return http.StatusTooManyRequests
	case KindUpstreamError:
		return http.StatusBadGateway
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode maps the kind to the status code carried in the JSON
// envelope.
func (e *Error) GRPCCode() codes.Code {
	switch e.Kind {
	case KindValidation:
		return codes.InvalidArgument
	case KindNotAuthorized:
		return codes.Unauthenticated
	case KindBotRejected, KindFingerprintMismatch, KindGeoReject, KindTokenInvalid:
		return codes.PermissionDenied
	case KindNotFound:
		return codes.NotFound
	case KindAlreadyRegistered, KindAlreadyPurchased:
		return codes.AlreadyExists
	case KindTokenExpired:
		return codes.FailedPrecondition
	case KindRateLimited, KindQueueNotReady:
		return codes.ResourceExhausted
	case KindUpstreamError:
		return codes.Unavailable
	case KindUpstreamTimeout:
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

// AsError extracts the typed error from an error chain, wrapping
// anything unclassified as internal.
func AsError(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return Internalf("%v", err)
}
