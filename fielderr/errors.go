// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package fielderr defines the error taxonomy shared by the fieldsync server and the
// fieldqueue client. The server maps every Kind onto a distinct HTTP status so the client
// can tell transient failures apart from failures that need a human.
package fielderr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for retry and HTTP mapping purposes.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindForbidden  Kind = "forbidden"
	KindConflict   Kind = "conflict"
	KindProximity  Kind = "proximity"
	KindNetwork    Kind = "network"
	KindInternal   Kind = "internal"
)

// Machine-readable codes carried in the "error" field of HTTP error bodies.
const (
	CodeValidation       = "validation_failed"
	CodeNotFound         = "not_found"
	CodeForbidden        = "forbidden"
	CodeConflict         = "conflict"
	CodeAlreadySynced    = "already_synced"
	CodeOrderExists      = "order_exists_for_visit"
	CodePhotoLimit       = "photo_limit_exceeded"
	CodeInvalidState     = "invalid_status_transition"
	CodeProximity        = "outside_geofence"
	CodeNetwork          = "network_unavailable"
	CodeInternal         = "internal_error"
	CodeUnauthenticated  = "authentication_failed"
	CodeMethodNotAllowed = "method_not_allowed"
)

// Error is the typed error used across the module.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether retrying the same request unchanged can succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindNetwork
}

// WithDetail returns e after setting a detail key.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func newError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Validation reports a malformed payload, rejected before any persistence attempt.
func Validation(format string, args ...any) *Error {
	return newError(KindValidation, CodeValidation, fmt.Sprintf(format, args...))
}

// NotFound reports a missing referenced entity.
func NotFound(entity, id string) *Error {
	return newError(KindNotFound, CodeNotFound, fmt.Sprintf("%s %s not found", entity, id)).
		WithDetail("entity", entity).
		WithDetail("id", id)
}

// Forbidden reports an ownership or assignment mismatch.
func Forbidden(format string, args ...any) *Error {
	return newError(KindForbidden, CodeForbidden, fmt.Sprintf(format, args...))
}

// Conflict reports duplicate creation, an invalid state transition or an exceeded limit.
func Conflict(code, format string, args ...any) *Error {
	if code == "" {
		code = CodeConflict
	}
	return newError(KindConflict, code, fmt.Sprintf(format, args...))
}

// AlreadySynced reports a replay of an offline operation the server already accepted.
// The existing server id travels in the details so the client can record the mapping.
func AlreadySynced(entity, offlineID, serverID string) *Error {
	return newError(KindConflict, CodeAlreadySynced, fmt.Sprintf("%s with offline id %s already synced", entity, offlineID)).
		WithDetail("id", serverID).
		WithDetail("offline_id", offlineID)
}

// Network wraps a transport failure. These are the only errors retried unchanged.
func Network(err error) *Error {
	return &Error{Kind: KindNetwork, Code: CodeNetwork, Message: "network request failed", Err: err}
}

// Internal wraps an unexpected server-side failure.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Code: CodeInternal, Message: "internal error", Err: err}
}

// ProximityError is a geofence violation. Distance and MaxDistance are in meters.
type ProximityError struct {
	Distance    float64
	MaxDistance float64
}

func (e *ProximityError) Error() string {
	return fmt.Sprintf("[%s] position is %.1fm from the store, maximum is %.0fm", CodeProximity, e.Distance, e.MaxDistance)
}

// Proximity builds a ProximityError.
func Proximity(distance, maxDistance float64) *ProximityError {
	return &ProximityError{Distance: distance, MaxDistance: maxDistance}
}

// KindOf returns the Kind of err, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	var pe *ProximityError
	if errors.As(err, &pe) {
		return KindProximity
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// CodeOf returns the machine-readable code of err.
func CodeOf(err error) string {
	var pe *ProximityError
	if errors.As(err, &pe) {
		return CodeProximity
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return CodeInternal
}

// IsAlreadySynced reports whether err is a replay answer carrying an existing server id.
func IsAlreadySynced(err error) (string, bool) {
	var fe *Error
	if !errors.As(err, &fe) || fe.Code != CodeAlreadySynced {
		return "", false
	}
	id, _ := fe.Details["id"].(string)
	return id, id != ""
}

// IsRetryable reports whether err is transient.
func IsRetryable(err error) bool {
	return KindOf(err) == KindNetwork
}

// HTTPStatus maps an error onto the status code the server answers with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindProximity:
		return http.StatusUnprocessableEntity
	case KindNetwork:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Details returns the structured details of err for an HTTP body.
func Details(err error) map[string]any {
	var pe *ProximityError
	if errors.As(err, &pe) {
		return map[string]any{"distance": pe.Distance, "maxDistance": pe.MaxDistance}
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Details
	}
	return nil
}

// FromStatus rebuilds a typed error from an HTTP error answer. It is the inverse of
// HTTPStatus + Details and is used by the client transport.
func FromStatus(status int, code, message string, details map[string]any) error {
	switch {
	case status >= 500 || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return Network(fmt.Errorf("server answered %d: %s", status, message))
	case status == http.StatusUnprocessableEntity && code == CodeProximity:
		distance, _ := details["distance"].(float64)
		maxDistance, _ := details["maxDistance"].(float64)
		return Proximity(distance, maxDistance)
	}

	var kind Kind
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusRequestEntityTooLarge:
		kind = KindValidation
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = KindForbidden
	case http.StatusNotFound:
		kind = KindNotFound
	case http.StatusConflict:
		kind = KindConflict
	default:
		kind = KindInternal
	}
	if code == "" {
		code = CodeInternal
	}
	return &Error{Kind: kind, Code: code, Message: message, Details: details}
}
