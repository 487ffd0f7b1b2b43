// Package errors defines the typed failures surfaced by the strategy layer.
//
// Every failure belongs to exactly one Kind. Sentinels below carry a stable
// Code so callers can match them with errors.Is even after Wrap adds detail.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure.
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindAlreadyExists     Kind = "already_exists"
	KindPermissionDenied  Kind = "permission_denied"
	KindInvalidState      Kind = "invalid_state"
	KindAlreadyOffered    Kind = "already_offered"
	KindOfferNotFound     Kind = "offer_not_found"
	KindResourceExhausted Kind = "resource_exhausted"
	KindUnsupportedAsset  Kind = "unsupported_asset"
	KindInvalidArgument   Kind = "invalid_argument"
	KindTransferFailed    Kind = "transfer_failed"
	KindConflict          Kind = "conflict"
	KindUnauthorized      Kind = "unauthorized"
	KindRateLimited       Kind = "rate_limited"
	KindInternal          Kind = "internal"
)

var kindStatus = map[Kind]int{
	KindNotFound:          http.StatusNotFound,
	KindAlreadyExists:     http.StatusConflict,
	KindPermissionDenied:  http.StatusForbidden,
	KindInvalidState:      http.StatusConflict,
	KindAlreadyOffered:    http.StatusConflict,
	KindOfferNotFound:     http.StatusNotFound,
	KindResourceExhausted: http.StatusUnprocessableEntity,
	KindUnsupportedAsset:  http.StatusBadRequest,
	KindInvalidArgument:   http.StatusBadRequest,
	KindTransferFailed:    http.StatusPaymentRequired,
	KindConflict:          http.StatusConflict,
	KindUnauthorized:      http.StatusUnauthorized,
	KindRateLimited:       http.StatusTooManyRequests,
	KindInternal:          http.StatusInternalServerError,
}

// ServiceError is a typed failure with an HTTP mapping.
type ServiceError struct {
	Kind       Kind   `json:"kind"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Is matches another ServiceError by code.
func (e *ServiceError) Is(target error) bool {
	var other *ServiceError
	if !stderrors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// New declares a failure of the given kind.
func New(kind Kind, code, message string) *ServiceError {
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	return &ServiceError{Kind: kind, Code: code, Message: message, HTTPStatus: status}
}

// Wrap returns a copy of sentinel with detail appended to the message.
func Wrap(sentinel *ServiceError, format string, args ...any) *ServiceError {
	cp := *sentinel
	cp.Message = sentinel.Message + ": " + fmt.Sprintf(format, args...)
	return &cp
}

// WithCause returns a copy of sentinel carrying err as its cause.
func WithCause(sentinel *ServiceError, err error) *ServiceError {
	cp := *sentinel
	cp.Err = err
	return &cp
}

// KindOf reports the kind of err, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	var se *ServiceError
	if stderrors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}

// HTTPStatusOf reports the HTTP status for err.
func HTTPStatusOf(err error) int {
	var se *ServiceError
	if stderrors.As(err, &se) {
		return se.HTTPStatus
	}
	return http.StatusInternalServerError
}

// Registry and token lookups.
var (
	ErrStrategyNotFound = New(KindNotFound, "strategy_not_found", "strategy not found")
	ErrTokenNotFound    = New(KindNotFound, "token_not_found", "token not found")
	ErrStrategyExists   = New(KindAlreadyExists, "strategy_exists", "strategy already registered")
	ErrRouteNotFound    = New(KindNotFound, "route_not_found", "no such route")
)

// Authority checks.
var (
	ErrNotOwner         = New(KindPermissionDenied, "not_owner", "caller is not the strategy owner")
	ErrNotFeePayee      = New(KindPermissionDenied, "not_fee_payee", "caller is not the strategy fee payee")
	ErrNotTokenOwner    = New(KindPermissionDenied, "not_token_owner", "caller does not hold the token")
	ErrNotBorrower      = New(KindPermissionDenied, "not_borrower", "caller is not the token borrower")
	ErrNotPendingOwner  = New(KindPermissionDenied, "not_pending_owner", "caller is not the pending owner")
	ErrNotCapacityAdmin = New(KindPermissionDenied, "not_capacity_admin", "caller may not change refill capacity")
)

// Two-phase protocols.
var (
	ErrAlreadyOffered   = New(KindAlreadyOffered, "already_offered", "owner offer already pending")
	ErrOfferNotFound    = New(KindOfferNotFound, "offer_not_found", "no pending owner offer")
	ErrAlreadyRequested = New(KindAlreadyOffered, "already_requested", "fee change already requested")
	ErrChangeNotFound   = New(KindOfferNotFound, "change_not_found", "no pending fee change")
)

// Lifecycle state.
var (
	ErrAlreadyBorrowed  = New(KindInvalidState, "already_borrowed", "token already borrowed")
	ErrNotBorrowed      = New(KindInvalidState, "not_borrowed", "token is not borrowed")
	ErrInLockup         = New(KindInvalidState, "in_lockup", "token is locked while borrowed")
	ErrBorrowed         = New(KindInvalidState, "borrowed", "token cannot be burned while borrowed")
	ErrActiveSession    = New(KindInvalidState, "active_session", "session is active")
	ErrSessionInactive  = New(KindInvalidState, "session_inactive", "session is not active")
	ErrSessionsDisabled = New(KindInvalidState, "sessions_disabled", "sessions are not enabled")
	ErrRefillUnpriced   = New(KindInvalidState, "refill_unpriced", "token has no refill price")
)

// Energy accounting.
var (
	ErrEnergyFull         = New(KindResourceExhausted, "energy_full", "energy is already at capacity")
	ErrRefillCapExhausted = New(KindResourceExhausted, "refill_cap_exhausted", "refill capacity exhausted")
	ErrUnsupportedAsset   = New(KindUnsupportedAsset, "unsupported_asset", "asset not accepted for payment")
	ErrTransferFailed     = New(KindTransferFailed, "transfer_failed", "ledger transfer failed")
)

// Generic.
var (
	ErrInvalidArgument = New(KindInvalidArgument, "invalid_argument", "invalid argument")
	ErrConflict        = New(KindConflict, "conflict", "concurrent modification")
	ErrUnauthorized    = New(KindUnauthorized, "unauthorized", "authentication required")
	ErrRateLimited     = New(KindRateLimited, "rate_limited", "rate limit exceeded")
	ErrInternal        = New(KindInternal, "internal", "internal error")
)
