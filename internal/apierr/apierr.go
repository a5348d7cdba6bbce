package apierr

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Kind is a stable machine-readable error identifier shared across every
// HTTP surface in the mesh. Clients switch on Kind, humans read Message.
type Kind string

const (
	KindUnauthorized           Kind = "unauthorized"
	KindSignatureInvalid       Kind = "signature_invalid"
	KindSignatureExpired       Kind = "signature_expired"
	KindSignatureReplay        Kind = "signature_replay"
	KindSignatureBodyMismatch  Kind = "signature_body_mismatch"
	KindUntrustedPeer          Kind = "signature_untrusted_peer"
	KindValidation             Kind = "validation_error"
	KindNotFound               Kind = "not_found"
	KindSessionOwnerMismatch   Kind = "session_owner_mismatch"
	KindInvalidPhaseTransition Kind = "invalid_phase_transition"
	KindTooManySessions        Kind = "too_many_sessions"
	KindInsufficientCredits    Kind = "insufficient_credits"
	KindDuplicateReport        Kind = "duplicate_contribution_report"
	KindSandboxRequired        Kind = "sandbox_required"
	KindSandboxUnavailable     Kind = "sandbox_unavailable"
	KindRateLimited            Kind = "rate_limited"
	KindUpstream               Kind = "upstream_error"
	KindInternal               Kind = "internal_error"
)

// statusByKind maps each kind to the HTTP status every surface must use for it.
var statusByKind = map[Kind]int{
	KindUnauthorized:           http.StatusUnauthorized,
	KindSignatureInvalid:       http.StatusUnauthorized,
	KindSignatureExpired:       http.StatusUnauthorized,
	KindSignatureReplay:        http.StatusUnauthorized,
	KindSignatureBodyMismatch:  http.StatusUnauthorized,
	KindUntrustedPeer:          http.StatusUnauthorized,
	KindValidation:             http.StatusBadRequest,
	KindNotFound:               http.StatusNotFound,
	KindSessionOwnerMismatch:   http.StatusForbidden,
	KindInvalidPhaseTransition: http.StatusConflict,
	KindTooManySessions:        http.StatusTooManyRequests,
	KindInsufficientCredits:    http.StatusPaymentRequired,
	KindDuplicateReport:        http.StatusConflict,
	KindSandboxRequired:        http.StatusBadRequest,
	KindSandboxUnavailable:     http.StatusBadRequest,
	KindRateLimited:            http.StatusTooManyRequests,
	KindUpstream:               http.StatusBadGateway,
	KindInternal:               http.StatusInternalServerError,
}

// Error is the wire and in-process error carrier.
type Error struct {
	Kind    Kind   `json:"error"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

// New builds an Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Status returns the HTTP status for a kind, 500 for unknown kinds.
func Status(kind Kind) int {
	if s, ok := statusByKind[kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Write emits the error as a JSON body with the kind's status code.
func Write(w http.ResponseWriter, err error) {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		apiErr = &Error{Kind: KindInternal, Message: err.Error()}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(Status(apiErr.Kind))
	json.NewEncoder(w).Encode(apiErr)
}

// WriteKind is shorthand for Write(w, New(kind, message)).
func WriteKind(w http.ResponseWriter, kind Kind, message string) {
	Write(w, New(kind, message))
}

// KindOf extracts the kind from an error chain, KindInternal if none.
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindInternal
}
