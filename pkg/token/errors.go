package token

import (
	"errors"
	"fmt"
)

// Kind classifies why a token was rejected. It is for logs and metrics
// only; end users are told that authentication failed.
type Kind string

const (
	KindMalformed            Kind = "malformed"
	KindUnsupportedAlgorithm Kind = "unsupported-algorithm"
	KindUnknownKey           Kind = "unknown-key"
	KindBadSignature         Kind = "bad-signature"
	KindIssuerMismatch       Kind = "issuer-mismatch"
	KindMissingSubject       Kind = "missing-subject"
	KindSubjectMismatch      Kind = "subject-mismatch"
	KindAudienceMismatch     Kind = "audience-mismatch"
	KindExpired              Kind = "expired"
	KindNotYetValid          Kind = "not-yet-valid"
	KindIssuedInFuture       Kind = "issued-in-future"
	KindNonceMismatch        Kind = "nonce-mismatch"
)

// ValidationError rejects an identity token
type ValidationError struct {
	Kind Kind
	Err  error
}

func (e *ValidationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("token validation failed: %s", e.Kind)
	}
	return fmt.Sprintf("token validation failed: %s: %v", e.Kind, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// KindOf extracts the rejection kind from err
func KindOf(err error) (Kind, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Kind, true
	}
	return "", false
}

func reject(kind Kind, format string, args ...interface{}) error {
	return &ValidationError{Kind: kind, Err: fmt.Errorf(format, args...)}
}
