package idp

import (
	"errors"
	"fmt"
)

// ErrMalformedDocument marks discovery or key documents that parsed as
// JSON but lack required members.
var ErrMalformedDocument = errors.New("malformed document")

// ConfigValidationError reports the first invalid field of an identity
// provider record. Construction fails entirely when it is returned.
type ConfigValidationError struct {
	Alias  string
	Field  string
	Reason string
}

func (e *ConfigValidationError) Error() string {
	if e.Alias != "" {
		return fmt.Sprintf("invalid identity provider %q: %s: %s", e.Alias, e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid identity provider: %s: %s", e.Field, e.Reason)
}

// TrustValidationError reports a discovery document endpoint whose host
// differs from the configured base URI host. The document is discarded.
type TrustValidationError struct {
	Alias        string
	Endpoint     string
	URL          string
	ExpectedHost string
	ActualHost   string
}

func (e *TrustValidationError) Error() string {
	return fmt.Sprintf("untrusted discovery document for %q: %s %q has host %q, expected %q",
		e.Alias, e.Endpoint, e.URL, e.ActualHost, e.ExpectedHost)
}

// DiscoveryFetchError wraps a network, status or decode failure while
// retrieving the discovery document.
type DiscoveryFetchError struct {
	Alias string
	URL   string
	Err   error
}

func (e *DiscoveryFetchError) Error() string {
	return fmt.Sprintf("failed to fetch discovery document for %q from %s: %v", e.Alias, e.URL, e.Err)
}

func (e *DiscoveryFetchError) Unwrap() error { return e.Err }

// KeyFetchError wraps a failure while retrieving the signing key set.
type KeyFetchError struct {
	Alias string
	URL   string
	Err   error
}

func (e *KeyFetchError) Error() string {
	return fmt.Sprintf("failed to fetch signing keys for %q from %s: %v", e.Alias, e.URL, e.Err)
}

func (e *KeyFetchError) Unwrap() error { return e.Err }

// NotFoundError is returned for an unknown provider alias or API name.
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

// IsNotFound reports whether err is, or wraps, a *NotFoundError
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
