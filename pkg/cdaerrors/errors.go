// Package cdaerrors defines the typed error taxonomy for the client device
// authentication core.
package cdaerrors

import "fmt"

// Kind classifies an error for logging and host-level handling.
type Kind string

const (
	KindInvalidConfiguration        Kind = "InvalidConfiguration"
	KindInvalidCertificateAuthority Kind = "InvalidCertificateAuthority"
	KindCertificateGenerationFailed Kind = "CertificateGenerationFailed"
	KindInvalidCertificate          Kind = "InvalidCertificate"
	KindCloudServiceInteraction     Kind = "CloudServiceInteraction"
	KindInvalidSession              Kind = "InvalidSession"
	KindAuthorization               Kind = "Authorization"
)

// Error wraps an underlying cause with a taxonomy Kind and a structured
// eventKey for log correlation.
type Error struct {
	Kind     Kind
	EventKey string
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.EventKey)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.EventKey, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a typed Error.
func New(kind Kind, eventKey string, err error) *Error {
	return &Error{Kind: kind, EventKey: eventKey, Err: err}
}

func InvalidConfiguration(eventKey string, err error) *Error {
	return New(KindInvalidConfiguration, eventKey, err)
}

func InvalidCertificateAuthority(eventKey string, err error) *Error {
	return New(KindInvalidCertificateAuthority, eventKey, err)
}

func CertificateGenerationFailed(eventKey string, err error) *Error {
	return New(KindCertificateGenerationFailed, eventKey, err)
}

func InvalidCertificate(eventKey string, err error) *Error {
	return New(KindInvalidCertificate, eventKey, err)
}

func CloudServiceInteraction(eventKey string, err error) *Error {
	return New(KindCloudServiceInteraction, eventKey, err)
}

func InvalidSession(eventKey string, err error) *Error {
	return New(KindInvalidSession, eventKey, err)
}

func Authorization(eventKey string, err error) *Error {
	return New(KindAuthorization, eventKey, err)
}
