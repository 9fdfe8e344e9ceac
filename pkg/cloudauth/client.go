// Package cloudauth defines the abstract upstream cloud interface and
// the bounded worker pool every call to it is routed through.
package cloudauth

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/cda/pkg/cdaerrors"
	"github.com/cuemby/cda/pkg/types"
)

// Client is the upstream identity oracle.
// Every method may block on network I/O and must always be invoked from a
// Pool worker, never from a handler or timer goroutine. Implementations
// wrap throttling and server-side failures in ErrThrottled or
// ErrServiceUnavailable so ClassifyError can tell them apart from terminal
// validation/not-found failures.
type Client interface {
	// GetCertificate reports the cloud's view of a certificate's status,
	// given its PEM (getIotCertificate/getCertificate).
	GetCertificate(ctx context.Context, pem []byte) (types.CertificateStatus, error)

	// IsThingAttachedToCertificate reports whether certificateID is
	// currently attached to thing.
	IsThingAttachedToCertificate(ctx context.Context, thing, certificateID string) (bool, error)

	// ListThingsAttachedToCore returns one page of Thing names attached to
	// this core device. pageToken is empty for the first page; a returned
	// empty nextPageToken means no more pages.
	ListThingsAttachedToCore(ctx context.Context, pageSize int, pageToken string) (things []string, nextPageToken string, err error)

	// GetConnectivityInfo returns the addresses currently registered for
	// thing. present is false if the cloud has no connectivity info for it
	//.
	GetConnectivityInfo(ctx context.Context, thing string) (addresses []string, present bool, err error)

	// PutCertificateAuthorities uploads this core's CA chain (leaf-first
	// PEMs) so the cloud can validate device certificates it issues.
	PutCertificateAuthorities(ctx context.Context, thing string, pems [][]byte) error

	// GetThingAttributes returns the free-form attribute set the cloud
	// holds for thing, used to populate session attributes.
	GetThingAttributes(ctx context.Context, thing string) (map[string]string, error)
}

// RetryPolicy distinguishes retryable cloud failures (throttling, 5xx) from
// non-retryable ones (validation, not-found).
type RetryPolicy int

const (
	// RetryNone means the caller should not retry; the error is terminal
	// for this attempt (validation/not-found).
	RetryNone RetryPolicy = iota
	// RetryIndefinite means the caller should retry with backoff forever
	// (throttling/server error) until it succeeds or is cancelled.
	RetryIndefinite
)

// Sentinels a Client implementation wraps its failures in so callers can
// classify them. ErrThrottled and ErrServiceUnavailable mark transient
// failures worth retrying; everything not identified as transient is
// terminal.
var (
	ErrThrottled          = errors.New("cloud request throttled")
	ErrServiceUnavailable = errors.New("cloud service unavailable")

	// ErrPoolStopped is returned by Pool.Submit after Stop; retrying a
	// stopped pool can never succeed.
	ErrPoolStopped = errors.New("cloud-call pool stopped")
)

// ClassifyError decides the retry policy for a failed cloud call: transient
// failures (throttling, server errors, a momentarily full request queue)
// retry with backoff, everything else — validation, not-found, and errors
// the Client did not mark transient — is terminal.
func ClassifyError(err error) RetryPolicy {
	if err == nil || errors.Is(err, ErrPoolStopped) {
		return RetryNone
	}
	if errors.Is(err, ErrThrottled) || errors.Is(err, ErrServiceUnavailable) {
		return RetryIndefinite
	}
	var ce *cdaerrors.Error
	if errors.As(err, &ce) && ce.Kind == cdaerrors.KindCloudServiceInteraction {
		return RetryIndefinite
	}
	return RetryNone
}

// Backoff computes the exponential backoff delay for attempt n (0-based),
// doubling from base and clamped at cap. ConnectivityShadowMachine calls it
// with base 1s, cap 30s for its subscribe and getConnectivityInfo retry loops.
func Backoff(attempt int, base, cap time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}
