package cloudauth

import (
	"errors"
	"fmt"
	"testing"

	"github.com/cuemby/cda/pkg/cdaerrors"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want RetryPolicy
	}{
		{"nil", nil, RetryNone},
		{"plain validation-style error", errors.New("invalid thing name"), RetryNone},
		{"throttled sentinel", ErrThrottled, RetryIndefinite},
		{"wrapped throttled sentinel", fmt.Errorf("get connectivity info: %w", ErrThrottled), RetryIndefinite},
		{"service unavailable sentinel", ErrServiceUnavailable, RetryIndefinite},
		{"cloud interaction error", cdaerrors.CloudServiceInteraction("cloudauth.pool_full", errors.New("queue full")), RetryIndefinite},
		{"stopped pool", cdaerrors.CloudServiceInteraction("cloudauth.pool_stopped", ErrPoolStopped), RetryNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Fatalf("ClassifyError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
