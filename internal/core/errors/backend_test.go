package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBackendError_MatchesForbiddenOnlyForAuthDenied(t *testing.T) {
	denied := NewBackendError(ReasonAuthDenied, "token expired")
	assert.ErrorIs(t, denied, ErrForbidden)
	assert.ErrorIs(t, fmt.Errorf("join: %w", denied), ErrForbidden)

	full := NewBackendError(ReasonCapacityExceeded, "too many channels")
	assert.NotErrorIs(t, full, ErrForbidden)

	assert.Equal(t, ReasonUnknown, NewBackendError("", "x").Reason)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"auth denied", NewBackendError(ReasonAuthDenied, ""), ClassAuthorization},
		{"forbidden", ErrForbidden, ClassAuthorization},
		{"unauthorized", fmt.Errorf("wrap: %w", ErrUnauthorized), ClassAuthorization},
		{"quota", NewBackendError(ReasonQuotaExceeded, ""), ClassTransient},
		{"timeout", context.DeadlineExceeded, ClassTransient},
		{"protocol", NewProtocolError("postgres_changes", ErrMalformedEvent), ClassProtocol},
		{"unknown event", ErrUnknownEvent, ClassProtocol},
		{"callback", &CallbackError{Value: "boom"}, ClassProgramming},
		{"anything else", errors.New("socket reset"), ClassTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestReasonOf(t *testing.T) {
	assert.Equal(t, ReasonQuotaExceeded, ReasonOf(fmt.Errorf("join: %w", NewBackendError(ReasonQuotaExceeded, ""))))
	assert.Equal(t, ReasonTimeout, ReasonOf(context.DeadlineExceeded))
	assert.Equal(t, ReasonUnknown, ReasonOf(errors.New("other")))
}

func TestValidationErrors(t *testing.T) {
	v := NewValidationErrors()
	assert.False(t, v.HasErrors())
	v.Add("topic", "This field is required")
	assert.True(t, v.HasErrors())
	assert.Equal(t, "validation failed: 1 field(s) have errors", v.Error())
	assert.Equal(t, []string{"This field is required"}, v.Errors["topic"])
}
