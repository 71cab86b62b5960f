package flareerr_test

import (
	"errors"
	"testing"

	"github.com/flarecore/messaging-core/pkg/flareerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DefaultRetryable(t *testing.T) {
	err := flareerr.New(flareerr.CodeUnavailable, "storage down")
	assert.True(t, err.Retryable)
	assert.Equal(t, flareerr.CodeUnavailable, err.Code)

	err = flareerr.New(flareerr.CodeInvalidArgument, "bad draft")
	assert.False(t, err.Retryable)
}

func TestWithDetail_Chains(t *testing.T) {
	err := flareerr.New(flareerr.CodeHookRejected, "rejected by hook").
		WithDetail("hook", "profanity-filter").
		WithDetail("tenant_id", "t-1")

	assert.Equal(t, "profanity-filter", err.Details["hook"])
	assert.Equal(t, "t-1", err.Details["tenant_id"])
	assert.Contains(t, err.Error(), "hook_rejected")
}

func TestWithRetryable_Overrides(t *testing.T) {
	err := flareerr.New(flareerr.CodeInternal, "panic recovered").WithRetryable(true)
	assert.True(t, err.Retryable)
}

func TestWrap_PreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := flareerr.Wrap(flareerr.CodeStorageUnavailable, cause)
	require.ErrorIs(t, err, cause)
	assert.True(t, flareerr.IsRetryable(err))
}

func TestIsCode(t *testing.T) {
	err := flareerr.New(flareerr.CodeNotFound, "message missing")
	assert.True(t, flareerr.IsCode(err, flareerr.CodeNotFound))
	assert.False(t, flareerr.IsCode(err, flareerr.CodeInternal))
	assert.False(t, flareerr.IsCode(errors.New("plain"), flareerr.CodeNotFound))
}
