package pipeline

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKind_Retryable(t *testing.T) {
	retryable := []ErrorKind{KindRateLimited, KindTransientNetwork, KindProviderError}
	for _, k := range retryable {
		assert.Truef(t, k.Retryable(), "%s should be retryable", k)
	}

	fatal := []ErrorKind{KindValidation, KindAuth, KindSchema, KindCancelled, KindInternal}
	for _, k := range fatal {
		assert.Falsef(t, k.Retryable(), "%s should not be retryable", k)
	}
}

func TestError_IsMatchesOnKindOnly(t *testing.T) {
	err := NewError(KindRateLimited, StageDiarize, "acme-diarizer", errors.New("429"))

	assert.True(t, errors.Is(err, &Error{Kind: KindRateLimited}))
	assert.False(t, errors.Is(err, &Error{Kind: KindAuth}))
	// A target with no Kind set never matches.
	assert.False(t, errors.Is(err, &Error{}))
}

func TestError_UnwrapReturnsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewError(KindTransientNetwork, StageTranscribe, "", cause)
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestError_MessageIncludesProviderWhenSet(t *testing.T) {
	withProvider := NewError(KindAuth, StageUpload, "acme", errors.New("bad token"))
	assert.Contains(t, withProvider.Error(), "provider=acme")

	withoutProvider := NewError(KindAuth, StageUpload, "", errors.New("bad token"))
	assert.NotContains(t, withoutProvider.Error(), "provider=")
}
