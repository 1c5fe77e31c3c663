package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	err := New(KindQueueFull, "queue at capacity")
	assert.Equal(t, KindQueueFull, KindOf(err))

	wrapped := fmt.Errorf("submit failed: %w", err)
	assert.Equal(t, KindQueueFull, KindOf(wrapped))

	assert.Equal(t, KindInternal, KindOf(stderrors.New("plain")))
}

func TestWrapNil(t *testing.T) {
	// The untyped nil matters: a typed *TutorError nil would compare
	// non-nil once stored in the error interface at return sites.
	err := Wrap(KindStorage, "write", nil)
	assert.True(t, err == nil)
	assert.NoError(t, Wrapf(KindStorage, nil, "write %s", "chats"))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := stderrors.New("disk full")
	err := Wrap(KindStorage, "chat append failed", cause)
	assert.True(t, stderrors.Is(err, cause))
	assert.Equal(t, KindStorage, KindOf(err))
	assert.Contains(t, err.Error(), "disk full")
}

func TestIs(t *testing.T) {
	err := New(KindCancelled, "request cancelled")
	assert.True(t, Is(err, KindCancelled))
	assert.False(t, Is(err, KindTimeout))
	assert.False(t, Is(stderrors.New("x"), KindCancelled))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(KindTransientUpstream, "429")))
	assert.True(t, Retryable(New(KindTimeout, "deadline")))
	assert.False(t, Retryable(New(KindPermanentUpstream, "401")))
	assert.False(t, Retryable(New(KindValidation, "empty question")))
}
