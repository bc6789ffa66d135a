package capture

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesByKind(t *testing.T) {
	err := &Error{Kind: KindTimeout, Err: errors.New("stage never arrived")}
	wrapped := fmt.Errorf("enroll: %w", err)

	assert.ErrorIs(t, wrapped, ErrTimeout)
	assert.NotErrorIs(t, wrapped, ErrRemoteRejected)
	assert.Equal(t, KindTimeout, KindOf(wrapped))
	assert.Equal(t, "timeout: stage never arrived", err.Error())
}

func TestWrapKeepsExistingKind(t *testing.T) {
	inner := &Error{Kind: KindRemoteRejected}
	assert.Same(t, inner, Wrap(KindUploadError, inner).(*Error))

	plain := errors.New("boom")
	got := Wrap(KindUploadError, plain)
	assert.ErrorIs(t, got, ErrUploadError)
	assert.ErrorIs(t, got, plain)
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, ErrorKind(""), KindOf(nil))
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("x")))
	assert.Equal(t, "cancelled", ErrCancelled.Error())
}
