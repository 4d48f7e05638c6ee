package fs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindRetryable(t *testing.T) {
	assert.True(t, KindTimeout.Retryable())
	assert.True(t, KindTransportError.Retryable())
	assert.False(t, KindNotFound.Retryable())
	assert.False(t, KindFatal.Retryable())
}

func TestErrorUnwrapAndAs(t *testing.T) {
	cause := errors.New("connection reset")
	wrapped := NewError(KindTransportError, "ftp://host/file", cause, "transfer failed")

	var fe *Error
	assert.True(t, errors.As(wrapped, &fe))
	assert.Equal(t, KindTransportError, fe.Kind)
	assert.ErrorIs(t, wrapped, cause)
	assert.Contains(t, wrapped.Error(), "ftp://host/file")
	assert.Contains(t, wrapped.Error(), "transfer failed")
}

func TestErrorWithoutPath(t *testing.T) {
	err := NewError(KindFatal, "", nil, "process aborted")
	assert.Equal(t, "Fatal: process aborted", err.Error())
}
