package errdefs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfClassifiedChain(t *testing.T) {
	err := New(NotFound, "message not found")
	assert.Equal(t, NotFound, KindOf(err))
	assert.True(t, IsKind(err, NotFound))

	// Classification survives fmt wrapping.
	wrapped := fmt.Errorf("load history: %w", err)
	assert.Equal(t, NotFound, KindOf(wrapped))
	assert.Equal(t, "message not found", MessageOf(wrapped))
}

func TestUnclassifiedErrorsAreInternal(t *testing.T) {
	err := errors.New("pq: connection refused")
	assert.Equal(t, Internal, KindOf(err))

	// Internals never leak to clients.
	assert.Equal(t, "internal error", MessageOf(err))
}

func TestWrapHidesCause(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := Wrap(Unavailable, "storage unavailable", cause)

	assert.Equal(t, "storage unavailable", MessageOf(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "dial tcp")
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		AuthRequired: http.StatusUnauthorized,
		AuthInvalid:  http.StatusUnauthorized,
		Forbidden:    http.StatusForbidden,
		NotFound:     http.StatusNotFound,
		Invalid:      http.StatusBadRequest,
		Conflict:     http.StatusConflict,
		RateLimited:  http.StatusTooManyRequests,
		Unavailable:  http.StatusServiceUnavailable,
		Internal:     http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, HTTPStatus(kind), "kind %s", kind)
	}
}
