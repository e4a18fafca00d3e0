package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{NotFound("room %s", "abc"), http.StatusNotFound},
		{InvalidArgument("empty query"), http.StatusBadRequest},
		{Conflict("code"), http.StatusConflict},
		{fmt.Errorf("db: %w", ErrStoreUnavailable), http.StatusServiceUnavailable},
		{Transport(errors.New("closed")), http.StatusBadGateway},
		{FromContext(context.DeadlineExceeded), http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, HTTPStatus(tc.err), "%v", tc.err)
	}
}

func TestFromContext(t *testing.T) {
	assert.Nil(t, FromContext(nil))

	plain := errors.New("plain")
	assert.Same(t, plain, FromContext(plain))

	err := FromContext(fmt.Errorf("query: %w", context.DeadlineExceeded))
	assert.ErrorIs(t, err, ErrTimeout)

	// already classified errors are not wrapped twice
	assert.Equal(t, err, FromContext(err))
}

func TestNotFoundMessage(t *testing.T) {
	err := NotFound("room %s", "r1")
	assert.EqualError(t, err, "room r1: not found")
	assert.ErrorIs(t, err, ErrNotFound)
}
