package apperr_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/coderelay/coderelay/internal/apperr"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[apperr.Code]int{
		apperr.CodeInvalidArgument:   http.StatusBadRequest,
		apperr.CodeUnauthenticated:   http.StatusUnauthorized,
		apperr.CodeNotFound:          http.StatusNotFound,
		apperr.CodeThreadBusy:        http.StatusConflict,
		apperr.CodeJobTerminal:       http.StatusConflict,
		apperr.CodeCursorExpired:     http.StatusConflict,
		apperr.CodeAgentUnavailable:  http.StatusServiceUnavailable,
		apperr.CodeAgentDisconnected: http.StatusServiceUnavailable,
		apperr.CodeRPCTimeout:        http.StatusGatewayTimeout,
		apperr.CodeStorageError:      http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, apperr.New(code, "x").HTTPStatus(), "code %s", code)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := apperr.Wrap(apperr.CodeStorageError, cause, "append failed")

	assert.ErrorIs(t, err, cause)
	assert.True(t, apperr.Is(err, apperr.CodeStorageError))
	assert.Contains(t, err.Error(), "disk full")
}

func TestIs_ThroughWrapping(t *testing.T) {
	err := fmt.Errorf("outer: %w", apperr.New(apperr.CodeThreadBusy, "busy"))
	assert.True(t, apperr.Is(err, apperr.CodeThreadBusy))
	assert.False(t, apperr.Is(err, apperr.CodeNotFound))
	assert.Equal(t, apperr.CodeThreadBusy, apperr.CodeOf(err))
}

func TestCodeOf_Unclassified(t *testing.T) {
	assert.Equal(t, apperr.CodeStorageError, apperr.CodeOf(errors.New("boom")))
}
