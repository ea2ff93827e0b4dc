package errors

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeOf(t *testing.T) {
	wrapped := fmt.Errorf("load: %w", NotFound("invoice", "inv-1"))

	assert.Equal(t, ErrCodeNotFound, CodeOf(wrapped))
	assert.Equal(t, ErrCodeInternal, CodeOf(fmt.Errorf("plain")))
	assert.True(t, HasCode(wrapped, ErrCodeNotFound))
	assert.False(t, HasCode(nil, ErrCodeNotFound))
}

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("flip: %w", AlreadyFinalized("inv-1", time.Now()))

	assert.True(t, Is(err, &Error{Code: ErrCodeAlreadyFinalized}))
	assert.False(t, Is(err, &Error{Code: ErrCodeConflict}))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := Storage("write", cause)

	assert.Equal(t, "storage write failed: disk full", err.Error())
	assert.True(t, Is(err, cause))
}

func TestDetails(t *testing.T) {
	at := time.Date(2025, 3, 15, 10, 0, 0, 0, time.FixedZone("CET", 3600))

	tests := []struct {
		name string
		err  *Error
		key  string
		want any
	}{
		{"validation", Validation([]string{"a", "b"}), "violations", []string{"a", "b"}},
		{"already finalized", AlreadyFinalized("inv-1", at), "finalizedAt", "2025-03-15T09:00:00Z"},
		{"forbidden", ModificationForbidden("no", []string{"paid"}), "allowed", []string{"paid"}},
		{"invalid input", InvalidInput("dueDate", "bad"), "field", "dueDate"},
		{"path security", PathSecurity("../x"), "path", "../x"},
		{"stale", Stale("invoice", "inv-1"), "id", "inv-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NotNil(t, tt.err.Details)
			assert.Equal(t, tt.want, tt.err.Details[tt.key])
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(ErrCodeValidation))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(ErrCodeAlreadyFinalized))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(ErrCodeNotFound))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(ErrCodeModificationForbidden))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(ErrCodePathSecurity))
	assert.Equal(t, http.StatusConflict, HTTPStatus(ErrCodeConflict))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(ErrCodeStorage))
}

func TestClientFacing(t *testing.T) {
	assert.True(t, ClientFacing(ErrCodeValidation))
	assert.True(t, ClientFacing(ErrCodeIntegrity))
	assert.False(t, ClientFacing(ErrCodeStorage))
	assert.False(t, ClientFacing(ErrCodeRender))
	assert.False(t, ClientFacing(ErrCodeInternal))
}
