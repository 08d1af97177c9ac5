package errors

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithFieldsDoesNotMutatePredefined(t *testing.T) {
	err := Field(ErrCapacityExceeded, "session_id", "session is full")

	require.Equal(t, "session is full", err.Fields["session_id"])
	assert.Nil(t, ErrCapacityExceeded.Fields)
	assert.True(t, errors.Is(err, ErrCapacityExceeded))
	assert.False(t, errors.Is(err, ErrSessionClosed))
}

func TestIsThroughWrapping(t *testing.T) {
	err := fmt.Errorf("admit: %w", Clone(ErrConflict, "student already enrolled"))
	assert.True(t, errors.Is(err, ErrConflict))
	assert.Equal(t, http.StatusConflict, FromError(err).Status)
}

func TestFromErrorDefaultsToInternal(t *testing.T) {
	appErr := FromError(sql.ErrConnDone)
	assert.Equal(t, ErrInternal.Code, appErr.Code)
	assert.ErrorIs(t, appErr, sql.ErrConnDone)
	assert.Nil(t, FromError(nil))
}
