package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesByCode(t *testing.T) {
	err := InvalidRequest("caller %s cannot call themselves", "alice")

	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.NotErrorIs(t, err, ErrMediaAcquisition)
	assert.Contains(t, err.Error(), "alice")
}

func TestIsThroughWrapping(t *testing.T) {
	cause := errors.New("camera busy")
	err := fmt.Errorf("initiate: %w", MediaAcquisition(cause))

	assert.ErrorIs(t, err, ErrMediaAcquisition)
	assert.ErrorIs(t, err, cause)
}

func TestStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, Status(ErrInvalidRequest))
	assert.Equal(t, http.StatusConflict, Status(IllegalTransition("ended", "ringing")))
	assert.Equal(t, http.StatusForbidden, Status(Forbidden("only the caller may send an offer")))
	assert.Equal(t, http.StatusInternalServerError, Status(errors.New("boom")))
}

func TestMessage(t *testing.T) {
	assert.Equal(t, "offer already set", Message(AlreadySet("offer")))
	assert.Equal(t, "Internal server error", Message(errors.New("secret detail")))
}
