package dualauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKinds(t *testing.T) {
	err := fmt.Errorf("link: %w", newError(KindIdentityConflict, errors.New("user 3 has 1001")))

	assert.ErrorIs(t, err, ErrIdentityConflict)
	assert.NotErrorIs(t, err, ErrIdentityAlreadyLinked)
	assert.Equal(t, KindIdentityConflict, KindOf(err))
	assert.Equal(t, http.StatusConflict, AsError(err).StatusCode())

	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Nil(t, AsError(nil))
}

func TestSendErrorHidesCause(t *testing.T) {
	w := httptest.NewRecorder()
	SendError(w, newError(KindProviderRejected, errors.New(`{"error":"invalid_client","secret":"s3cr3t"}`)))

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.NotContains(t, w.Body.String(), "s3cr3t")
	assert.Equal(t, kindMessage[KindProviderRejected], w.Header().Get("Status"))

	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, KindProviderRejected, body.Error)
}

func TestEveryKindHasStatusAndMessage(t *testing.T) {
	for kind := range kindStatus {
		assert.NotEmpty(t, kindMessage[kind], kind)
	}
	assert.Len(t, kindMessage, len(kindStatus))
	assert.True(t, isSecurityRelevant(KindStateMismatch))
	assert.False(t, isSecurityRelevant(KindUserCancelled))
}
