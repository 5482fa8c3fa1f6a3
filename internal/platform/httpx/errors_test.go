package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/access-advisor/internal/shared"
)

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		fmt.Errorf("x: %w", shared.ErrNotFound):        http.StatusNotFound,
		fmt.Errorf("x: %w", shared.ErrStateConflict):   http.StatusConflict,
		shared.ValidationError("bad"):                  http.StatusBadRequest,
		shared.ConfigError("weights"):                  http.StatusUnprocessableEntity,
		fmt.Errorf("x: %w", shared.ErrRollbackFailure): http.StatusBadGateway,
		ErrUnauthorized:                                http.StatusUnauthorized,
		errors.New("boom"):                             http.StatusInternalServerError,
	}
	for err, want := range cases {
		require.Equal(t, want, StatusFor(err), err.Error())
	}
}

func TestRespondErrorHidesInternalDetail(t *testing.T) {
	rr := httptest.NewRecorder()
	RespondError(rr, errors.New("pq: secret"))
	require.Equal(t, http.StatusInternalServerError, rr.Code)

	var body ProblemDetail
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	require.Empty(t, body.Detail)

	rr = httptest.NewRecorder()
	RespondError(rr, shared.ValidationError("actor required"))
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	require.Contains(t, body.Detail, "actor required")
}
