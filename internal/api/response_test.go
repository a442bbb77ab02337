package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/BTreeMap/ScriptPipe/internal/models"
)

func TestOutcomeResponse(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		outcome Outcome
		err     error
		code    int
		status  models.APIStatus
	}{
		{OutcomeReceipt, nil, http.StatusOK, models.APIStatusRecorded},
		{OutcomeReceipt, boom, http.StatusInternalServerError, models.APIStatusError},
		{OutcomeDuplicate, nil, http.StatusOK, models.APIStatusDuplicate},
		{OutcomeDispatched, nil, http.StatusOK, models.APIStatusOK},
		{OutcomeRejected, boom, http.StatusOK, models.APIStatusError},
		{OutcomeFailed, boom, http.StatusInternalServerError, models.APIStatusError},
		{OutcomeFailed, nil, http.StatusInternalServerError, models.APIStatusError},
	}
	for _, tt := range tests {
		t.Run(string(tt.outcome), func(t *testing.T) {
			code, resp := outcomeResponse(tt.outcome, "wamid.1", tt.err)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, string(tt.status), resp.Status)
		})
	}
}

func TestWriteJSONResponse_FallsBackOnEncodingError(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/users", nil)
	writeJSONResponse(rec, req, http.StatusOK, models.Success(make(chan int)))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, fallbackBody, rec.Body.String())
}
