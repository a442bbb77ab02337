package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/ScriptPipe/internal/models"
)

// fallbackBody is sent when a response cannot be encoded.
const fallbackBody = `{"status":"error","message":"Internal server error"}`

// writeJSONResponse encodes response as the JSON body of r's reply. Error
// replies are logged with the request id so they can be matched with the
// X-Request-ID header the caller received.
func writeJSONResponse(w http.ResponseWriter, r *http.Request, statusCode int, response models.APIResponse) {
	reqID := RequestIDFrom(r.Context())
	body, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal response", "request_id", reqID, "path", r.URL.Path, "error", err)
		body = []byte(fallbackBody)
		statusCode = http.StatusInternalServerError
	}
	if statusCode >= http.StatusBadRequest {
		slog.Debug("Server.writeJSONResponse: error reply", "request_id", reqID, "path", r.URL.Path, "status", statusCode, "message", response.Message)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		slog.Error("Server.writeJSONResponse: failed to write response", "request_id", reqID, "error", err)
	}
}

// outcomeResponse maps the outcome of a webhook event to its HTTP reply.
// Rejected events answer 200 so the provider does not redeliver them.
func outcomeResponse(outcome Outcome, eventID string, err error) (int, models.APIResponse) {
	switch outcome {
	case OutcomeReceipt:
		if err != nil {
			return http.StatusInternalServerError, models.Error(err.Error())
		}
		return http.StatusOK, models.Recorded()
	case OutcomeDuplicate:
		return http.StatusOK, models.Duplicate(eventID)
	case OutcomeDispatched:
		return http.StatusOK, models.Success(map[string]string{"event_id": eventID})
	case OutcomeRejected:
		return http.StatusOK, models.Error(err.Error())
	default:
		msg := "dispatch failed"
		if err != nil {
			msg = err.Error()
		}
		return http.StatusInternalServerError, models.Error(msg)
	}
}
