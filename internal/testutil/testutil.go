// Package testutil provides webhook fixtures and assertions shared by ScriptPipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/ScriptPipe/internal/models"
	"github.com/BTreeMap/ScriptPipe/internal/store"
)

// DefaultContactName is the profile name used by the webhook fixtures.
const DefaultContactName = "Ana"

// MessageWebhook wraps one raw message object in a Cloud API notification
// whose contact is from.
func MessageWebhook(from, message string) []byte {
	return []byte(fmt.Sprintf(`{
		"object": "whatsapp_business_account",
		"entry": [{"id": "WABA", "changes": [{"field": "messages", "value": {
			"messaging_product": "whatsapp",
			"contacts": [{"wa_id": %q, "profile": {"name": %q}}],
			"messages": [%s]
		}}]}]
	}`, from, DefaultContactName, message))
}

// TextWebhook builds a notification carrying a single text message.
func TextWebhook(id, from, body string) []byte {
	msg := MustMarshalJSON(map[string]interface{}{
		"id":        id,
		"from":      from,
		"timestamp": "1700000000",
		"type":      "text",
		"text":      map[string]string{"body": body},
	})
	return MessageWebhook(from, string(msg))
}

// ButtonReplyWebhook builds a notification carrying an interactive button reply.
func ButtonReplyWebhook(id, from, replyID, title string) []byte {
	msg := MustMarshalJSON(map[string]interface{}{
		"id":        id,
		"from":      from,
		"timestamp": "1700000000",
		"type":      "interactive",
		"interactive": map[string]interface{}{
			"type":         "button_reply",
			"button_reply": map[string]string{"id": replyID, "title": title},
		},
	})
	return MessageWebhook(from, string(msg))
}

// StatusWebhook builds a delivery status notification for an outbound message.
func StatusWebhook(id, to, status string) []byte {
	return []byte(fmt.Sprintf(`{"object":"whatsapp_business_account","entry":[{"id":"WABA","changes":[{"field":"messages","value":{
		"messaging_product":"whatsapp",
		"statuses":[{"id":%q,"status":%q,"timestamp":"1700000000","recipient_id":%q}]}}]}]}`,
		id, status, to))
}

// CreateHTTPRequest creates an HTTP request with a raw body and headers.
func CreateHTTPRequest(method, url string, body []byte, header map[string]string) *http.Request {
	req := httptest.NewRequest(method, url, bytes.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	return req
}

// AssertAPIResponse decodes the standard JSON response and checks its status field.
func AssertAPIResponse(t *testing.T, rr *httptest.ResponseRecorder, expected models.APIStatus) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp), "body: %s", rr.Body.String())
	require.Equal(t, string(expected), string(resp.Status), "body: %s", rr.Body.String())
	return resp
}

// AssertReceiptCount validates the number of receipts in the store.
func AssertReceiptCount(t *testing.T, st store.Store, expected int) []models.Receipt {
	t.Helper()
	receipts, err := st.GetReceipts(context.Background())
	require.NoError(t, err)
	require.Len(t, receipts, expected)
	return receipts
}

// SeedUser stores a user parked on step with the given progress values.
func SeedUser(t *testing.T, st store.Store, externalID, step string, progress map[string]string) *models.User {
	t.Helper()
	ctx := context.Background()
	u, _, err := st.GetOrCreateUser(ctx, externalID, DefaultContactName)
	require.NoError(t, err)
	u.CurrentStep = step
	for k, v := range progress {
		u.Set(k, v)
	}
	require.NoError(t, st.SaveUser(ctx, u))
	return u
}

// MustMarshalJSON marshals v and panics on error; fixtures only marshal plain maps.
func MustMarshalJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("testutil: marshal fixture: %v", err))
	}
	return data
}
