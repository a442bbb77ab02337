package messaging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/ScriptPipe/internal/models"
	"github.com/BTreeMap/ScriptPipe/internal/twiliowhatsapp"
)

func postForm(svc *TwilioService, form url.Values, sig string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/twilio/webhook", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if sig != "" {
		req.Header.Set(SignatureHeader, sig)
	}
	rec := httptest.NewRecorder()
	svc.WebhookHandler(rec, req)
	return rec
}

type staticValidator struct {
	ok     bool
	url    string
	params map[string]string
}

func (v *staticValidator) ValidateWebhook(url string, params map[string]string, signature string) bool {
	v.url = url
	v.params = params
	return v.ok
}

func TestTwilioService_SendRendersText(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)

	msg := models.NewButtons("whatsapp:+5511999998888", "Ready?", models.Button{ID: "y", Title: "Yes"}, models.Button{ID: "n", Title: "No"})
	require.NoError(t, svc.Send(context.Background(), msg))

	sent := mock.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "5511999998888", sent[0].To)
	assert.Equal(t, "Ready?\n1. Yes\n2. No", sent[0].Body)

	r := <-svc.Receipts()
	assert.Equal(t, "SM0001", r.MessageID)
	assert.Equal(t, models.MessageStatusSent, r.Status)
}

func TestTwilioService_WebhookText(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())

	rec := postForm(svc, url.Values{
		"MessageSid":  {"SM123"},
		"From":        {"whatsapp:+5511999998888"},
		"ProfileName": {"Ana"},
		"Body":        {"menu"},
	}, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<Response>")

	ev := <-svc.Events()
	assert.Equal(t, "SM123", ev.ID)
	assert.Equal(t, "5511999998888", ev.From)
	assert.Equal(t, "Ana", ev.Contact.DisplayName)
	assert.Equal(t, models.EventText, ev.Kind)
	assert.Equal(t, "menu", ev.Text)
}

func TestTwilioService_WebhookNumberBecomesReply(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	list := models.NewList("5511999998888", "", "Pick", "Open",
		models.ListSection{Rows: []models.ListRow{{ID: "chapter_1", Title: "One"}, {ID: "chapter_2", Title: "Two"}}})
	require.NoError(t, svc.Send(context.Background(), list))

	postForm(svc, url.Values{"MessageSid": {"SM2"}, "From": {"whatsapp:+5511999998888"}, "Body": {"2"}}, "")
	ev := <-svc.Events()
	assert.Equal(t, models.EventListReply, ev.Kind)
	assert.Equal(t, "chapter_2", ev.Reply.ID)
}

func TestTwilioService_WebhookVariants(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	from := "whatsapp:+5511999998888"

	postForm(svc, url.Values{"MessageSid": {"SM3"}, "From": {from}, "ButtonPayload": {"start"}, "ButtonText": {"Start"}}, "")
	ev := <-svc.Events()
	assert.Equal(t, models.EventQuickReply, ev.Kind)
	assert.Equal(t, "start", ev.Reply.ID)

	postForm(svc, url.Values{"MessageSid": {"SM4"}, "From": {from}, "NumMedia": {"1"},
		"MediaContentType0": {"image/jpeg"}, "MediaUrl0": {"https://api.twilio.com/media/1"}}, "")
	ev = <-svc.Events()
	assert.Equal(t, models.EventMedia, ev.Kind)
	assert.Equal(t, "image", ev.Media.Type)
	assert.Equal(t, "image/jpeg", ev.Media.MimeType)

	postForm(svc, url.Values{"MessageSid": {"SM5"}, "From": {from}, "Latitude": {"-23.5"}, "Longitude": {"-46.6"}, "Label": {"Home"}}, "")
	ev = <-svc.Events()
	assert.Equal(t, models.EventLocation, ev.Kind)
	assert.InDelta(t, -23.5, ev.Location.Latitude, 1e-9)

	rec := postForm(svc, url.Values{"From": {from}, "Body": {"hi"}}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTwilioService_StatusCallback(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())

	rec := postForm(svc, url.Values{"MessageSid": {"SM9"}, "MessageStatus": {"delivered"}, "To": {"whatsapp:+5511999998888"}}, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	r := <-svc.Receipts()
	assert.Equal(t, models.MessageStatusDelivered, r.Status)
	assert.Equal(t, "SM9", r.MessageID)
	assert.Equal(t, "5511999998888", r.To)

	postForm(svc, url.Values{"MessageSid": {"SM9"}, "MessageStatus": {"queued"}}, "")
	assert.Len(t, svc.Receipts(), 0)
	assert.Len(t, svc.Events(), 0)
}

func TestTwilioService_WebhookSignature(t *testing.T) {
	v := &staticValidator{ok: false}
	svc := NewTwilioService(twiliowhatsapp.NewMockClient(), WithWebhookValidation(v, "https://bot.example.com/twilio/webhook"))
	form := url.Values{"MessageSid": {"SM1"}, "From": {"whatsapp:+5511999998888"}, "Body": {"hi"}}

	rec := postForm(svc, form, "bad")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "https://bot.example.com/twilio/webhook", v.url)
	assert.Equal(t, "hi", v.params["Body"])

	v.ok = true
	rec = postForm(svc, form, "good")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, svc.Events(), 1)
}

func TestTwilioService_StoppedWebhook(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	require.NoError(t, svc.Stop())

	rec := postForm(svc, url.Values{"MessageSid": {"SM1"}, "From": {"whatsapp:+5511999998888"}, "Body": {"hi"}}, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.ErrorIs(t, svc.Send(context.Background(), models.NewText("5511999998888", "x")), ErrServiceStopped)
}
