package twiliowhatsapp

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sign computes the X-Twilio-Signature Twilio sends for a form POST.
func sign(token, url string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	data := url
	for _, k := range keys {
		data += k + params[k]
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestMockClient_SendMessage(t *testing.T) {
	mock := NewMockClient()

	sid, err := mock.SendMessage(context.Background(), "12345", "Hello Test")
	require.NoError(t, err)
	assert.Equal(t, "SM0001", sid)
	require.Len(t, mock.Sent(), 1)
	assert.Equal(t, "Hello Test", mock.Sent()[0].Body)
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	_, err := NewClient(WithAccountSID("AC123"), WithAuthToken("secret"))
	assert.ErrorIs(t, err, ErrMissingCredentials)

	c, err := NewClient(WithAccountSID("AC123"), WithAuthToken("secret"), WithFromWhats("14155238886"))
	require.NoError(t, err)
	assert.Equal(t, "whatsapp:+14155238886", c.fromWhats)
}

func TestAddressAndNumber(t *testing.T) {
	assert.Equal(t, "whatsapp:+5511999", Address("5511999"))
	assert.Equal(t, "whatsapp:+5511999", Address("+5511999"))
	assert.Equal(t, "whatsapp:+5511999", Address("whatsapp:+5511999"))
	assert.Equal(t, "5511999", Number("whatsapp:+5511999"))
	assert.Equal(t, "5511999", Number("5511999"))
}

func TestValidateWebhook(t *testing.T) {
	c, err := NewClient(WithAccountSID("AC123"), WithAuthToken("secret"), WithFromWhats("+14155238886"))
	require.NoError(t, err)

	url := "https://bot.example.com/twilio/webhook"
	params := map[string]string{"From": "whatsapp:+5511999", "Body": "oi"}
	sig := sign("secret", url, params)

	assert.True(t, c.ValidateWebhook(url, params, sig))
	assert.False(t, c.ValidateWebhook(url, params, "bogus"))
}
