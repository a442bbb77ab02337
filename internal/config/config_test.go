package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SCRIPTPIPE_STATE_DIR", "/tmp/sp")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/sp", cfg.StateDir)
	assert.Equal(t, ":8080", cfg.APIAddr)
	assert.Equal(t, "v22.0", cfg.GraphAPIVersion)
	assert.Equal(t, "gpt-4o-mini", cfg.OpenAIModel)
	assert.Equal(t, 15*time.Second, cfg.SendTimeout)
	assert.Equal(t, 30*time.Second, cfg.AITimeout)
	assert.Equal(t, 60*time.Second, cfg.DispatchTimeout)
	assert.Equal(t, 7*24*time.Hour, cfg.DedupRetention)
	assert.Equal(t, "0 * * * *", cfg.PruneSchedule)
	assert.Equal(t, "file:"+filepath.Join("/tmp/sp", DefaultWhatsAppDBFileName)+"?_foreign_keys=on", cfg.WhatsAppStoreDSN())
	assert.Equal(t, filepath.Join("/tmp/sp", DefaultDBFileName), cfg.StoreDSN())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost/db")
	t.Setenv("TRANSPORT", TransportTwilio)
	t.Setenv("AI_TIMEOUT", "5s")
	t.Setenv("OPENAI_FALLBACK_MODEL", "gpt-4o")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, TransportTwilio, cfg.Transport)
	assert.Equal(t, 5*time.Second, cfg.AITimeout)
	assert.Equal(t, "gpt-4o", cfg.OpenAIFallbackModel)
	assert.Equal(t, "postgres://u:p@localhost/db", cfg.StoreDSN())
}

func TestLoad_RejectsBadDuration(t *testing.T) {
	t.Setenv("SEND_TIMEOUT", "soon")
	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{SendTimeout: time.Second, AITimeout: time.Second, DispatchTimeout: time.Second, DedupRetention: time.Hour}
	}

	c := base()
	c.Transport = TransportCloudAPI
	err := c.Validate()
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "ACCESS_TOKEN")

	c.PhoneNumberID, c.AccessToken, c.WebhookVerifyToken = "123", "tok", "verify"
	assert.NoError(t, c.Validate())

	c = base()
	c.Transport = TransportTwilio
	assert.ErrorIs(t, c.Validate(), ErrInvalidConfig)
	c.TwilioAccountSID, c.TwilioAuthToken, c.TwilioFromNumber = "AC1", "t", "+1415"
	assert.NoError(t, c.Validate())

	c = base()
	c.Transport = TransportWhatsmeow
	assert.NoError(t, c.Validate())
	c.AITimeout = 0
	assert.ErrorIs(t, c.Validate(), ErrInvalidConfig)

	c = base()
	c.Transport = "telegram"
	assert.ErrorIs(t, c.Validate(), ErrInvalidConfig)
}
