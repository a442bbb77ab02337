package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"entry":[]}`)
	secret := "app-secret"
	good := SignatureFor(body, secret)

	assert.NoError(t, VerifySignature(body, good, secret))
	assert.ErrorIs(t, VerifySignature(body, "", secret), ErrMissingSignature)
	assert.ErrorIs(t, VerifySignature(body, "sha1=abcd", secret), ErrInvalidSignature)
	assert.ErrorIs(t, VerifySignature(body, "sha256=zz", secret), ErrInvalidSignature)
	assert.ErrorIs(t, VerifySignature(body, good, "other-secret"), ErrInvalidSignature)
	assert.ErrorIs(t, VerifySignature([]byte(`{"entry":[1]}`), good, secret), ErrInvalidSignature)
}
