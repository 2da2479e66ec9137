package job

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validPayload(t *testing.T) []byte {
	t.Helper()
	j := Job{Class: "HardJob", Args: []any{1.0, "x"}, JID: NewJID(), Queue: "default", Retry: true}
	out, err := json.Marshal(j)
	require.NoError(t, err)
	return out
}

func TestValidatePayloadAccepts(t *testing.T) {
	assert.NoError(t, ValidatePayload(validPayload(t)))
}

func TestValidatePayloadMissingClass(t *testing.T) {
	err := ValidatePayload([]byte(`{"args":[],"jid":"0123456789abcdef01234567","queue":"q"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "class")
}

func TestValidatePayloadBadJID(t *testing.T) {
	err := ValidatePayload([]byte(`{"class":"A","args":[],"jid":"short","queue":"q"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jid")
}

func TestValidatePayloadUnknownFieldsPass(t *testing.T) {
	payload := []byte(`{"class":"A","args":[],"jid":"0123456789abcdef01234567","queue":"q","tenant":"acme"}`)
	assert.NoError(t, ValidatePayload(payload))
}
