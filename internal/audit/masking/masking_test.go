package masking

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "", MaskSecret("   "))
	assert.Equal(t, "****", MaskSecret("abcd"))
	assert.Equal(t, "****6789", MaskSecret("123456789"))
	assert.Equal(t, "sk_live_****cdef", MaskSecret("sk_live_0123456789abcdef"))
}

func TestIsSensitiveKey(t *testing.T) {
	assert.True(t, IsSensitiveKey("Password"))
	assert.True(t, IsSensitiveKey("refresh_token"))
	assert.True(t, IsSensitiveKey("X-Api_Key"))
	assert.False(t, IsSensitiveKey("TimeStamp"))
	assert.False(t, IsSensitiveKey("Demand(Actual)"))
}

func TestMaskBody(t *testing.T) {
	raw := []byte(`[{"TimeStamp":"2025-08-22 18:00:00","Demand(Actual)":123.4,"auth":{"token":"abcdefgh12345678"}}]`)
	masked := MaskBody(raw)

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal([]byte(masked), &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, "2025-08-22 18:00:00", decoded[0]["TimeStamp"])
	assert.Equal(t, 123.4, decoded[0]["Demand(Actual)"])
	assert.Equal(t, map[string]any{"token": "****5678"}, decoded[0]["auth"])
}

func TestMaskBodyKeepsNumbersExact(t *testing.T) {
	assert.JSONEq(t, `{"value":12345678901234567890}`, MaskBody([]byte(`{"value":12345678901234567890}`)))
}

func TestMaskBodyPassesThroughNonJSON(t *testing.T) {
	assert.Equal(t, "", MaskBody(nil))
	assert.Equal(t, "not json", MaskBody([]byte("not json")))
	assert.Equal(t, `{"a":1} {"b":2}`, MaskBody([]byte(`{"a":1} {"b":2}`)))
}
