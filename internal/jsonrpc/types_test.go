package jsonrpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Request(t *testing.T) {
	msg, err := Decode([]byte(`{"jsonrpc":"2.0","id":7,"method":"tools/list","params":{"cursor":"abc"}}`))
	require.NoError(t, err)
	require.NotNil(t, msg.Request)
	assert.Nil(t, msg.Notification)
	assert.Nil(t, msg.Response)
	assert.Equal(t, "tools/list", msg.Request.Method)
	assert.Equal(t, "7", msg.Request.ID.String())
	assert.JSONEq(t, `{"cursor":"abc"}`, string(msg.Request.Params))
}

func TestDecode_StringID(t *testing.T) {
	msg, err := Decode([]byte(`{"jsonrpc":"2.0","id":"req-1","method":"ping"}`))
	require.NoError(t, err)
	require.NotNil(t, msg.Request)
	assert.Equal(t, `"req-1"`, msg.Request.ID.String())
	assert.False(t, msg.Request.ID.IsNull())
}

func TestDecode_Notification(t *testing.T) {
	msg, err := Decode([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	require.NoError(t, err)
	require.NotNil(t, msg.Notification)
	assert.Equal(t, "notifications/initialized", msg.Notification.Method)
}

func TestDecode_NullIDIsNotification(t *testing.T) {
	// An explicit null id does not make a request.
	msg, err := Decode([]byte(`{"jsonrpc":"2.0","id":null,"method":"notifications/cancelled"}`))
	require.NoError(t, err)
	require.NotNil(t, msg.Notification)
}

func TestDecode_Response(t *testing.T) {
	msg, err := Decode([]byte(`{"jsonrpc":"2.0","id":3,"result":{"ok":true}}`))
	require.NoError(t, err)
	require.NotNil(t, msg.Response)
	assert.JSONEq(t, `{"ok":true}`, string(msg.Response.Result))
}

func TestDecode_ErrorResponse(t *testing.T) {
	msg, err := Decode([]byte(`{"jsonrpc":"2.0","id":3,"error":{"code":-32601,"message":"not found"}}`))
	require.NoError(t, err)
	require.NotNil(t, msg.Response)
	require.NotNil(t, msg.Response.Error)
	assert.Equal(t, CodeMethodNotFound, msg.Response.Error.Code)
}

func TestDecode_Invalid(t *testing.T) {
	cases := map[string]string{
		"garbage":       `{not json`,
		"wrong version": `{"jsonrpc":"1.0","id":1,"method":"x"}`,
		"empty object":  `{"jsonrpc":"2.0"}`,
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(input))
			assert.Error(t, err)
		})
	}
}

func TestRoundTrip_PayloadPreserved(t *testing.T) {
	// Unknown params must survive encode/decode byte-for-byte semantically.
	raw := json.RawMessage(`{"deeply":{"nested":[1,2,{"x":null}]},"unicode":"héllo"}`)
	req, err := NewRequest(NewID(42), "custom/method", raw)
	require.NoError(t, err)

	encoded, err := json.Marshal(req)
	require.NoError(t, err)

	msg, err := Decode(encoded)
	require.NoError(t, err)
	require.NotNil(t, msg.Request)
	assert.JSONEq(t, string(raw), string(msg.Request.Params))
}

func TestNewErrorResponse(t *testing.T) {
	resp := NewErrorResponse(NewID(1), NewError(CodeInvalidParams, "bad name"))
	b, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"bad name"}}`, string(b))
}
