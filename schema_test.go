package mcp_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcp "github.com/MegaGrindStone/resilient-mcp"
)

func TestRequestID_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    mcp.RequestID
		wantErr bool
	}{
		{
			name:  "string input",
			input: `"test123"`,
			want:  mcp.StringID("test123"),
		},
		{
			name:  "numeric string stays a string",
			input: `"42"`,
			want:  mcp.StringID("42"),
		},
		{
			name:  "integer input",
			input: `42`,
			want:  mcp.NumberID(42),
		},
		{
			name:  "empty string is still an id",
			input: `""`,
			want:  mcp.StringID(""),
		},
		{
			name:  "negative integer",
			input: `-7`,
			want:  mcp.NumberID(-7),
		},
		{
			name:  "null",
			input: `null`,
			want:  mcp.RequestID{},
		},
		{
			name:    "float input",
			input:   `42.5`,
			wantErr: true,
		},
		{
			name:    "invalid type",
			input:   `{"key": "value"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got mcp.RequestID
			err := json.Unmarshal([]byte(tt.input), &got)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRequestID_MarshalJSON(t *testing.T) {
	tests := []struct {
		name string
		id   mcp.RequestID
		want string
	}{
		{name: "string", id: mcp.StringID("abc"), want: `"abc"`},
		{name: "numeric string", id: mcp.StringID("1"), want: `"1"`},
		{name: "empty string", id: mcp.StringID(""), want: `""`},
		{name: "number", id: mcp.NumberID(1), want: `1`},
		{name: "absent", id: mcp.RequestID{}, want: `null`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.id)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestRequestIDKinds(t *testing.T) {
	assert.NotEqual(t, mcp.StringID("1"), mcp.NumberID(1))
	assert.Equal(t, "1", mcp.StringID("1").String())
	assert.Equal(t, "1", mcp.NumberID(1).String())
	assert.Equal(t, int64(1), mcp.NumberID(1).Value())
	assert.Equal(t, "1", mcp.StringID("1").Value())
	assert.Nil(t, mcp.RequestID{}.Value())
	assert.True(t, mcp.RequestID{}.IsZero())
	assert.False(t, mcp.NumberID(0).IsZero())
	assert.False(t, mcp.StringID("").IsZero())
	assert.Equal(t, "", mcp.StringID("").Value())

	seen := map[mcp.RequestID]bool{mcp.StringID("1"): true}
	assert.False(t, seen[mcp.NumberID(1)])
}

func TestJSONRPCMessage_Validate(t *testing.T) {
	tests := []struct {
		name    string
		msg     string
		kind    string
		wantErr bool
	}{
		{
			name: "request",
			msg:  `{"jsonrpc":"2.0","id":1,"method":"ping"}`,
			kind: "request",
		},
		{
			name: "request with an empty string id",
			msg:  `{"jsonrpc":"2.0","id":"","method":"ping"}`,
			kind: "request",
		},
		{
			name: "notification",
			msg:  `{"jsonrpc":"2.0","method":"notifications/initialized"}`,
			kind: "notification",
		},
		{
			name: "result",
			msg:  `{"jsonrpc":"2.0","id":"a","result":{}}`,
			kind: "response",
		},
		{
			name: "error without id",
			msg:  `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"parse error"}}`,
			kind: "response",
		},
		{
			name:    "wrong version",
			msg:     `{"jsonrpc":"1.0","id":1,"method":"ping"}`,
			wantErr: true,
		},
		{
			name:    "method and result",
			msg:     `{"jsonrpc":"2.0","id":1,"method":"ping","result":{}}`,
			wantErr: true,
		},
		{
			name:    "result and error",
			msg:     `{"jsonrpc":"2.0","id":1,"result":{},"error":{"code":1,"message":"x"}}`,
			wantErr: true,
		},
		{
			name:    "empty",
			msg:     `{"jsonrpc":"2.0","id":1}`,
			wantErr: true,
		},
		{
			name:    "result without id",
			msg:     `{"jsonrpc":"2.0","result":{}}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg mcp.JSONRPCMessage
			require.NoError(t, json.Unmarshal([]byte(tt.msg), &msg))

			err := msg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, mcp.ErrProtocol))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind == "request", msg.IsRequest())
			assert.Equal(t, tt.kind == "notification", msg.IsNotification())
			assert.Equal(t, tt.kind == "response", msg.IsResponse())
		})
	}
}

func TestJSONRPCErrorIsAnError(t *testing.T) {
	var err error = mcp.JSONRPCError{Code: mcp.JSONRPCInvalidParamsCode, Message: "bad"}

	var rpcErr mcp.JSONRPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, mcp.JSONRPCInvalidParamsCode, rpcErr.Code)
	assert.Contains(t, err.Error(), "bad")
}

func TestJSONRPCMessageKeepsEmptyStringID(t *testing.T) {
	bs, err := json.Marshal(mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.StringID(""),
		Result:  json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"","result":{}}`, string(bs))

	bs, err = json.Marshal(mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, Method: "notifications/initialized"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"notifications/initialized"}`, string(bs))
}
