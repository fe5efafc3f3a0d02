package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouter_ParseValidRequest(t *testing.T) {
	r := NewRouter()

	req, err := r.Parse([]byte(`{"id":"1","method":"agent.get","params":{"agentId":"a1"}}`))
	require.NoError(t, err)
	assert.Equal(t, "1", req.ID)
	assert.Equal(t, "agent.get", req.Method)
	assert.Equal(t, "2.0", req.JSONRPC)
	assert.Equal(t, "a1", req.Params["agentId"])
}

func TestRouter_ParseErrors(t *testing.T) {
	r := NewRouter()

	tests := []struct {
		name string
		data string
		code int
	}{
		{"malformed json", `{not json`, ParseError},
		{"missing id", `{"method":"agent.get"}`, InvalidRequest},
		{"missing method", `{"id":"1"}`, InvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Parse([]byte(tt.data))
			require.Error(t, err)
			var rpcErr *RPCError
			require.ErrorAs(t, err, &rpcErr)
			assert.Equal(t, tt.code, rpcErr.Code)
		})
	}
}

func TestRouter_Dispatch(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Register("echo", func(params map[string]interface{}) (interface{}, error) {
		return params["value"], nil
	}))

	resp := r.Dispatch(&RPCRequest{ID: "1", Method: "echo", Params: map[string]interface{}{"value": "hi"}})
	assert.Nil(t, resp.Error)
	assert.Equal(t, "hi", resp.Result)
	assert.Equal(t, "1", resp.ID)
}

func TestRouter_Dispatch_MethodNotFound(t *testing.T) {
	r := NewRouter()

	resp := r.Dispatch(&RPCRequest{ID: "1", Method: "nope"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, MethodNotFound, resp.Error.Code)
}

func TestRouter_Dispatch_HandlerError(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Register("fail", func(map[string]interface{}) (interface{}, error) {
		return nil, &RPCError{Code: InvalidParams, Message: "bad params"}
	}))

	resp := r.Dispatch(&RPCRequest{ID: "1", Method: "fail"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidParams, resp.Error.Code)
}

func TestRouter_IdempotencyReplay(t *testing.T) {
	r := NewRouter()
	calls := 0
	require.NoError(t, r.Register("launch", func(map[string]interface{}) (interface{}, error) {
		calls++
		return calls, nil
	}))

	first := r.Dispatch(&RPCRequest{ID: "1", Method: "launch", IdempotencyKey: "k1"})
	replay := r.Dispatch(&RPCRequest{ID: "2", Method: "launch", IdempotencyKey: "k1"})

	assert.Equal(t, 1, calls)
	assert.Equal(t, first.Result, replay.Result)
	assert.Equal(t, "2", replay.ID)

	// A different key runs the handler again.
	other := r.Dispatch(&RPCRequest{ID: "3", Method: "launch", IdempotencyKey: "k2"})
	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, other.Result)
}

func TestRouter_RegisterDuplicate(t *testing.T) {
	r := NewRouter()
	handler := func(map[string]interface{}) (interface{}, error) { return nil, nil }

	require.NoError(t, r.Register("m", handler))
	assert.Error(t, r.Register("m", handler))
	assert.Error(t, r.Register("nil", nil))
}
