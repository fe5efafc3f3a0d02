// Package gateway exposes the orchestrator over a WebSocket JSON-RPC
// surface: request/response methods for the agent lifecycle plus a
// broadcast stream of agent events.
package gateway

import (
	"time"

	"github.com/gorilla/websocket"
)

// RPCRequest is a JSON-RPC 2.0 request.
type RPCRequest struct {
	ID             string                 `json:"id"`
	Method         string                 `json:"method"`
	Params         map[string]interface{} `json:"params,omitempty"`
	JSONRPC        string                 `json:"jsonrpc"`
	IdempotencyKey string                 `json:"idempotencyKey,omitempty"`
}

// RPCResponse is a JSON-RPC 2.0 response.
type RPCResponse struct {
	ID      string      `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	JSONRPC string      `json:"jsonrpc"`
}

// RPCError is a JSON-RPC 2.0 error.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return e.Message
}

// RPC error codes.
const (
	ParseError             = -32700
	InvalidRequest         = -32600
	MethodNotFound         = -32601
	InvalidParams          = -32602
	InternalError          = -32603
	AuthenticationRequired = -32001
	ApprovalRequired       = -32002
	RateLimitExceeded      = -32005
)

// EventMessage is a server-initiated notification.
type EventMessage struct {
	Type      string      `json:"type"`
	Event     string      `json:"event"`
	AgentID   string      `json:"agent_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Seq       int64       `json:"seq"`
	Timestamp int64       `json:"timestamp"`
}

// AuthChallenge is the server's opening authentication message.
type AuthChallenge struct {
	Event     string `json:"event"`
	Challenge string `json:"challenge"`
}

// AuthResponse is the client's signed reply to a challenge.
type AuthResponse struct {
	Method    string `json:"method"`
	Signature string `json:"signature"`
}

// AuthResult reports the outcome of an authentication attempt.
type AuthResult struct {
	Event   string `json:"event"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// RequestHandler handles one RPC method.
type RequestHandler func(params map[string]interface{}) (interface{}, error)

// ClientState is the lifecycle state of one connection.
type ClientState int

const (
	StateAuthenticating ClientState = iota
	StateAuthenticated
	StateDisconnected
)

// Client is one connected WebSocket peer.
type Client struct {
	ID            string
	Conn          *websocket.Conn
	State         ClientState
	Challenge     string
	AuthAttempts  int
	ConnectedAt   time.Time
	LastActivity  time.Time
	IPAddress     string
	RateLimiter   *RateLimiter
	writeDeadline time.Duration
}

// Authenticated reports whether the client passed the challenge.
func (c *Client) Authenticated() bool {
	return c.State == StateAuthenticated
}

// Send writes one JSON message to the client connection.
func (c *Client) Send(v interface{}) error {
	if c.writeDeadline > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeDeadline))
	}
	return c.Conn.WriteJSON(v)
}

// ClientInfo is the reportable view of a connection.
type ClientInfo struct {
	ID            string    `json:"id"`
	Authenticated bool      `json:"authenticated"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastActivity  time.Time `json:"lastActivity"`
	IPAddress     string    `json:"ipAddress"`
}
