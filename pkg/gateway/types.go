package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harun/plugd/pkg/audit"
)

// RPCRequest represents a JSON-RPC 2.0 request
type RPCRequest struct {
	ID             string         `json:"id"`
	Method         string         `json:"method"`
	Params         map[string]any `json:"params,omitempty"`
	JSONRPC        string         `json:"jsonrpc"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
}

// RPCResponse represents a JSON-RPC 2.0 response
type RPCResponse struct {
	ID      string    `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
	JSONRPC string    `json:"jsonrpc"`
}

// RPCError represents a JSON-RPC 2.0 error
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface
func (e *RPCError) Error() string {
	return e.Message
}

// EventMessage is a server-initiated message on the activity feed
type EventMessage struct {
	Type      string        `json:"type"`
	Event     string        `json:"event"`
	Seq       int64         `json:"seq,omitempty"`
	Record    *audit.Record `json:"record,omitempty"`
	Data      any           `json:"data,omitempty"`
	Timestamp int64         `json:"timestamp"`
}

// AuthChallenge represents an authentication challenge message
type AuthChallenge struct {
	Event     string `json:"event"`
	Challenge string `json:"challenge"`
}

// AuthResponse is a client's reply to a challenge. Filter narrows the feed.
type AuthResponse struct {
	Method    string     `json:"method"`
	Signature string     `json:"signature"`
	Actor     string     `json:"actor,omitempty"`
	Filter    FeedFilter `json:"filter,omitempty"`
}

// AuthResult represents the result of authentication
type AuthResult struct {
	Event   string `json:"event"`
	Success bool   `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
}

// FeedFilter selects activity records for a websocket client. Empty fields
// match every record.
type FeedFilter struct {
	PluginID string `json:"plugin_id,omitempty"`
	TenantID string `json:"tenant_id,omitempty"`
}

// Match reports whether r passes the filter
func (f FeedFilter) Match(r audit.Record) bool {
	if f.PluginID != "" && f.PluginID != r.PluginID {
		return false
	}
	if f.TenantID != "" && f.TenantID != r.TenantID {
		return false
	}
	return true
}

// ClientInfo describes a connected feed client
type ClientInfo struct {
	ID            string     `json:"id"`
	Authenticated bool       `json:"authenticated"`
	ConnectedAt   time.Time  `json:"connectedAt"`
	LastActivity  time.Time  `json:"lastActivity"`
	IPAddress     string     `json:"ipAddress"`
	Filter        FeedFilter `json:"filter"`
}

// ClientState represents the state of a client connection
type ClientState int

const (
	StateConnecting ClientState = iota
	StateAuthenticating
	StateAuthenticated
	StateDisconnected
)

// RequestHandler handles one RPC method
type RequestHandler func(ctx context.Context, params map[string]any) (any, error)

// RPC error codes
const (
	ParseError             = -32700
	InvalidRequest         = -32600
	MethodNotFound         = -32601
	InvalidParams          = -32602
	InternalError          = -32603
	AuthenticationRequired = -32001
	NotFound               = -32002
	Conflict               = -32003
	PermissionDenied       = -32004
	RateLimitExceeded      = -32005
	TooManyConcurrent      = -32006
	DependencyFailed       = -32007
	HookFailed             = -32008
)

// Client represents a connected WebSocket client
type Client struct {
	ID            string
	Conn          *websocket.Conn
	Authenticated bool
	Challenge     string
	ConnectedAt   time.Time
	LastActivity  time.Time
	IPAddress     string
	AuthAttempts  int
	RateLimiter   *ClientRateLimiter
	State         ClientState
	Actor         string
	Filter        FeedFilter

	writeMu sync.Mutex
}

// WriteJSON serializes writes; gorilla connections allow one writer.
func (c *Client) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteJSON(v)
}
