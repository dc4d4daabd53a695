package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/harun/plugd/pkg/audit"
	"github.com/harun/plugd/pkg/gateway"
)

// Client calls the administrative gateway of a running daemon
type Client struct {
	baseURL string
	secret  string
	actor   string
	http    *http.Client
}

// NewClient creates a client for the gateway at addr. addr may be a bare
// host:port or a full http URL.
func NewClient(addr, secret, actor string) *Client {
	base := strings.TrimRight(addr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		baseURL: base,
		secret:  secret,
		actor:   actor,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Call invokes method with params and decodes the result into out, which
// may be nil.
func (c *Client) Call(ctx context.Context, method string, params map[string]any, out any) error {
	id, err := gonanoid.New()
	if err != nil {
		return fmt.Errorf("failed to generate request id: %w", err)
	}
	body, err := json.Marshal(gateway.RPCRequest{ID: id, Method: method, Params: params, JSONRPC: "2.0"})
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(gateway.SecretHeader, c.secret)
	if c.actor != "" {
		req.Header.Set(gateway.ActorHeader, c.actor)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return errors.New("gateway rejected the shared secret")
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var rpcResp struct {
		Result json.RawMessage   `json:"result"`
		Error  *gateway.RPCError `json:"error"`
	}
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return fmt.Errorf("unexpected gateway response (HTTP %d): %w", resp.StatusCode, err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out == nil || len(rpcResp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

// Follow authenticates on the activity feed and calls fn for every record
// until ctx ends or the connection drops.
func (c *Client) Follow(ctx context.Context, filter gateway.FeedFilter, fn func(audit.Record)) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("invalid gateway address: %w", err)
	}
	u.Scheme = "ws"
	if strings.HasPrefix(c.baseURL, "https://") {
		u.Scheme = "wss"
	}
	u.Path = "/ws"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect to activity feed: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	var challenge gateway.AuthChallenge
	if err := conn.ReadJSON(&challenge); err != nil {
		return fmt.Errorf("failed to read auth challenge: %w", err)
	}
	err = conn.WriteJSON(gateway.AuthResponse{
		Method:    "auth.response",
		Signature: gateway.Sign(c.secret, challenge.Challenge),
		Actor:     c.actor,
		Filter:    filter,
	})
	if err != nil {
		return fmt.Errorf("failed to answer auth challenge: %w", err)
	}
	var result gateway.AuthResult
	if err := conn.ReadJSON(&result); err != nil {
		return fmt.Errorf("failed to read auth result: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("activity feed authentication failed: %s", result.Message)
	}

	for {
		var msg gateway.EventMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("activity feed closed: %w", err)
		}
		if msg.Event == "activity" && msg.Record != nil {
			fn(*msg.Record)
		}
	}
}
