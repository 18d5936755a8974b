package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Client is a control socket client.
type Client struct {
	socketPath string
	httpClient *http.Client
}

// NewClient creates a new control client.
func NewClient(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}

	return &Client{
		socketPath: socketPath,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   10 * time.Second,
		},
	}
}

// Status retrieves the agent status.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var status StatusResponse
	if err := c.do(ctx, http.MethodGet, "/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Ports retrieves the registered ports.
func (c *Client) Ports(ctx context.Context) (*PortsResponse, error) {
	var ports PortsResponse
	if err := c.do(ctx, http.MethodGet, "/ports", nil, &ports); err != nil {
		return nil, err
	}
	return &ports, nil
}

// Close closes port, or every port when port is nil.
func (c *Client) Close(ctx context.Context, port *int) (*CloseResponse, error) {
	var resp CloseResponse
	if err := c.do(ctx, http.MethodPost, "/close", CloseRequest{Port: port}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Send asks a named outbound endpoint to send one datagram.
func (c *Client) Send(ctx context.Context, req SendRequest) (*SendResponse, error) {
	var resp SendResponse
	if err := c.do(ctx, http.MethodPost, "/send", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// do performs a request against the control socket and decodes the JSON
// response into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	// Use a dummy host since we're connecting via Unix socket
	url := "http://localhost" + path

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status: %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// CloseIdle releases idle connections to the socket.
func (c *Client) CloseIdle() {
	c.httpClient.CloseIdleConnections()
}
