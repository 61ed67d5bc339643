package ipc

import (
	"encoding/json"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"
)

// Client provides RPC access to the daemon.
type Client struct {
	conn   net.Conn
	client *rpc.Client
}

// Dial connects to the IPC server at the given socket path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, err
	}
	rpcClient := rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))
	return &Client{conn: conn, client: rpcClient}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.client != nil {
		_ = c.client.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Status retrieves the daemon status snapshot.
func (c *Client) Status() (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.client.Call("Toolbridge.Status", StatusRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Call forwards one request to the worker.
func (c *Client) Call(method string, params json.RawMessage, timeout time.Duration, priority int) (*CallResponse, error) {
	var resp CallResponse
	req := CallRequest{
		Method:        method,
		Params:        params,
		TimeoutMillis: int(timeout / time.Millisecond),
		Priority:      priority,
	}
	if err := c.client.Call("Toolbridge.Call", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Ping measures a worker round trip through the full call path.
func (c *Client) Ping() (*PingResponse, error) {
	var resp PingResponse
	if err := c.client.Call("Toolbridge.Ping", PingRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Restart recycles the worker process.
func (c *Client) Restart() (*RestartResponse, error) {
	var resp RestartResponse
	if err := c.client.Call("Toolbridge.Restart", RestartRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Reset clears the worker's terminal failed state.
func (c *Client) Reset() (*ResetResponse, error) {
	var resp ResetResponse
	if err := c.client.Call("Toolbridge.Reset", ResetRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Shutdown asks the daemon process to exit.
func (c *Client) Shutdown() (*ShutdownResponse, error) {
	var resp ShutdownResponse
	if err := c.client.Call("Toolbridge.Shutdown", ShutdownRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
