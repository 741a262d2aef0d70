// Package client is a minimal synchronous client for the framed protocol,
// used by the command-line tools.
package client

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ancdb/ancdb/internal/protocol"
)

// Client sends one command at a time and waits for its response. It is safe
// for concurrent use; requests are serialized.
type Client struct {
	mu   sync.Mutex
	conn io.ReadWriteCloser
	r    *bufio.Reader
	id   uint32
}

// Dial connects to a server started with --listen.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	return New(conn), nil
}

// New wraps an established stream, such as the pipes of a child process
// started with --stdio.
func New(conn io.ReadWriteCloser) *Client {
	return &Client{conn: conn, r: bufio.NewReader(conn)}
}

// NextID returns a fresh correlation id.
func (c *Client) NextID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id++
	return c.id
}

// Do sends cmd and returns the server's response. A response whose id does
// not match the command is an error.
func (c *Client) Do(cmd protocol.Command) (protocol.Response, error) {
	data, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := protocol.WriteFrame(c.conn, data); err != nil {
		return nil, err
	}
	payload, err := protocol.ReadFrame(c.r, 0)
	if err != nil {
		if err == io.EOF {
			return nil, errors.Wrap(io.ErrUnexpectedEOF, "connection closed by server")
		}
		return nil, err
	}
	resp, err := protocol.DecodeResponse(payload)
	if err != nil {
		return nil, err
	}
	if resp.ResponseID() != cmd.CommandID() {
		return resp, errors.Errorf("response id %d does not match command id %d", resp.ResponseID(), cmd.CommandID())
	}
	return resp, nil
}

// Exec is Do for callers that only care about success: an Error response
// becomes a *ServerError.
func (c *Client) Exec(cmd protocol.Command) (protocol.Result, error) {
	resp, err := c.Do(cmd)
	if err != nil {
		return nil, err
	}
	switch r := resp.(type) {
	case *protocol.OK:
		return r.Result, nil
	case *protocol.Error:
		return nil, &ServerError{ID: r.ID, Message: r.Message}
	}
	return nil, errors.Errorf("unexpected response %T", resp)
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// ServerError is an Error response.
type ServerError struct {
	ID      uint32
	Message string
}

func (e *ServerError) Error() string {
	return e.Message
}
