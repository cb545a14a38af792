package grpc

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"google.golang.org/grpc"

	"github.com/amirimatin/go-raft/pkg/transport"
)

// Client implements transport.RPCClient against Server.
type Client struct {
	timeout time.Duration
	cm      *ConnManager
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Client{timeout: timeout, cm: NewConnManager(30*time.Second, dialJSON)}
}

// Close releases cached connections.
func (c *Client) Close() { c.cm.Close() }

func (c *Client) call(ctx context.Context, addr, method string, in, out interface{}) error {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	cc, rel, err := c.getConn(cctx, addr)
	if err != nil {
		return err
	}
	defer rel()
	return cc.Invoke(cctx, "/raft.v1.Management/"+method, in, out)
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
	out := new(statusBlob)
	if err := c.call(ctx, addr, "GetStatus", &empty{}, out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *Client) PostJoin(ctx context.Context, addr string, req transport.JoinRequest) (transport.JoinResponse, error) {
	var resp transport.JoinResponse
	err := c.call(ctx, addr, "Join", &req, &resp)
	return resp, err
}

func (c *Client) PostLeave(ctx context.Context, addr string, req transport.LeaveRequest) (transport.LeaveResponse, error) {
	var resp transport.LeaveResponse
	err := c.call(ctx, addr, "Leave", &req, &resp)
	return resp, err
}

func (c *Client) PostPropose(ctx context.Context, addr string, req transport.ProposeRequest) (transport.ProposeResponse, error) {
	var resp transport.ProposeResponse
	if err := c.call(ctx, addr, "Propose", &req, &resp); err != nil {
		return resp, err
	}
	if resp.Error != "" {
		return resp, errors.New(resp.Error)
	}
	return resp, nil
}

func (c *Client) GetValue(ctx context.Context, addr string, req transport.ReadRequest) (transport.ReadResponse, error) {
	var resp transport.ReadResponse
	if err := c.call(ctx, addr, "Read", &req, &resp); err != nil {
		return resp, err
	}
	if resp.Error != "" {
		return resp, errors.New(resp.Error)
	}
	return resp, nil
}

var _ transport.RPCClient = (*Client)(nil)

// getConn returns a managed connection, creating a manager if absent.
func (c *Client) getConn(ctx context.Context, addr string) (*grpc.ClientConn, func(), error) {
	if c.cm == nil {
		c.cm = NewConnManager(30*time.Second, dialJSON)
	}
	return c.cm.Get(ctx, addr)
}
