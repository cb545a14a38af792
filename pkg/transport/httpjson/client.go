package httpjson

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/amirimatin/go-raft/pkg/transport"
)

// Client is a thin HTTP client for the management API with simple retry
// and backoff for idempotent calls.
type Client struct {
	httpc *http.Client
}

// NewClient constructs a new Client with the given timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Client{httpc: &http.Client{Timeout: timeout, Transport: &http.Transport{}}}
}

// errorCarrier is implemented by responses that report a failure in-band.
type errorCarrier interface {
	errorText() string
}

type joinOut struct{ *transport.JoinResponse }
type leaveOut struct{ *transport.LeaveResponse }
type proposeOut struct{ *transport.ProposeResponse }
type readOut struct{ *transport.ReadResponse }

func (o joinOut) errorText() string    { return o.Error }
func (o leaveOut) errorText() string   { return o.Error }
func (o proposeOut) errorText() string { return o.Error }
func (o readOut) errorText() string    { return o.Error }

// do sends one request per attempt and decodes the body into out. Non-200
// answers become errors, preferring the error text carried by out.
func (c *Client) do(ctx context.Context, method, u string, body []byte, out errorCarrier, decodeInto interface{}, attempts int) error {
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, rd)
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.httpc.Do(req)
		if err != nil {
			lastErr = err
		} else {
			b, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			_ = json.Unmarshal(b, decodeInto)
			if resp.StatusCode == http.StatusOK {
				return nil
			}
			if out != nil && out.errorText() != "" {
				return errors.New(out.errorText())
			}
			lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, string(b))
		}
		if attempt == attempts-1 {
			break
		}
		// backoff unless context is done
		select {
		case <-ctx.Done():
			if lastErr == nil {
				lastErr = ctx.Err()
			}
			return lastErr
		case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
		}
	}
	return lastErr
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("http://%s/status", addr), nil, nil, &raw, 3); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Client) PostJoin(ctx context.Context, addr string, req transport.JoinRequest) (transport.JoinResponse, error) {
	var out transport.JoinResponse
	body, err := json.Marshal(req)
	if err != nil {
		return out, err
	}
	err = c.do(ctx, http.MethodPost, fmt.Sprintf("http://%s/join", addr), body, joinOut{&out}, &out, 3)
	return out, err
}

func (c *Client) PostLeave(ctx context.Context, addr string, req transport.LeaveRequest) (transport.LeaveResponse, error) {
	var out transport.LeaveResponse
	body, err := json.Marshal(req)
	if err != nil {
		return out, err
	}
	err = c.do(ctx, http.MethodPost, fmt.Sprintf("http://%s/leave", addr), body, leaveOut{&out}, &out, 3)
	return out, err
}

// PostPropose is sent once: a retried proposal could be committed twice.
func (c *Client) PostPropose(ctx context.Context, addr string, req transport.ProposeRequest) (transport.ProposeResponse, error) {
	var out transport.ProposeResponse
	body, err := json.Marshal(req)
	if err != nil {
		return out, err
	}
	err = c.do(ctx, http.MethodPost, fmt.Sprintf("http://%s/propose", addr), body, proposeOut{&out}, &out, 1)
	return out, err
}

func (c *Client) GetValue(ctx context.Context, addr string, req transport.ReadRequest) (transport.ReadResponse, error) {
	var out transport.ReadResponse
	u := fmt.Sprintf("http://%s/kv?key=%s", addr, url.QueryEscape(req.Key))
	err := c.do(ctx, http.MethodGet, u, nil, readOut{&out}, &out, 3)
	return out, err
}

var _ transport.RPCClient = (*Client)(nil)
