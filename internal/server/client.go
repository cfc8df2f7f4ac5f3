package server

import (
	"context"
	"fmt"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/matteso1/vlogkv/internal/protocol"
)

// Client talks to a vlogkv server.
type Client struct {
	conn   *grpc.ClientConn
	nextID atomic.Uint64
}

// Dial creates a client for target. Extra options are applied after the
// defaults (insecure transport, vlogkv codec).
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, opts...)

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Get fetches the value for key. The protocol does not tell an empty value
// from a missing key; both return found == false.
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	req := &protocol.GetRequest{RequestID: c.nextID.Add(1), Key: key}

	var resp protocol.GetResponse
	if err := c.call(ctx, protocol.GetRequestType, req, protocol.GetResponseType, &resp); err != nil {
		return nil, false, err
	}
	if resp.RequestID != req.RequestID {
		return nil, false, fmt.Errorf("response for request %d, expected %d", resp.RequestID, req.RequestID)
	}
	return resp.Offset, len(resp.Offset) > 0, nil
}

// Put stores value under key.
func (c *Client) Put(ctx context.Context, key string, value []byte) error {
	req := &protocol.PutRequest{RequestID: c.nextID.Add(1), Key: key, Offset: value}

	var resp protocol.PutResponse
	if err := c.call(ctx, protocol.PutRequestType, req, protocol.PutResponseType, &resp); err != nil {
		return err
	}
	if resp.RequestID != req.RequestID {
		return fmt.Errorf("response for request %d, expected %d", resp.RequestID, req.RequestID)
	}
	return nil
}

func (c *Client) call(ctx context.Context, reqType protocol.RequestType, req protocol.Message, respType protocol.RequestType, resp protocol.Message) error {
	in := &protocol.CallRequest{Type: reqType, Payload: req.Marshal()}
	out := new(protocol.CallResponse)
	if err := c.conn.Invoke(ctx, callMethod, in, out); err != nil {
		return err
	}

	gotType, payload, err := protocol.SplitFrame(out.Frame)
	if err != nil {
		return err
	}
	if gotType != respType {
		return fmt.Errorf("unexpected response type %s, expected %s", gotType, respType)
	}
	return resp.Unmarshal(payload)
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
