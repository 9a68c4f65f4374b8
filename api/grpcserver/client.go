package grpcserver

import (
	"context"

	"google.golang.org/grpc"
)

// Client calls the snapshot control surface of a running server.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient wraps an established connection. The connection must use
// the control codec, e.g. via DialOption.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// DialOption forces the control codec on every call.
func DialOption() grpc.DialOption {
	return grpc.WithDefaultCallOptions(grpc.ForceCodec(Codec{}))
}

// TriggerSnapshot requests an immediate snapshot.
func (c *Client) TriggerSnapshot(ctx context.Context, waitCompletion bool) (*TriggerSnapshotResponse, error) {
	resp := new(TriggerSnapshotResponse)
	err := c.conn.Invoke(ctx, "/"+serviceName+"/TriggerSnapshot",
		&TriggerSnapshotRequest{WaitCompletion: waitCompletion}, resp)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// SnapshotEpoch queries the published snapshot state.
func (c *Client) SnapshotEpoch(ctx context.Context) (*SnapshotEpochResponse, error) {
	resp := new(SnapshotEpochResponse)
	err := c.conn.Invoke(ctx, "/"+serviceName+"/SnapshotEpoch", &SnapshotEpochRequest{}, resp)
	if err != nil {
		return nil, err
	}
	return resp, nil
}
