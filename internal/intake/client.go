package intake

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"execution-core/internal/order"
)

// Client proposes intents to a running intake.
type Client struct {
	conn *grpc.ClientConn
}

func NewClient(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Propose sends one proposal and returns the acknowledgement.
func (c *Client) Propose(ctx context.Context, p order.Proposal) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(map[string]any{
		"account":    p.Account,
		"broker":     p.Broker,
		"symbol":     p.Symbol,
		"side":       string(p.Side),
		"confidence": p.Confidence,
		"size":       p.Size.String(),
		"notional":   p.Notional.String(),
		"reason":     p.Reason,
	})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+proposeMethod, req, out); err != nil {
		return nil, err
	}
	return out, nil
}
