package server

import (
	"context"
	"crypto/ecdsa"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls RunService over an existing connection.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps a connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Dial opens a plaintext connection to addr. The caller closes the
// returned connection.
func Dial(addr string) (*Client, *grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, err
	}
	return NewClient(conn), conn, nil
}

func (c *Client) invoke(ctx context.Context, method string, fields map[string]interface{}) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateRun creates a run owned by the address of key.
func (c *Client) CreateRun(ctx context.Context, recipeID string, chainID uint64, key *ecdsa.PrivateKey) (*structpb.Struct, error) {
	sig, err := SignMessage(key, CreateRunMessage(recipeID, chainID))
	if err != nil {
		return nil, err
	}
	return c.invoke(ctx, "CreateRun", map[string]interface{}{
		"recipe_id": recipeID,
		"chain_id":  float64(chainID),
		"signature": sig,
	})
}

func (c *Client) CancelRun(ctx context.Context, runID string, key *ecdsa.PrivateKey) (*structpb.Struct, error) {
	sig, err := SignMessage(key, CancelRunMessage(runID))
	if err != nil {
		return nil, err
	}
	return c.invoke(ctx, "CancelRun", map[string]interface{}{
		"run_id":    runID,
		"signature": sig,
	})
}

func (c *Client) RegisterPayment(ctx context.Context, runID, txHash string, block uint64, key *ecdsa.PrivateKey) (*structpb.Struct, error) {
	sig, err := SignMessage(key, RegisterPaymentMessage(runID, txHash))
	if err != nil {
		return nil, err
	}
	return c.invoke(ctx, "RegisterPayment", map[string]interface{}{
		"run_id":           runID,
		"transaction_hash": txHash,
		"block_to_process": float64(block),
		"signature":        sig,
	})
}

func (c *Client) GetRun(ctx context.Context, runID string) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetRun", map[string]interface{}{"run_id": runID})
}

func (c *Client) ListRuns(ctx context.Context, creator string) (*structpb.Struct, error) {
	return c.invoke(ctx, "ListRuns", map[string]interface{}{"creator": creator})
}

func (c *Client) Status(ctx context.Context) (*structpb.Struct, error) {
	return c.invoke(ctx, "Status", map[string]interface{}{})
}

// Logs returns up to limit recent log entries; 0 returns all retained.
func (c *Client) Logs(ctx context.Context, limit uint64) (*structpb.Struct, error) {
	fields := map[string]interface{}{}
	if limit > 0 {
		fields["limit"] = float64(limit)
	}
	return c.invoke(ctx, "Logs", fields)
}
