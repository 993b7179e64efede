// Package command provides the typed command surface the route layer calls:
// chunk store/get/delete, status probes, and URL-relay transfers.
package command

import (
	"context"
	"errors"
	"fmt"

	"gridstore/internal/broker"
	"gridstore/internal/wire"
)

// ApplicationError carries a node-reported failure verbatim. The node said
// no for a business reason; the server passes the message through without
// interpreting it.
type ApplicationError struct {
	NodeID    string
	CommandID string
	Message   string
}

func (e *ApplicationError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("node %s rejected command", e.NodeID)
	}
	return fmt.Sprintf("node %s: %s", e.NodeID, e.Message)
}

// Sender is the broker surface this package needs. *hub.Hub satisfies it.
type Sender interface {
	SendCommand(ctx context.Context, nodeID string, cmd wire.Command, opts broker.SendOptions) (broker.Response, error)
}

type Client struct {
	sender Sender
}

func NewClient(s Sender) *Client {
	return &Client{sender: s}
}

// StoreChunk ships chunk bytes to a node and returns the node's reported
// storage delta.
func (c *Client) StoreChunk(ctx context.Context, nodeID, chunkID string, data []byte) (int64, error) {
	resp, err := c.sender.SendCommand(ctx, nodeID, wire.Command{
		CommandType: wire.CmdStoreChunk,
		ChunkID:     chunkID,
		DataSize:    int64(len(data)),
	}, broker.SendOptions{Payload: data})
	if err != nil {
		return 0, err
	}
	if !resp.Result.Success {
		return 0, appErr(nodeID, resp.Result)
	}
	return resp.Result.StorageDelta, nil
}

// GetChunk fetches chunk bytes from a node. Large results arrive as
// multiple frames; the broker hands back the reassembled payload.
func (c *Client) GetChunk(ctx context.Context, nodeID, chunkID string) ([]byte, error) {
	resp, err := c.sender.SendCommand(ctx, nodeID, wire.Command{
		CommandType: wire.CmdGetChunk,
		ChunkID:     chunkID,
	}, broker.SendOptions{})
	if err != nil {
		return nil, err
	}
	if !resp.Result.Success {
		return nil, appErr(nodeID, resp.Result)
	}
	return resp.Payload, nil
}

// DeleteChunk removes a chunk from a node and returns the storage delta,
// which is negative or zero.
func (c *Client) DeleteChunk(ctx context.Context, nodeID, chunkID string) (int64, error) {
	resp, err := c.sender.SendCommand(ctx, nodeID, wire.Command{
		CommandType: wire.CmdDeleteChunk,
		ChunkID:     chunkID,
	}, broker.SendOptions{})
	if err != nil {
		return 0, err
	}
	if !resp.Result.Success {
		return 0, appErr(nodeID, resp.Result)
	}
	return resp.Result.StorageDelta, nil
}

// RequestStatus probes a node for fresh metrics. A timeout is a benign
// outcome: the connection being open means the node is still online, so the
// probe returns (nil, nil) and callers keep the last stored status.
func (c *Client) RequestStatus(ctx context.Context, nodeID string) (*wire.NodeStatus, error) {
	resp, err := c.sender.SendCommand(ctx, nodeID, wire.Command{
		CommandType: wire.CmdStatusRequest,
	}, broker.SendOptions{Timeout: broker.StatusProbeTimeout})
	if err != nil {
		if errors.Is(err, broker.ErrCommandTimeout) {
			return nil, nil
		}
		return nil, err
	}
	return resp.Status, nil
}

// PrepUpload tells a node to expect an inbound chunk of the given size.
func (c *Client) PrepUpload(ctx context.Context, nodeID, chunkID string, dataSize int64) error {
	resp, err := c.sender.SendCommand(ctx, nodeID, wire.Command{
		CommandType: wire.CmdPrepUpload,
		ChunkID:     chunkID,
		DataSize:    dataSize,
	}, broker.SendOptions{})
	if err != nil {
		return err
	}
	if !resp.Result.Success {
		return appErr(nodeID, resp.Result)
	}
	return nil
}

// DownloadAndStore has the node fetch a chunk from a pre-signed URL and
// store it locally. The server only relays the URL and never touches the
// bytes; the wait is unbounded because the duration is governed by the
// external transfer. Returns the storage delta.
func (c *Client) DownloadAndStore(ctx context.Context, nodeID, chunkID, url string) (int64, error) {
	resp, err := c.sender.SendCommand(ctx, nodeID, wire.Command{
		CommandType: wire.CmdDownloadAndStoreChunk,
		ChunkID:     chunkID,
		URL:         url,
	}, broker.SendOptions{NoTimeout: true})
	if err != nil {
		return 0, err
	}
	if !resp.Result.Success {
		return 0, appErr(nodeID, resp.Result)
	}
	return resp.Result.StorageDelta, nil
}

// RetrieveAndUpload has the node push a stored chunk to a pre-signed URL.
// Unbounded wait, same reasoning as DownloadAndStore.
func (c *Client) RetrieveAndUpload(ctx context.Context, nodeID, chunkID, url string) error {
	resp, err := c.sender.SendCommand(ctx, nodeID, wire.Command{
		CommandType: wire.CmdRetrieveAndUpload,
		ChunkID:     chunkID,
		URL:         url,
	}, broker.SendOptions{NoTimeout: true})
	if err != nil {
		return err
	}
	if !resp.Result.Success {
		return appErr(nodeID, resp.Result)
	}
	return nil
}

func appErr(nodeID string, res wire.CommandResult) error {
	return &ApplicationError{NodeID: nodeID, CommandID: res.CommandID, Message: res.Error}
}
