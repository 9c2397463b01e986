package rpc

import (
	"net/rpc"
	"sync"

	"github.com/pkg/errors"

	"github.com/shenjiangwei/rematAllocator/remat"
)

// ErrServer wraps errors reported by the allocation server.
var ErrServer = errors.New("server error")

// Client represents an allocation client
type Client struct {
	id        int
	client    *rpc.Client
	allocated map[remat.Ptr]uint64 // ptr -> size
	mu        sync.Mutex
}

// NewClient creates a new allocation client
func NewClient(id int, address string) (*Client, error) {
	client, err := rpc.Dial("tcp", address)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to server")
	}

	return &Client{
		id:        id,
		client:    client,
		allocated: make(map[remat.Ptr]uint64),
	}, nil
}

func (c *Client) call(method string, req, resp interface{}) error {
	if err := c.client.Call(method, req, resp); err != nil {
		return errors.Wrap(err, "RPC call failed")
	}
	return nil
}

// Allocate allocates memory through the server on behalf of op
func (c *Client) Allocate(size uint64, op string) (remat.Ptr, error) {
	req := &AllocRequest{Size: size, Op: op}
	resp := &AllocResponse{}

	if err := c.call("Server.Allocate", req, resp); err != nil {
		return 0, err
	}
	if resp.Error != "" {
		return 0, errors.Wrap(ErrServer, resp.Error)
	}

	ptr := remat.Ptr(resp.Ptr)
	if ptr != 0 {
		c.mu.Lock()
		c.allocated[ptr] = size
		c.mu.Unlock()
	}
	return ptr, nil
}

// Free frees memory through the server
func (c *Client) Free(ptr remat.Ptr, size uint64) error {
	req := &FreeRequest{Ptr: uint64(ptr), Size: size}
	resp := &FreeResponse{}

	if err := c.call("Server.Free", req, resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return errors.Wrap(ErrServer, resp.Error)
	}

	c.mu.Lock()
	delete(c.allocated, ptr)
	c.mu.Unlock()
	return nil
}

// FreeAll frees every allocation this client still holds.
func (c *Client) FreeAll() error {
	c.mu.Lock()
	live := make(map[remat.Ptr]uint64, len(c.allocated))
	for ptr, size := range c.allocated {
		live[ptr] = size
	}
	c.mu.Unlock()

	for ptr, size := range live {
		if err := c.Free(ptr, size); err != nil {
			return err
		}
	}
	return nil
}

// Allocated returns the number of live allocations of this client.
func (c *Client) Allocated() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.allocated)
}

// Stats fetches the allocator statistics
func (c *Client) Stats() (remat.Stats, error) {
	resp := &StatsResponse{}
	if err := c.call("Server.Stats", &StatsRequest{ClientID: c.id}, resp); err != nil {
		return remat.Stats{}, err
	}
	if resp.Error != "" {
		return remat.Stats{}, errors.Wrap(ErrServer, resp.Error)
	}
	return resp.Stats, nil
}

// Dump fetches the allocator diagnostics dump
func (c *Client) Dump() (string, error) {
	resp := &DumpResponse{}
	if err := c.call("Server.Dump", &DumpRequest{ClientID: c.id}, resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", errors.Wrap(ErrServer, resp.Error)
	}
	return resp.Dump, nil
}

// Close closes the client connection
func (c *Client) Close() error {
	return c.client.Close()
}
