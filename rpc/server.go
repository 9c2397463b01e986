package rpc

import (
	"bytes"
	"context"
	"net"
	"net/rpc"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/shenjiangwei/rematAllocator/remat"
)

var log = logrus.WithField("component", "rpc")

// DefaultTimeout bounds how long a request waits for the device.
const DefaultTimeout = 30 * time.Second

// Server represents the allocation server of one device
type Server struct {
	dev      *remat.DeviceContext
	rpc      *rpc.Server
	timeout  time.Duration
	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// AllocRequest represents a memory allocation request
type AllocRequest struct {
	Size uint64
	// Op names the requesting operation and may force the split side.
	Op string
}

// AllocResponse represents a memory allocation response
type AllocResponse struct {
	Ptr   uint64
	Error string
}

// FreeRequest represents a memory free request
type FreeRequest struct {
	Ptr  uint64
	Size uint64
}

// FreeResponse represents a memory free response
type FreeResponse struct {
	Error string
}

// StatsRequest represents a statistics request
type StatsRequest struct {
	ClientID int
}

// StatsResponse represents a statistics response
type StatsResponse struct {
	Stats remat.Stats
	Error string
}

// DumpRequest represents a diagnostics dump request
type DumpRequest struct {
	ClientID int
}

// DumpResponse represents a diagnostics dump response
type DumpResponse struct {
	Dump  string
	Error string
}

// NewServer creates a new allocation server over dev. A zero timeout means
// DefaultTimeout.
func NewServer(dev *remat.DeviceContext, timeout time.Duration) (*Server, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	server := &Server{
		dev:     dev,
		rpc:     rpc.NewServer(),
		timeout: timeout,
	}

	if err := server.rpc.RegisterName("Server", server); err != nil {
		return nil, errors.Wrap(err, "failed to register server")
	}
	return server, nil
}

// Start starts the server on the specified address
func (s *Server) Start(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Wrap(err, "failed to start server")
	}
	return s.Serve(listener)
}

// Serve accepts connections on listener until Close.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		listener.Close()
		return nil
	}
	s.listener = listener
	s.mu.Unlock()

	log.Infof("Server listening on %s", listener.Addr())

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			log.Errorf("Failed to accept connection: %v", err)
			continue
		}
		go s.rpc.ServeConn(conn)
	}
}

func (s *Server) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

// Allocate serves a remote allocation. The piece has no owner, so the
// allocator never evicts it.
func (s *Server) Allocate(req *AllocRequest, resp *AllocResponse) error {
	ctx, cancel := s.context()
	defer cancel()

	ptr, err := s.dev.Allocate(ctx, req.Size, req.Op)
	if err != nil {
		resp.Error = err.Error()
		return nil
	}

	resp.Ptr = uint64(ptr)
	return nil
}

// Free serves a remote deallocation.
func (s *Server) Free(req *FreeRequest, resp *FreeResponse) error {
	ctx, cancel := s.context()
	defer cancel()

	if err := s.dev.Deallocate(ctx, remat.Ptr(req.Ptr), req.Size); err != nil {
		resp.Error = err.Error()
	}
	return nil
}

// Stats returns the allocator statistics.
func (s *Server) Stats(req *StatsRequest, resp *StatsResponse) error {
	ctx, cancel := s.context()
	defer cancel()

	stats, err := s.dev.Stats(ctx)
	if err != nil {
		resp.Error = err.Error()
		return nil
	}
	resp.Stats = stats
	return nil
}

// Dump returns the allocator diagnostics dump.
func (s *Server) Dump(req *DumpRequest, resp *DumpResponse) error {
	ctx, cancel := s.context()
	defer cancel()

	log.Debugf("dump requested by client %d", req.ClientID)
	var b bytes.Buffer
	if err := s.dev.Dump(ctx, &b); err != nil {
		resp.Error = err.Error()
		return nil
	}
	resp.Dump = b.String()
	return nil
}

// Close stops accepting connections. The device context stays open.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}
