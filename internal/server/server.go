package server

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/meridianfs/meridian/internal/broker"
	"github.com/meridianfs/meridian/internal/logger"
	"github.com/meridianfs/meridian/internal/ratelimiter"
)

// Options configures the transport.
type Options struct {
	// Port to listen on.
	Port string

	// Workers is the size of the request worker pool.
	Workers int

	// MaxConnections caps concurrent client connections (0 = unlimited).
	MaxConnections int

	// RateLimit and Burst shape connection admission (0 = unlimited).
	RateLimit uint
	Burst     uint

	// QueueDepth bounds the shared request queue.
	QueueDepth int
}

// request is one parsed frame waiting for a worker.
type request struct {
	conn    *conn
	payload []byte
}

// Server accepts broker connections and pumps requests through the worker
// pool. It implements broker.Transport: replies and broadcasts are routed by
// the remote address the connection registered under.
type Server struct {
	opts     Options
	broker   *broker.Broker
	listener net.Listener
	limiter  *ratelimiter.RateLimiter

	mu    sync.RWMutex
	conns map[string]*conn

	queue chan request
	wg    sync.WaitGroup
}

// New creates a server for the broker. The caller wires the server back into
// the broker as its transport before serving.
func New(opts Options, b *broker.Broker) *Server {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 1024
	}
	return &Server{
		opts:    opts,
		broker:  b,
		limiter: ratelimiter.New(opts.RateLimit, opts.Burst),
		conns:   make(map[string]*conn),
		queue:   make(chan request, opts.QueueDepth),
	}
}

// Reply sends framed bytes to a client by transport identity. The broker
// treats broadcasts as best-effort; a vanished client is an error here and a
// log line there.
func (s *Server) Reply(clientID string, data []byte) error {
	s.mu.RLock()
	c, ok := s.conns[clientID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("client %s is not connected", clientID)
	}
	return c.write(data)
}

// Serve listens and blocks until the context is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%s", s.opts.Port))
	if err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}
	s.listener = listener
	logger.Info("metadata broker listening on port %s", s.opts.Port)

	for i := 0; i < s.opts.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}

	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		tcpConn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
				logger.Debug("error accepting connection: %v", err)
				continue
			}
		}

		if !s.admit() {
			logger.Warn("rejecting connection from %s", tcpConn.RemoteAddr())
			tcpConn.Close()
			continue
		}

		c := s.newConn(tcpConn)
		go c.serve(ctx)
	}
}

// admit applies the rate limit and the connection cap.
func (s *Server) admit() bool {
	if !s.limiter.Allow() {
		return false
	}
	if s.opts.MaxConnections > 0 {
		s.mu.RLock()
		n := len(s.conns)
		s.mu.RUnlock()
		if n >= s.opts.MaxConnections {
			return false
		}
	}
	return true
}

func (s *Server) newConn(tcpConn net.Conn) *conn {
	c := &conn{
		server:   s,
		conn:     tcpConn,
		identity: tcpConn.RemoteAddr().String(),
	}
	s.mu.Lock()
	s.conns[c.identity] = c
	s.mu.Unlock()
	return c
}

func (s *Server) dropConn(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.identity)
	s.mu.Unlock()
}

// worker drains the request queue: decode, dispatch, reply.
func (s *Server) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.queue:
			reply, err := s.broker.HandleFrame(req.conn.identity, req.payload)
			if err != nil {
				logger.Warn("request from %s failed: %v", req.conn.identity, err)
				continue
			}
			if len(reply) > 0 {
				if err := req.conn.write(reply); err != nil {
					logger.Debug("reply to %s failed: %v", req.conn.identity, err)
				}
			}
		}
	}
}

// Stop closes the listener; in-flight requests drain through the context.
func (s *Server) Stop() error {
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}
