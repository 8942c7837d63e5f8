// Package server implements the broker: a TCP accept loop, one goroutine
// per connection running a read-dispatch-write cycle, and the request
// dispatcher that mutates the in-memory stores and feeds the journal
// workers.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/memory"
)

// SendLog receives send-journal events from the broker. Implementations
// must accept events without long blocking; the broker calls these inside
// request handling.
type SendLog interface {
	// MessageAccepted journals a newly accepted message.
	MessageAccepted(id, queue, data string, pubDate int64)
	// MessageDelivered removes a fetched message from the journal.
	MessageDelivered(id string)
	// QueuePurged removes every journalled row of a deleted queue.
	QueuePurged(queue string)
}

// AckLog receives ack-journal events from the broker.
type AckLog interface {
	// DeliveryIssued journals a fetched-but-unacknowledged delivery.
	DeliveryIssued(id, queue, data string, pubDate int64)
	// DeliveryAcked removes an acknowledged delivery from the journal.
	DeliveryAcked(id string)
	// DeliveryDropped removes an administratively dropped delivery.
	DeliveryDropped(id string)
	// QueuePurged removes every journalled row of a deleted queue.
	QueuePurged(queue string)
}

// Config holds the broker's listen settings and credential pair.
type Config struct {
	Addr        string
	MaxConn     int
	UserName    string
	Passwd      string
	IdleTimeout time.Duration
}

// Server is the broker process.
type Server struct {
	cfg     Config
	store   *memory.Store
	sendLog SendLog
	ackLog  AckLog

	ln      net.Listener
	sem     chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	closing bool
}

// New creates a broker over the given store. sendLog and ackLog may be nil,
// in which case no journal events are emitted (pure in-memory operation).
func New(cfg Config, store *memory.Store, sendLog SendLog, ackLog AckLog) *Server {
	if cfg.MaxConn <= 0 {
		cfg.MaxConn = 100
	}
	return &Server{
		cfg:     cfg,
		store:   store,
		sendLog: sendLog,
		ackLog:  ackLog,
		sem:     make(chan struct{}, cfg.MaxConn),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Listen binds the broker's TCP port. Failure to bind is fatal to the
// daemon.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.Addr
	}
	return s.ln.Addr().String()
}

// Serve runs the accept loop until the listener is closed. Connections past
// the configured cap are accepted and immediately closed.
func (s *Server) Serve() error {
	logging.Op().Info("broker listening", "addr", s.Addr(), "max_conn", s.cfg.MaxConn)
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		select {
		case s.sem <- struct{}{}:
		default:
			logging.Op().Warn("connection cap reached, refusing", "remote", conn.RemoteAddr())
			conn.Close()
			continue
		}

		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			<-s.sem
			conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			s.handleConn(conn)
		}()
	}
}

// Shutdown stops accepting, then waits for handlers to drain. Connections
// still open when ctx expires are force-closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	if s.ln != nil {
		s.ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
		<-done
		return ctx.Err()
	}
}

func (s *Server) removeConn(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}
