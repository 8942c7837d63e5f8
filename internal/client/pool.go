package client

import (
	"context"
	"sync"
	"time"
)

// Pool is a bounded free list of authenticated broker connections, shared by
// the replay and redelivery workers. Checkout validates the connection with
// a PING first; a dead one is discarded and replaced with a fresh dial, so
// callers never receive a stale socket.
type Pool struct {
	addr    string
	user    string
	passwd  string
	size    int
	timeout time.Duration

	mu   sync.Mutex
	free []*Client
}

// NewPool creates a pool that keeps at most size idle connections to addr.
func NewPool(addr, user, passwd string, size int) *Pool {
	if size <= 0 {
		size = 100
	}
	return &Pool{
		addr:    addr,
		user:    user,
		passwd:  passwd,
		size:    size,
		timeout: DefaultTimeout,
	}
}

// SetTimeout changes the per-exchange deadline used by pooled connections.
func (p *Pool) SetTimeout(d time.Duration) {
	p.mu.Lock()
	p.timeout = d
	p.mu.Unlock()
}

// Get hands out a validated connection, dialing a new one when the free
// list is empty. Callers are background workers; on error they back off
// rather than retry in a tight loop.
func (p *Pool) Get() (*Client, error) {
	for {
		p.mu.Lock()
		var c *Client
		if n := len(p.free); n > 0 {
			c = p.free[n-1]
			p.free = p.free[:n-1]
		}
		timeout := p.timeout
		p.mu.Unlock()

		if c == nil {
			return p.dial(timeout)
		}
		if err := c.Ping(); err != nil {
			c.Close()
			continue
		}
		return c, nil
	}
}

func (p *Pool) dial(timeout time.Duration) (*Client, error) {
	c, err := Dial(p.addr, timeout)
	if err != nil {
		return nil, err
	}
	if err := c.Login(p.user, p.passwd); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// GetRetry keeps trying Get until it succeeds or ctx is cancelled. Replay
// workers use it to wait for the broker to start accepting.
func (p *Pool) GetRetry(ctx context.Context, backoff time.Duration) (*Client, error) {
	if backoff <= 0 {
		backoff = 5 * time.Second
	}
	for {
		c, err := p.Get()
		if err == nil {
			return c, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// Put returns a connection to the free list, closing it when the list is
// already at capacity.
func (p *Pool) Put(c *Client) {
	if c == nil {
		return
	}
	p.mu.Lock()
	if len(p.free) < p.size {
		p.free = append(p.free, c)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	c.Close()
}

// Discard closes a connection the caller knows to be broken instead of
// returning it.
func (p *Pool) Discard(c *Client) {
	if c != nil {
		c.Close()
	}
}

// Close closes every idle connection.
func (p *Pool) Close() {
	p.mu.Lock()
	free := p.free
	p.free = nil
	p.mu.Unlock()
	for _, c := range free {
		c.Close()
	}
}

// Idle reports the current free-list length.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
