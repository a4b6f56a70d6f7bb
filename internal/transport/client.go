package transport

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb-core/internal/transport/wire"
)

// pendingResponse carries one in-flight request's result to its waiter.
type pendingResponse struct {
	payload []byte
	err     error
}

// PeerClient is a persistent, request-multiplexed connection to one peer,
// grounded on ValentinKolb-dKV's clientConnection: a single writer-locked
// connection, a reader goroutine demultiplexing responses by request id,
// and transparent reconnect on error.
type PeerClient struct {
	addr   string
	logger *zap.Logger
	dialer *net.Dialer
	timeout time.Duration

	mu      sync.Mutex
	conn    net.Conn
	nextID  uint64
	pending sync.Map // requestID -> chan pendingResponse

	stopCh chan struct{}
}

// NewPeerClient creates a client for one peer address; the connection is
// established lazily on the first Send.
func NewPeerClient(addr string, timeout time.Duration, logger *zap.Logger) *PeerClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PeerClient{
		addr: addr, logger: logger, timeout: timeout,
		dialer: &net.Dialer{Timeout: timeout},
		stopCh: make(chan struct{}),
	}
}

func (c *PeerClient) ensureConn() (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := c.dialer.Dial("tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", c.addr, err)
	}
	c.conn = conn
	go c.readLoop(conn)
	return conn, nil
}

func (c *PeerClient) readLoop(conn net.Conn) {
	buf := make([]byte, 4096)
	for {
		_, requestID, payload, err := wire.ReadFrame(conn, buf)
		if err != nil {
			c.dropConn(conn, err)
			return
		}
		if ch, ok := c.pending.LoadAndDelete(requestID); ok {
			ch.(chan pendingResponse) <- pendingResponse{payload: append([]byte(nil), payload...)}
		}
	}
}

func (c *PeerClient) dropConn(conn net.Conn, cause error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
	c.pending.Range(func(key, value interface{}) bool {
		c.pending.Delete(key)
		value.(chan pendingResponse) <- pendingResponse{err: cause}
		return true
	})
}

// Send writes a frame and blocks for the matching response or timeout.
func (c *PeerClient) Send(kind wire.Kind, payload []byte) ([]byte, error) {
	conn, err := c.ensureConn()
	if err != nil {
		return nil, err
	}

	requestID := atomic.AddUint64(&c.nextID, 1)
	respCh := make(chan pendingResponse, 1)
	c.pending.Store(requestID, respCh)
	defer c.pending.Delete(requestID)

	if c.timeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	if err := wire.WriteFrame(conn, kind, requestID, payload); err != nil {
		c.dropConn(conn, err)
		return nil, err
	}

	var timeoutCh <-chan time.Time
	if c.timeout > 0 {
		timeoutCh = time.After(c.timeout)
	} else {
		timeoutCh = make(chan time.Time)
	}

	select {
	case res := <-respCh:
		return res.payload, res.err
	case <-timeoutCh:
		return nil, fmt.Errorf("request to %s timed out", c.addr)
	}
}

// Close shuts down the connection.
func (c *PeerClient) Close() error {
	close(c.stopCh)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Pool manages one PeerClient per peer node, keyed by node id.
type Pool struct {
	mu      sync.RWMutex
	clients map[string]*PeerClient
	timeout time.Duration
	logger  *zap.Logger
}

func NewPool(timeout time.Duration, logger *zap.Logger) *Pool {
	return &Pool{clients: make(map[string]*PeerClient), timeout: timeout, logger: logger}
}

// SetAddr registers or updates the address for nodeID, used when the
// partition map or membership view changes.
func (p *Pool) SetAddr(nodeID, addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.clients[nodeID]; ok {
		existing.Close()
	}
	p.clients[nodeID] = NewPeerClient(addr, p.timeout, p.logger)
}

// Client returns the client for nodeID, or nil if unregistered.
func (p *Pool) Client(nodeID string) *PeerClient {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.clients[nodeID]
}

// Close closes every peer connection.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		c.Close()
	}
}
