// Package transport is the peer-to-peer RPC layer every cross-node
// operation rides on: replica writes/reads, batch replication,
// hint delivery, Merkle exchange, and partition map propagation. Grounded
// on ValentinKolb-dKV's rpc/transport/base (server.go/client.go): a
// per-connection worker semaphore on the server side, and a persistent,
// request-multiplexed connection per peer on the client side.
package transport

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb-core/internal/transport/wire"
)

// HandleFunc processes one decoded request and returns the response
// payload to frame back to the caller.
type HandleFunc func(kind wire.Kind, payload []byte) []byte

// ServerConfig controls the listener and per-connection concurrency.
type ServerConfig struct {
	Addr              string
	MaxWorkersPerConn int
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
}

// Server accepts peer connections and dispatches frames to a handler.
type Server struct {
	cfg      ServerConfig
	logger   *zap.Logger
	listener net.Listener
	handler  HandleFunc

	bufferPool sync.Pool

	closeOnce sync.Once
	stopCh    chan struct{}
}

// NewServer creates a Server bound to cfg.Addr once Listen is called.
func NewServer(cfg ServerConfig, handler HandleFunc, logger *zap.Logger) *Server {
	if cfg.MaxWorkersPerConn <= 0 {
		cfg.MaxWorkersPerConn = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		handler: handler,
		stopCh:  make(chan struct{}),
		bufferPool: sync.Pool{New: func() interface{} { return make([]byte, 4096) }},
	}
}

// Listen binds the listener and accepts connections until Close is
// called. It blocks the calling goroutine.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	s.logger.Info("peer transport listening", zap.String("addr", s.cfg.Addr))

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return nil
			default:
			}
			s.logger.Warn("accept error", zap.Error(err))
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	sem := make(chan struct{}, s.cfg.MaxWorkersPerConn)
	var wg sync.WaitGroup
	var writeMu sync.Mutex

	respond := func(kind wire.Kind, requestID uint64, payload []byte) {
		defer func() { <-sem; wg.Done() }()
		resp := s.handler(kind, payload)

		writeMu.Lock()
		defer writeMu.Unlock()
		if s.cfg.WriteTimeout > 0 {
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		}
		if err := wire.WriteFrame(conn, kind, requestID, resp); err != nil {
			s.logger.Warn("failed to write response frame", zap.Error(err))
		}
	}

	for {
		buf := s.bufferPool.Get().([]byte)
		if s.cfg.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		kind, requestID, data, err := wire.ReadFrame(conn, buf)
		if err != nil {
			s.bufferPool.Put(buf)
			if err != io.EOF {
				s.logger.Debug("connection closed", zap.Error(err))
			}
			break
		}
		payload := append([]byte(nil), data...)
		s.bufferPool.Put(buf)

		sem <- struct{}{}
		wg.Add(1)
		go respond(kind, requestID, payload)
	}

	wg.Wait()
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	s.closeOnce.Do(func() { close(s.stopCh) })
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}
