package protocol

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"p2pmesh/internal/resilience"
)

// ServerConfig parameterizes one message-dispatch listener, per spec.md
// §4.3's "Message Runtime" component shared by the Tracker and Index
// Server (the Peer node streams file bodies itself and does not use
// this type).
type ServerConfig struct {
	Host          string
	Port          int
	Workers       int           // default 10, matches *.thread.pool.size keys
	QueueDepth    int           // default 64
	SocketTimeout time.Duration // default 30s
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.Workers <= 0 {
		c.Workers = 10
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 64
	}
	if c.SocketTimeout <= 0 {
		c.SocketTimeout = 30 * time.Second
	}
	return c
}

// Server accepts newline-delimited JSON envelopes on a TCP listener and
// routes each one through a Dispatcher, replying on the same connection.
// Grounded on internal/peer's accept-loop-plus-worker-pool shape, generalized
// for any component that only needs request/response framing rather than
// raw byte streaming.
type Server struct {
	cfg  ServerConfig
	name string
	d    *Dispatcher
	log  *logrus.Logger
	pool *resilience.Pool

	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer constructs a Server that will dispatch onto d once Start runs.
func NewServer(name string, cfg ServerConfig, d *Dispatcher, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.New()
	}
	cfg = cfg.withDefaults()
	return &Server{
		cfg:  cfg,
		name: name,
		d:    d,
		log:  log,
		pool: resilience.NewTaskPool(name+"-dispatch", cfg.Workers, cfg.QueueDepth),
	}
}

// Addr returns the bound listener address; only valid after Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start opens the listening socket and begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)))
	if err != nil {
		return err
	}
	s.listener = ln

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.acceptLoop(runCtx)
	return nil
}

// Stop closes the listener, drains in-flight dispatches, and shuts down
// the worker pool.
func (s *Server) Stop(ctx context.Context, grace time.Duration) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	s.pool.Shutdown(grace)
	s.wg.Wait()
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.log.WithError(err).WithField("server", s.name).Warn("protocol: accept failed")
				continue
			}
		}
		if err := s.pool.Submit(func(ctx context.Context) {
			s.handleConnection(ctx, conn)
		}); err != nil {
			s.log.WithError(err).WithField("server", s.name).Warn("protocol: dispatch pool saturated, dropping connection")
			conn.Close()
		}
	}
}

// handleConnection serves exactly one request/response turn per the
// envelope framing used across this codebase: one JSON document per line.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(s.cfg.SocketTimeout))

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return
	}

	req, err := Unmarshal(line)
	if err != nil {
		s.writeEnvelopeError(conn, nil, CodeInvalidMessage, err.Error())
		return
	}

	mctx := NewMessageContext(uuid.NewString(), conn.RemoteAddr(), "tcp")
	resp, err := s.d.Dispatch(ctx, mctx, req)
	if err != nil || resp == nil {
		return
	}

	b, err := resp.Marshal()
	if err != nil {
		return
	}
	b = append(b, '\n')
	_, _ = conn.Write(b)
}

// writeEnvelopeError replies with an Error envelope, per spec.md §4.3's
// deserialization-failure handling. req is nil when the failure occurred
// before the envelope itself could be parsed.
func (s *Server) writeEnvelopeError(conn net.Conn, req *Envelope, code Code, message string) {
	var originalID, senderID, receiverID string
	if req != nil {
		originalID = req.MessageID
		senderID = req.ReceiverID
		receiverID = req.SenderID
	}
	e, err := NewErrorEnvelope(senderID, receiverID, originalID, code, message)
	if err != nil {
		return
	}
	b, err := e.Marshal()
	if err != nil {
		return
	}
	b = append(b, '\n')
	_, _ = conn.Write(b)
}
