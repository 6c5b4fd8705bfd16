package uds

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HandlerFunc serves one control command. The returned value is sent back as
// the response data; an *ErrorDetail error keeps its code, any other error
// is reported as ErrCodeInternal. ctx is cancelled when the server stops or
// the connection deadline passes.
type HandlerFunc func(ctx context.Context) (any, error)

// Server accepts control connections on a Unix socket.
type Server struct {
	socketPath  string
	listener    net.Listener
	handlers    map[string]HandlerFunc
	mu          sync.RWMutex
	connTimeout time.Duration
	log         *zap.SugaredLogger
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
}

func NewServer(socketPath string, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath:  socketPath,
		handlers:    make(map[string]HandlerFunc),
		connTimeout: 10 * time.Second,
		log:         logger.Named("control"),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (s *Server) SetConnTimeout(d time.Duration) {
	s.connTimeout = d
}

func (s *Server) Handle(command string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = handler
}

// Start replaces any stale socket file and begins accepting connections.
// The socket is only accessible to the owner.
func (s *Server) Start() error {
	_ = os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener, waits for in-flight requests and removes the
// socket file. It is safe to call more than once.
func (s *Server) Stop() error {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.socketPath)
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.log.Warnf("accept_failed error=%v", err)
			continue
		}
		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()

	deadline := time.Now().Add(s.connTimeout)
	_ = conn.SetDeadline(deadline)

	var req request
	if err := readLine(conn, &req); err != nil {
		s.log.Debugf("read_request_failed error=%v", err)
		return
	}

	ctx, cancel := context.WithDeadline(s.ctx, deadline)
	defer cancel()
	resp := s.dispatch(ctx, req)

	if err := writeLine(conn, resp); err != nil {
		s.log.Debugf("write_response_failed command=%s error=%v", req.Command, err)
	}
}

func (s *Server) dispatch(ctx context.Context, req request) (resp response) {
	if req.Version != ProtocolVersion {
		return failure(ErrCodeProtocolMismatch,
			fmt.Sprintf("client speaks version %d, daemon %d", req.Version, ProtocolVersion))
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Command]
	s.mu.RUnlock()
	if !ok {
		return failure(ErrCodeUnknownCommand, fmt.Sprintf("unknown command %q", req.Command))
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("handler_panic command=%s panic=%v", req.Command, r)
			resp = failure(ErrCodeInternal, fmt.Sprintf("%s handler panicked", req.Command))
		}
	}()

	s.log.Debugf("control_request command=%s", req.Command)
	data, err := handler(ctx)
	if err != nil {
		var detail *ErrorDetail
		if errors.As(err, &detail) {
			return response{Error: detail}
		}
		return failure(ErrCodeInternal, err.Error())
	}
	if data == nil {
		return response{OK: true}
	}
	raw, err := marshalData(data)
	if err != nil {
		return failure(ErrCodeInternal, err.Error())
	}
	return response{OK: true, Data: raw}
}

func failure(code, message string) response {
	return response{Error: &ErrorDetail{Code: code, Message: message}}
}
