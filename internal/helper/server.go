// server.go is the helper side of the channel. The helper binary registers a
// handler per command and serves until its context is cancelled. Requests on
// one connection are handled concurrently; replies are written as they finish.
package helper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/doughall/zfsbroker/internal/codec"
)

// HandlerFunc executes one command. The returned value, if non-nil, is sent
// back as the reply data. Returning a *RemoteError lets the handler choose the
// error code seen by the broker.
type HandlerFunc func(ctx context.Context, payload codec.RawMessage) (any, error)

// Server accepts broker connections on a Unix socket.
type Server struct {
	socketPath string
	version    string
	handlers   map[Command]HandlerFunc
	logger     *slog.Logger

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	active sync.WaitGroup
}

// NewServer creates a server reporting version in the handshake.
func NewServer(socketPath, version string, logger *slog.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		version:    version,
		handlers:   make(map[Command]HandlerFunc),
		logger:     logger.With(slog.String("component", "helper-server")),
		conns:      make(map[net.Conn]struct{}),
	}
}

// Handle registers the handler for command. It panics on duplicates and on
// attempts to override the handshake.
func (s *Server) Handle(command Command, handler HandlerFunc) {
	if command == CommandHello {
		panic("helper.Server: hello is handled internally")
	}
	if _, exists := s.handlers[command]; exists {
		panic(fmt.Sprintf("helper.Server: duplicate handler for %q", command))
	}
	s.handlers[command] = handler
}

// Serve listens on the socket path and blocks until ctx is cancelled.
// A stale socket file is removed first; the socket is removed on return.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	defer os.Remove(s.socketPath)

	// Only the owning group may connect; the installer chowns the socket.
	if err := os.Chmod(s.socketPath, 0660); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	return s.ServeListener(ctx, listener)
}

// ServeListener serves on an existing listener and closes it on return.
func (s *Server) ServeListener(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("helper listening",
		slog.String("socket", listener.Addr().String()),
		slog.String("version", s.version),
	)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept error", slog.String("error", err.Error()))
			continue
		}

		s.track(conn, true)
		s.active.Add(1)
		go func() {
			defer s.active.Done()
			defer s.track(conn, false)
			s.serveConn(ctx, conn)
		}()
	}

	s.DropConnections()
	s.active.Wait()
	return nil
}

// DropConnections closes every open broker connection without stopping the
// listener, as a crashed-and-restarted helper would.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var writeMu sync.Mutex
	enc := codec.NewEncoder(conn)
	reply := func(resp *Response) {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := enc.Encode(resp); err != nil {
			s.logger.Debug("write reply failed", slog.String("error", err.Error()))
		}
	}

	var inflight sync.WaitGroup
	defer inflight.Wait()

	dec := codec.NewDecoder(conn)
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			return
		}

		inflight.Add(1)
		go func() {
			defer inflight.Done()
			reply(s.dispatch(ctx, &req))
		}()
	}
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	if req.Command == CommandHello {
		data, err := codec.Marshal(HelloReply{HelperVersion: s.version, PID: os.Getpid()})
		if err != nil {
			return &Response{ID: req.ID, Error: err.Error()}
		}
		return &Response{ID: req.ID, OK: true, Data: data}
	}

	handler, ok := s.handlers[req.Command]
	if !ok {
		return &Response{ID: req.ID, Code: "unknown_command", Error: fmt.Sprintf("unknown command %q", req.Command)}
	}

	s.logger.Info("executing command", slog.String("command", string(req.Command)))
	start := time.Now()

	result, err := handler(ctx, req.Payload)
	if err != nil {
		resp := &Response{ID: req.ID, Error: err.Error()}
		var remote *RemoteError
		if errors.As(err, &remote) {
			resp.Code = remote.Code
			resp.Error = remote.Message
		}
		s.logger.Warn("command failed",
			slog.String("command", string(req.Command)),
			slog.String("error", resp.Error),
		)
		return resp
	}

	resp := &Response{ID: req.ID, OK: true}
	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			return &Response{ID: req.ID, Error: fmt.Sprintf("encode reply: %v", err)}
		}
		resp.Data = data
	}

	s.logger.Info("command completed",
		slog.String("command", string(req.Command)),
		slog.Duration("duration", time.Since(start)),
	)
	return resp
}
