package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"psa/internal/logging"
)

// Handler answers a single request.
type Handler interface {
	Handle(ctx context.Context, req Request) Response
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) Response

func (f HandlerFunc) Handle(ctx context.Context, req Request) Response { return f(ctx, req) }

// Server accepts connections on a unix socket. Each connection may carry
// any number of request/response exchanges.
type Server struct {
	path    string
	handler Handler
	ln      net.Listener

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// Listen creates the socket directory, replaces a stale socket file and
// listens with owner-only permissions.
func Listen(path string, h Handler) (*Server, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	logging.Get(logging.CategoryIPC).Info("listening on %s", path)
	return &Server{path: path, handler: h, ln: ln, conns: make(map[net.Conn]struct{})}, nil
}

// Path returns the socket path.
func (s *Server) Path() string { return s.path }

// Serve accepts connections until ctx is cancelled, then closes every open
// connection, waits for their handlers and removes the socket file.
func (s *Server) Serve(ctx context.Context) error {
	log := logging.Get(logging.CategoryIPC)
	stop := context.AfterFunc(ctx, func() { s.ln.Close() })
	defer stop()
	defer os.Remove(s.path)

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.closeConns()
				s.wg.Wait()
				log.Info("server stopped")
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			s.closeConns()
			s.wg.Wait()
			return fmt.Errorf("accept: %w", err)
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	log := logging.Get(logging.CategoryIPC)
	for {
		var req Request
		if err := readFrame(conn, &req); err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				log.Warn("read request: %v", err)
			}
			return
		}
		log.Debug("request %s", req.Command)
		resp := s.handler.Handle(ctx, req)
		if err := writeFrame(conn, resp); err != nil {
			log.Warn("write response: %v", err)
			return
		}
	}
}

// closeConns interrupts pending reads. A handler already running still
// writes its response before the connection closes.
func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.SetReadDeadline(aLongTimeAgo)
	}
}
