// Package hosttest runs an in-process host server speaking datastream frames,
// for exercising hostserver connections and conversation pools.
package hosttest

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/IBM/JTOpen-sub019/datastream"
	"go.uber.org/zap"
)

const (
	KindEcho   uint16 = 0x0001 // one reply carrying the request payload
	KindChain  uint16 = 0x0002 // payload[0] replies under the request id, payload of reply i is []byte{i}
	KindSilent uint16 = 0x0003 // no reply
	KindEndJob uint16 = 0xFFFF // host ends the job and closes the connection
)

// Handler returns the replies to req. Replies with no correlation id set are
// sent under the id of req.
type Handler func(req *datastream.Frame) []*datastream.Frame

// DefaultHandler answers the Kind* requests.
var DefaultHandler Handler = func(req *datastream.Frame) []*datastream.Frame {
	switch req.Type {
	case KindEcho:
		payload := append([]byte(nil), req.Payload...)
		return []*datastream.Frame{datastream.New(KindEcho, payload)}
	case KindChain:
		if len(req.Payload) == 0 {
			return nil
		}
		replies := make([]*datastream.Frame, req.Payload[0])
		for i := range replies {
			replies[i] = datastream.New(KindChain, []byte{byte(i)})
		}
		return replies
	}
	return nil
}

type Server struct {
	Handler Handler
	Logger  *zap.Logger

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	shutdown bool

	wg       sync.WaitGroup
	accepted uint64
	requests uint64
}

func (s *Server) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// Serve accepts connections on ln until ln is closed. It returns nil if the
// server was shut down.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			shutdown := s.shutdown
			s.mu.Unlock()

			if shutdown || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		if !s.track(conn) {
			conn.Close()
			continue
		}

		atomic.AddUint64(&s.accepted, 1)

		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.serveConn(conn)
		}()
	}
}

func (s *Server) serveConn(conn net.Conn) {
	handler := s.Handler
	if handler == nil {
		handler = DefaultHandler
	}

	br := bufio.NewReader(conn)
	for {
		req, err := datastream.ReadFrame(br)
		if err != nil {
			return
		}
		atomic.AddUint64(&s.requests, 1)

		if req.Type == KindEndJob {
			s.logger().Debug("job ended by client", zap.String("remote", conn.RemoteAddr().String()))
			req.Release()
			return
		}

		var buf []byte
		for _, reply := range handler(req) {
			if reply.ID == 0 {
				reply.ID = req.ID
			}
			buf = reply.AppendTo(buf)
		}
		req.Release()

		if len(buf) == 0 {
			continue
		}
		if _, err := conn.Write(buf); err != nil {
			return
		}
	}
}

// Accepted returns the number of connections accepted so far.
func (s *Server) Accepted() int { return int(atomic.LoadUint64(&s.accepted)) }

// Requests returns the number of frames read from clients so far.
func (s *Server) Requests() int { return int(atomic.LoadUint64(&s.requests)) }

// DropConnections closes every open client connection, like a host ending all
// of its server jobs.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for conn := range s.conns {
		conn.Close()
	}
}

// Shutdown closes all client connections and waits for their goroutines.
// The listener passed to Serve must be closed by the caller.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.shutdown = true
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return false
	}
	if s.conns == nil {
		s.conns = make(map[net.Conn]struct{})
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()

	conn.Close()
}
