package ws

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// Server owns the listening socket and the set of accepted endpoints. Like
// Endpoint it is single-owner: Listen, Pump and Stop must be called from the
// same loop.
type Server struct {
	// WhenAccept fires once per connection, after its upgrade handshake
	// succeeds and before any of its messages are dispatched.
	WhenAccept func(ep *Endpoint)

	listener  *net.TCPListener
	tlsConfig *tls.Config
	path      string
	clients   []*Endpoint
}

// Listen binds addr (host:port) and starts accepting upgrade requests for
// path. With useTLS set, certPath/keyPath must name a PEM key pair and every
// accepted connection is wrapped in TLS.
func (s *Server) Listen(addr, path string, useTLS bool, certPath, keyPath string) error {
	if s.listener != nil {
		return fmt.Errorf("ws: already listening")
	}

	if useTLS {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return fmt.Errorf("ws: load TLS key pair: %w", err)
		}
		s.tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	} else {
		s.tlsConfig = nil
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return fmt.Errorf("ws: resolve %s: %w", addr, err)
	}
	listener, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return fmt.Errorf("ws: listen on %s: %w", addr, err)
	}

	s.listener = listener
	s.path = path
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ClientCount returns the number of endpoints currently owned.
func (s *Server) ClientCount() int { return len(s.clients) }

// IsFinished reports whether the listener has been stopped.
func (s *Server) IsFinished() bool { return s.listener == nil }

// Pump drains pending accepts, constructs an endpoint per socket, then pumps
// every client. Endpoints whose pump reports completion are dropped.
func (s *Server) Pump() {
	if s.listener == nil {
		return
	}

	s.acceptPending()

	alive := s.clients[:0]
	for _, ep := range s.clients {
		ok := ep.Pump()
		if ep.upgraded && !ep.announced {
			ep.announced = true
			if s.WhenAccept != nil {
				s.WhenAccept(ep)
			}
		}
		if ok {
			alive = append(alive, ep)
		}
	}
	// Drop references to finished endpoints.
	for i := len(alive); i < len(s.clients); i++ {
		s.clients[i] = nil
	}
	s.clients = alive
}

// acceptPending accepts every connection that is already queued.
func (s *Server) acceptPending() {
	for {
		if err := s.listener.SetDeadline(time.Now().Add(pollInterval)); err != nil {
			return
		}
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		var wrapped net.Conn = conn
		if s.tlsConfig != nil {
			wrapped = tls.Server(conn, s.tlsConfig)
		}
		s.clients = append(s.clients, newServerEndpoint(wrapped, s.path))
	}
}

// Stop closes the listening socket and performs a best-effort orderly close
// of every live endpoint with status 1001.
func (s *Server) Stop() {
	if s.listener == nil {
		return
	}
	_ = s.listener.Close()
	s.listener = nil

	for _, ep := range s.clients {
		// The owner is discarding every endpoint wholesale; session
		// callbacks must not fire out of this teardown.
		ep.WhenClose = nil
		ep.WhenError = nil
		if ep.IsClosed() {
			ep.shutdown()
			continue
		}
		ep.Close(1001, "Server shutdown")
		ep.writePending()
		ep.shutdown()
	}
	s.clients = nil
}
