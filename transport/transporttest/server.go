// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transporttest

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/groundlink/uplink/endpoint"
	"github.com/groundlink/uplink/transport"
)

// Server is an httptest.Server with the instance list, the stream
// endpoint, and whatever REST routes a test registers.
type Server struct {
	httpServer *httptest.Server
	mux        *http.ServeMux
	upgrader   websocket.Upgrader
	batches    chan []transport.ControlMessage
	closing    chan struct{}

	mu               sync.Mutex
	instances        []string
	username         string
	password         string
	streams          map[*websocket.Conn]string
	streamsOpened    int
	instanceRequests int
	failHandshakes   int
	instancesHandler http.HandlerFunc
	headers          []http.Header
}

// NewServer starts a server offering the given instances. It is closed
// by t.Cleanup.
func NewServer(t testing.TB, instances ...string) *Server {
	t.Helper()
	s := &Server{
		mux:       http.NewServeMux(),
		batches:   make(chan []transport.ControlMessage, 256),
		closing:   make(chan struct{}),
		instances: instances,
		streams:   make(map[*websocket.Conn]string),
	}
	s.mux.HandleFunc(instancesRoute, s.serveInstances)
	s.mux.HandleFunc("GET /api/websocket/{instance}", s.serveStream)
	s.httpServer = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	t.Cleanup(s.Close)
	return s
}

// Close drops every stream and stops the server.
func (s *Server) Close() {
	s.mu.Lock()
	select {
	case <-s.closing:
		s.mu.Unlock()
		return
	default:
		close(s.closing)
	}
	s.mu.Unlock()
	s.DropStreams()
	s.httpServer.Close()
}

// Address returns the listener's host:port.
func (s *Server) Address() string {
	return s.httpServer.Listener.Addr().String()
}

// Endpoint returns an endpoint pointing at the server.
func (s *Server) Endpoint(instance string) endpoint.Config {
	host, port, _ := net.SplitHostPort(s.Address())
	portNumber, _ := strconv.Atoi(port)
	return endpoint.Config{Host: host, Port: portNumber, Instance: instance}
}

// DialContext connects to this server whatever address is asked for,
// so endpoints with real-looking host names can be exercised.
func (s *Server) DialContext(ctx context.Context, network, _ string) (net.Conn, error) {
	var dialer net.Dialer
	return dialer.DialContext(ctx, network, s.Address())
}

// SetInstances replaces the instance list.
func (s *Server) SetInstances(instances ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances = instances
}

// RequireAuth rejects every request without these basic credentials.
func (s *Server) RequireAuth(username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.username, s.password = username, password
}

// FailHandshakes makes the next n stream handshakes answer 503.
func (s *Server) FailHandshakes(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failHandshakes = n
}

const instancesRoute = "GET /api/instances"

// Handle registers a REST route using ServeMux patterns, e.g.
// "GET /api/links". The instance list route may be replaced too.
func (s *Server) Handle(pattern string, handler http.HandlerFunc) {
	if pattern == instancesRoute {
		s.mu.Lock()
		s.instancesHandler = handler
		s.mu.Unlock()
		return
	}
	s.mux.HandleFunc(pattern, handler)
}

// RespondJSON registers a route that always answers status with body
// encoded as JSON.
func (s *Server) RespondJSON(pattern string, status int, body any) {
	s.Handle(pattern, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, status, body)
	})
}

// InstanceRequests counts GET /api/instances calls.
func (s *Server) InstanceRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instanceRequests
}

// StreamCount is the number of currently open streams.
func (s *Server) StreamCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// StreamsOpened is the number of streams ever accepted.
func (s *Server) StreamsOpened() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamsOpened
}

// RequestHeaders returns the headers of every request seen, in order.
func (s *Server) RequestHeaders() []http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]http.Header(nil), s.headers...)
}

// Batches yields each batch frame received on any stream.
func (s *Server) Batches() <-chan []transport.ControlMessage { return s.batches }

// Publish sends message to every open stream and returns how many
// streams it was written to.
func (s *Server) Publish(message transport.Message) int {
	data, err := transport.EncodeMessage(message)
	if err != nil {
		panic("transporttest: encoding message: " + err.Error())
	}
	return s.broadcast(websocket.BinaryMessage, data)
}

// PublishRaw sends data verbatim as a binary frame.
func (s *Server) PublishRaw(data []byte) int {
	return s.broadcast(websocket.BinaryMessage, data)
}

func (s *Server) broadcast(messageType int, data []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	sent := 0
	for conn := range s.streams {
		if conn.WriteMessage(messageType, data) == nil {
			sent++
		}
	}
	return sent
}

// DropStreams closes every stream's socket without a close frame, the
// way a crashed server or a cut cable would.
func (s *Server) DropStreams() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.streams {
		conn.NetConn().Close()
		delete(s.streams, conn)
	}
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.headers = append(s.headers, r.Header.Clone())
	username, password := s.username, s.password
	s.mu.Unlock()

	if username != "" {
		user, pass, ok := r.BasicAuth()
		if !ok || user != username || pass != password {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"code": "UNAUTHORIZED", "message": "bad credentials",
			})
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) serveInstances(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.instanceRequests++
	if override := s.instancesHandler; override != nil {
		s.mu.Unlock()
		override(w, r)
		return
	}
	type instance struct {
		Name string `json:"name"`
	}
	listing := struct {
		Instances []instance `json:"instances"`
	}{Instances: []instance{}}
	for _, name := range s.instances {
		listing.Instances = append(listing.Instances, instance{Name: name})
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, listing)
}

func (s *Server) serveStream(w http.ResponseWriter, r *http.Request) {
	instance := r.PathValue("instance")
	s.mu.Lock()
	known := false
	for _, name := range s.instances {
		known = known || name == instance
	}
	failing := s.failHandshakes > 0
	if failing {
		s.failHandshakes--
	}
	s.mu.Unlock()

	switch {
	case failing:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"code": "UNAVAILABLE", "message": "starting"})
		return
	case !known:
		writeJSON(w, http.StatusNotFound, map[string]string{"code": "NOT_FOUND", "message": "no such instance"})
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	select {
	case <-s.closing:
		s.mu.Unlock()
		conn.Close()
		return
	default:
	}
	s.streams[conn] = instance
	s.streamsOpened++
	s.mu.Unlock()

	go s.readStream(conn)
}

func (s *Server) readStream(conn *websocket.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.streams, conn)
		s.mu.Unlock()
		conn.Close()
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		batch, err := transport.DecodeBatch(data)
		if err != nil {
			continue
		}
		select {
		case s.batches <- batch:
		case <-s.closing:
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// UnreachableEndpoint returns an endpoint on a loopback port nothing
// listens on, so every connection is refused.
func UnreachableEndpoint(t testing.TB) endpoint.Config {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving port: %v", err)
	}
	address := listener.Addr().(*net.TCPAddr)
	listener.Close()
	return endpoint.Config{Name: "unreachable", Host: "127.0.0.1", Port: address.Port, Instance: "sim"}
}

// URL returns the server's base URL.
func (s *Server) URL() *url.URL {
	parsed, _ := url.Parse(s.httpServer.URL)
	return parsed
}
