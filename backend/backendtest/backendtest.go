// Package backendtest provides in-memory fakes of the backend contracts for
// exercising the gateway without a real tenant backend.
package backendtest

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/driftsync/driftsync/auth"
	"github.com/driftsync/driftsync/backend"
)

// Server is a scriptable backend.Server fake.
type Server struct {
	Tenant string

	// Incompat, when set, is returned from every connection's schema check.
	Incompat *backend.SchemaIncompatibility

	// OnRequest, when set, serves HandleRequest. Defaults to echoing the
	// request back with status 200.
	OnRequest func(segments []string, body json.RawMessage, claims *auth.Claims) (int, any, error)

	mu    sync.Mutex
	conns map[string]*Conn

	// Closed reports whether Close was called.
	Closed bool
}

// NewServer creates a fake server for tenant.
func NewServer(tenant string) *Server {
	return &Server{Tenant: tenant, conns: make(map[string]*Conn)}
}

func (s *Server) TenantID() string { return s.Tenant }

func (s *Server) OpenConnection(ctx context.Context, claims *auth.Claims, opts backend.ConnectionOptions) (backend.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &Conn{
		srv:       s,
		clientID:  opts.ClientID,
		Claims:    claims,
		Opts:      opts,
		incompat:  s.Incompat,
		listeners: make(map[int]backend.ListenerFunc),
	}
	s.conns[opts.ClientID] = c
	return c, nil
}

func (s *Server) GetConnection(clientID string) (backend.Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[clientID]
	if !ok {
		return nil, false
	}
	return c, true
}

func (s *Server) HandleRequest(ctx context.Context, segments []string, body json.RawMessage, claims *auth.Claims) (int, any, error) {
	if s.OnRequest != nil {
		return s.OnRequest(segments, body, claims)
	}
	return http.StatusOK, map[string]any{"segments": segments, "body": body}, nil
}

func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.Closed = true
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	return nil
}

// Conn is the fake connection. Emit delivers events to listeners just like
// the real backend: synchronously, in order.
type Conn struct {
	srv      *Server
	clientID string
	Claims   *auth.Claims
	Opts     backend.ConnectionOptions
	incompat *backend.SchemaIncompatibility

	// DispatchErr, when set, fails DispatchCommand.
	DispatchErr error

	mu        sync.Mutex
	commands  []json.RawMessage
	listeners map[int]backend.ListenerFunc
	nextID    int
	closed    bool
}

func (c *Conn) ClientID() string { return c.clientID }

func (c *Conn) DispatchCommand(ctx context.Context, cmd json.RawMessage) error {
	if c.DispatchErr != nil {
		return c.DispatchErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return backend.ErrConnectionClosed
	}
	c.commands = append(c.commands, cmd)
	return nil
}

// Commands returns the commands accepted so far.
func (c *Conn) Commands() []json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]json.RawMessage(nil), c.commands...)
}

func (c *Conn) AddListener(fn backend.ListenerFunc) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

// ListenerCount reports the number of registered listeners.
func (c *Conn) ListenerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners)
}

// Emit delivers ev to all registered listeners.
func (c *Conn) Emit(ev backend.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, fn := range c.listeners {
		fn(ev)
	}
}

func (c *Conn) IsClientSchemaCompatible(ctx context.Context) (*backend.SchemaIncompatibility, error) {
	return c.incompat, nil
}

func (c *Conn) Close() {
	c.mu.Lock()
	closed := c.closed
	c.closed = true
	c.mu.Unlock()
	if closed {
		return
	}
	c.srv.mu.Lock()
	if cur, ok := c.srv.conns[c.clientID]; ok && cur == c {
		delete(c.srv.conns, c.clientID)
	}
	c.srv.mu.Unlock()
}

var (
	_ backend.Server     = (*Server)(nil)
	_ backend.Connection = (*Conn)(nil)
)
