// Package syncserver is the reference backend.Server implementation: a
// per-tenant session server owning the tenant's store, durable clock, and
// live connection table. Command application and generic request handling
// are injectable so deployments can swap in their own sync semantics.
package syncserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/driftsync/driftsync/auth"
	"github.com/driftsync/driftsync/backend"
	"github.com/driftsync/driftsync/clock"
	"github.com/driftsync/driftsync/storage"
)

// schemaHashKey is the storage key holding the server-side schema hash.
const schemaHashKey = "_schema/hash"

// CommandHandler applies one command dispatched to a connection. Events it
// produces should be emitted via Server.Broadcast or Conn.Emit.
type CommandHandler func(ctx context.Context, s *Server, c *Conn, cmd json.RawMessage) error

// RequestHandler processes a generic structured request for the tenant.
type RequestHandler func(ctx context.Context, s *Server, segments []string, body json.RawMessage, claims *auth.Claims) (status int, payload any, err error)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the slog logger. Logs are discarded if unset.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithCommandHandler replaces the default command handler.
func WithCommandHandler(h CommandHandler) Option {
	return func(s *Server) { s.commands = h }
}

// WithRequestHandler replaces the default generic request handler.
func WithRequestHandler(h RequestHandler) Option {
	return func(s *Server) { s.requests = h }
}

// WithQueueDepth sets the per-connection pending command queue depth.
func WithQueueDepth(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.queueDepth = n
		}
	}
}

// Server implements backend.Server for one tenant.
type Server struct {
	tenantID   string
	store      storage.Store
	clk        *clock.Durable
	log        *slog.Logger
	commands   CommandHandler
	requests   RequestHandler
	queueDepth int

	mu     sync.RWMutex
	conns  map[string]*Conn
	closed bool
}

// New constructs a Server owning store and clk for tenantID.
func New(tenantID string, store storage.Store, clk *clock.Durable, opts ...Option) *Server {
	s := &Server{
		tenantID:   tenantID,
		store:      store,
		clk:        clk,
		log:        slog.New(slog.DiscardHandler),
		queueDepth: 64,
		conns:      make(map[string]*Conn),
	}
	s.commands = defaultCommandHandler
	s.requests = defaultRequestHandler
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) TenantID() string { return s.tenantID }

// Store exposes the tenant's store to command/request handlers.
func (s *Server) Store() storage.Store { return s.store }

// Clock exposes the tenant's durable clock to command/request handlers.
func (s *Server) Clock() *clock.Durable { return s.clk }

// OpenConnection implements backend.Server. Re-opening an already-connected
// client id closes the previous connection first so its stream terminates
// with a Close event.
func (s *Server) OpenConnection(ctx context.Context, claims *auth.Claims, opts backend.ConnectionOptions) (backend.Connection, error) {
	if opts.ClientID == "" {
		return nil, fmt.Errorf("client id is required")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, backend.ErrBackendUnavailable
	}
	prev := s.conns[opts.ClientID]
	c := &Conn{
		srv:        s,
		clientID:   opts.ClientID,
		schemaHash: opts.ClientSchemaHash,
		syncSchema: opts.SyncSchema,
		claims:     claims,
		pending:    make(chan json.RawMessage, s.queueDepth),
		done:       make(chan struct{}),
		listeners:  make(map[int]backend.ListenerFunc),
	}
	s.conns[opts.ClientID] = c
	s.mu.Unlock()

	if prev != nil {
		s.log.InfoContext(ctx, "conn.replace", slog.String("client_id", opts.ClientID))
		prev.closeInternal(false)
	}

	go c.run()

	s.log.InfoContext(ctx, "conn.open", slog.String("client_id", opts.ClientID))
	return c, nil
}

// GetConnection implements backend.Server.
func (s *Server) GetConnection(clientID string) (backend.Connection, bool) {
	s.mu.RLock()
	c, ok := s.conns[clientID]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return c, true
}

// HandleRequest implements backend.Server.
func (s *Server) HandleRequest(ctx context.Context, segments []string, body json.RawMessage, claims *auth.Claims) (int, any, error) {
	return s.requests(ctx, s, segments, body, claims)
}

// Broadcast emits ev to every open connection of the tenant.
func (s *Server) Broadcast(ev backend.Event) {
	s.mu.RLock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		c.Emit(ev)
	}
}

// CloseConnection closes and removes the connection for clientID, if open.
func (s *Server) CloseConnection(clientID string) {
	s.mu.RLock()
	c := s.conns[clientID]
	s.mu.RUnlock()
	if c != nil {
		c.Close()
	}
}

// Close implements backend.Server. All connections receive a terminal Close
// event before the store is released.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	return s.store.Close()
}

// removeConn drops c from the table iff it is still the registered
// connection for its client id. A replacement connection must not be evicted
// by its predecessor's teardown.
func (s *Server) removeConn(c *Conn) {
	s.mu.Lock()
	if cur, ok := s.conns[c.clientID]; ok && cur == c {
		delete(s.conns, c.clientID)
	}
	s.mu.Unlock()
}

// schemaHash loads the server-side schema hash; (nil, nil) when unset.
func (s *Server) schemaHash(ctx context.Context) (*int, error) {
	raw, err := s.store.Get(ctx, schemaHashKey)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	h, err := strconv.Atoi(string(raw))
	if err != nil {
		return nil, fmt.Errorf("malformed schema hash %q: %w", raw, err)
	}
	return &h, nil
}

// SetSchemaHash persists the server-side schema hash.
func (s *Server) SetSchemaHash(ctx context.Context, hash int) error {
	return s.store.Set(ctx, schemaHashKey, []byte(strconv.Itoa(hash)))
}

// storedMessage is the durable form of an applied command.
type storedMessage struct {
	ID        string          `json:"id"`
	Timestamp string          `json:"timestamp"`
	ClientID  string          `json:"clientId"`
	Message   json.RawMessage `json:"message"`
}

// defaultCommandHandler persists the command under a durable-clock timestamp
// and fans an ENTITY_DATA event out to every connection of the tenant.
func defaultCommandHandler(ctx context.Context, s *Server, c *Conn, cmd json.RawMessage) error {
	ts, err := s.clk.Next(ctx)
	if err != nil {
		return err
	}
	msg := storedMessage{
		ID:        ts.String(),
		Timestamp: ts.String(),
		ClientID:  c.ClientID(),
		Message:   cmd,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := s.store.Set(ctx, "messages/"+msg.ID, b); err != nil {
		return err
	}
	s.Broadcast(backend.Event{Type: backend.EventTypeEntityData, Payload: msg})
	return nil
}

// defaultRequestHandler serves a small built-in route set; deployments
// replace it via WithRequestHandler.
func defaultRequestHandler(ctx context.Context, s *Server, segments []string, body json.RawMessage, claims *auth.Claims) (int, any, error) {
	if len(segments) == 0 {
		return http.StatusNotFound, map[string]any{"error": "not found"}, nil
	}
	switch segments[0] {
	case "stats":
		s.mu.RLock()
		open := len(s.conns)
		s.mu.RUnlock()
		entries, err := s.store.List(ctx, "messages/")
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, map[string]any{
			"tenantId":        s.tenantID,
			"openConnections": open,
			"messageCount":    len(entries),
		}, nil
	case "schema":
		hash, err := s.schemaHash(ctx)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, map[string]any{"schemaHash": hash}, nil
	default:
		return http.StatusNotFound, map[string]any{"error": "not found"}, nil
	}
}

var _ backend.Server = (*Server)(nil)
