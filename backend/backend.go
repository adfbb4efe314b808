// Package backend defines the contract between the gateway and a per-tenant
// session server: connection lifecycle, command dispatch, listener
// registration, and generic request handling. The reference implementation
// lives in backend/syncserver; tests use backend/backendtest.
package backend

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/driftsync/driftsync/auth"
)

// Event types with structural meaning to the gateway. The vocabulary is
// open: backends may emit additional types, which the gateway forwards
// verbatim. Only Close is terminal.
const (
	EventTypeEntityData = "ENTITY_DATA"
	EventTypeError      = "ERROR"
	EventTypeClose      = "CLOSE"
	EventTypeHeartbeat  = "HEARTBEAT"
)

var (
	// ErrBackendUnavailable indicates the tenant backend could not be
	// constructed (e.g. its storage failed to open).
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrConnectionNotFound indicates a command targeted a client id with no
	// open connection. Caller error; the client must open a stream first.
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrConnectionClosed indicates an operation raced with connection
	// teardown.
	ErrConnectionClosed = errors.New("connection closed")
)

// Event is a tagged payload emitted by a connection for delivery to its
// subscriber.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// ListenerFunc receives events in emission order. Implementations must not
// block: delivery happens on the emitting goroutine.
type ListenerFunc func(ev Event)

// ConnectionOptions carries the client-declared parameters of a new
// connection.
type ConnectionOptions struct {
	ClientID         string
	ClientSchemaHash *int
	SyncSchema       bool
}

// SchemaIncompatibility describes why a client's declared schema cannot be
// served. It is a normal terminal stream outcome, not an error.
type SchemaIncompatibility struct {
	Reason           string `json:"reason"`
	ClientSchemaHash *int   `json:"clientSchemaHash,omitempty"`
	ServerSchemaHash *int   `json:"serverSchemaHash,omitempty"`
}

// Connection is a client's registered, addressable subscription within a
// tenant. A connection belongs to exactly one Server for its lifetime.
type Connection interface {
	// ClientID returns the client-chosen id for this connection.
	ClientID() string

	// DispatchCommand submits a command for processing. It returns once the
	// command has been accepted onto the pending queue, not once its effects
	// are applied.
	DispatchCommand(ctx context.Context, cmd json.RawMessage) error

	// AddListener registers fn to receive subsequent events. The returned
	// remove function is idempotent and safe to call concurrently with
	// delivery: after it returns, fn will not be invoked again.
	AddListener(fn ListenerFunc) (remove func())

	// IsClientSchemaCompatible reports nil when the client's declared schema
	// can be served, or a description of the incompatibility.
	IsClientSchemaCompatible(ctx context.Context) (*SchemaIncompatibility, error)

	// Close tears the connection down, emitting a terminal Close event to
	// registered listeners. Idempotent.
	Close()
}

// Server owns one tenant's storage access and live connections.
type Server interface {
	// TenantID identifies the tenant this server is scoped to.
	TenantID() string

	// OpenConnection registers a connection keyed by opts.ClientID. Opening
	// a client id that is already connected closes and replaces the previous
	// connection.
	OpenConnection(ctx context.Context, claims *auth.Claims, opts ConnectionOptions) (Connection, error)

	// GetConnection looks up an open connection by client id.
	GetConnection(clientID string) (Connection, bool)

	// HandleRequest processes a generic structured request. The returned
	// status and payload are relayed to the HTTP caller verbatim.
	HandleRequest(ctx context.Context, segments []string, body json.RawMessage, claims *auth.Claims) (status int, payload any, err error)

	// Close tears down all connections and releases the tenant's resources.
	Close(ctx context.Context) error
}
