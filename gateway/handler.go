package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/driftsync/driftsync/auth"
	"github.com/driftsync/driftsync/backend"
	"github.com/driftsync/driftsync/backend/syncserver"
	"github.com/driftsync/driftsync/clock"
	"github.com/driftsync/driftsync/internal/logctx"
	"github.com/driftsync/driftsync/internal/metrics"
	"github.com/driftsync/driftsync/internal/tokenauth"
	"github.com/driftsync/driftsync/registry"
	"github.com/driftsync/driftsync/storage/selector"
)

var _ http.Handler = (*Handler)(nil)

var jsonMediaType = contenttype.NewMediaType("application/json")

// streamQueueDepth bounds the per-stream outbound event queue.
const streamQueueDepth = 256

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger  *slog.Logger
	factory registry.Factory
	promReg prometheus.Registerer
}

// WithLogger sets the slog logger used by the gateway. If not provided,
// logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(c *newConfig) { c.logger = log }
}

// WithBackendFactory overrides how per-tenant backend servers are
// constructed. The default builds a syncserver over the configured storage
// backend.
func WithBackendFactory(f registry.Factory) Option {
	return func(c *newConfig) { c.factory = f }
}

// WithMetrics registers the gateway's collectors on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *newConfig) { c.promReg = reg }
}

// Handler is the multi-tenant session gateway: it authenticates requests,
// resolves the per-tenant backend, serves long-lived event streams, and
// routes commands and generic requests.
type Handler struct {
	mux       *http.ServeMux
	log       *slog.Logger
	reg       *registry.Registry
	validator *tokenauth.Validator
	tenantID  string
	heartbeat time.Duration
	metrics   *metrics.Metrics

	closers []io.Closer
}

// lockedWriteFlusher serializes concurrent writes/flushes on a stream and
// refuses to write after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// New constructs the gateway Handler. The storage selection is resolved
// once, here; request paths never re-dispatch on it.
func New(ctx context.Context, cfg Config, opts ...Option) (*Handler, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	nc := &newConfig{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(nc)
	}

	h := &Handler{
		log:       slog.New(logctx.Handler{Handler: nc.logger.Handler()}),
		tenantID:  cfg.ProjectID,
		heartbeat: cfg.HeartbeatInterval,
		metrics:   metrics.New(nc.promReg),
	}

	tokenCfg := tokenauth.Config{
		Secret:          cfg.JWTSecret,
		ExternalSecret:  cfg.ExternalJWTSecret,
		ExternalJWKSURL: cfg.ExternalJWKSURL,
		PayloadPath:     cfg.ClaimsPath,
	}
	if cfg.JWTSecretFile != "" {
		fs, err := tokenauth.NewFileSecret(cfg.JWTSecretFile, h.log)
		if err != nil {
			return nil, err
		}
		tokenCfg.SecretSource = fs
		h.closers = append(h.closers, fs)
	}
	validator, err := tokenauth.New(ctx, tokenCfg)
	if err != nil {
		return nil, err
	}
	h.validator = validator

	factory := nc.factory
	if factory == nil {
		resolved, err := selector.Resolve(ctx, selector.Config{
			Kind:       selector.Kind(cfg.Storage),
			RedisAddr:  cfg.RedisAddr,
			SQLitePath: cfg.SQLitePath,
		})
		if err != nil {
			return nil, err
		}
		h.closers = append(h.closers, closerFunc(resolved.Close))
		log := h.log
		factory = func(ctx context.Context, tenantID string) (backend.Server, error) {
			store, err := resolved.Open(ctx, tenantID)
			if err != nil {
				return nil, err
			}
			clk, err := clock.NewDurable(ctx, store, tenantID)
			if err != nil {
				_ = store.Close()
				return nil, err
			}
			return syncserver.New(tenantID, store, clk, syncserver.WithLogger(log)), nil
		}
	}
	h.reg = registry.New(factory, registry.WithLogger(h.log))

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/message", h.handleMessage)
	mux.HandleFunc("POST /api/{rest...}", h.handleGenericAPI)
	mux.HandleFunc("GET /message-events", h.handleMessageEvents)
	h.mux = mux
	return h, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Close tears down tenant backends and shared resources.
func (h *Handler) Close(ctx context.Context) error {
	err := h.reg.Close(ctx)
	for _, c := range h.closers {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")
		w.Header().Set("Access-Control-Max-Age", "600")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// writeJSON writes a JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError emits the gateway's uniform error shape. Causes never appear
// here; they are logged.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// checkBearer authenticates the Authorization header, writing the uniform
// 401 on failure. All failure modes look identical to the caller.
func (h *Handler) checkBearer(ctx context.Context, r *http.Request, w http.ResponseWriter) *auth.Claims {
	const bearerPrefix = "Bearer "
	hdr := r.Header.Get("Authorization")
	if !strings.HasPrefix(hdr, bearerPrefix) || len(hdr) == len(bearerPrefix) {
		h.metrics.AuthFailures.Inc()
		h.log.InfoContext(ctx, "auth.fail", slog.String("err", "missing or malformed authorization header"))
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return nil
	}
	claims, err := h.validator.CheckAuthentication(ctx, strings.TrimSpace(hdr[len(bearerPrefix):]))
	if err != nil {
		h.metrics.AuthFailures.Inc()
		h.log.InfoContext(ctx, "auth.fail", slog.String("err", err.Error()))
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return nil
	}
	return claims
}

// handleMessage routes a command to the live connection named by the
// request body.
func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	claims := h.checkBearer(ctx, r, w)
	if claims == nil {
		return
	}

	if ctype, err := contenttype.GetMediaType(r); err != nil || !ctype.Matches(jsonMediaType) {
		h.log.WarnContext(ctx, "content_type.unsupported")
		writeError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}

	var body struct {
		Message json.RawMessage `json:"message"`
		Options struct {
			ClientID string `json:"clientId"`
		} `json:"options"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.log.WarnContext(ctx, "command.decode.fail", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	ctx = logctx.WithTenantData(ctx, &logctx.TenantData{
		TenantID: h.tenantID,
		ClientID: body.Options.ClientID,
		UserID:   claims.Subject,
	})

	srv, err := h.reg.Resolve(ctx, h.tenantID)
	if err != nil {
		h.log.ErrorContext(ctx, "tenant.resolve.fail", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	conn, ok := srv.GetConnection(body.Options.ClientID)
	if !ok {
		h.log.WarnContext(ctx, "command.dispatch.fail",
			slog.String("err", backend.ErrConnectionNotFound.Error()))
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	if err := conn.DispatchCommand(ctx, body.Message); err != nil {
		h.log.ErrorContext(ctx, "command.dispatch.fail", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	h.metrics.CommandsDispatched.Inc()
	h.log.InfoContext(ctx, "command.dispatch.ok", slog.Duration("dur", time.Since(start)))
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleGenericAPI forwards an arbitrary structured request to the tenant
// backend and relays its status and payload verbatim.
func (h *Handler) handleGenericAPI(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	claims := h.checkBearer(ctx, r, w)
	if claims == nil {
		return
	}

	var body json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.log.WarnContext(ctx, "forward.decode.fail", slog.String("err", err.Error()))
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	segments := strings.Split(strings.Trim(r.PathValue("rest"), "/"), "/")

	ctx = logctx.WithTenantData(ctx, &logctx.TenantData{
		TenantID: h.tenantID,
		UserID:   claims.Subject,
	})

	srv, err := h.reg.Resolve(ctx, h.tenantID)
	if err != nil {
		h.log.ErrorContext(ctx, "tenant.resolve.fail", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	status, payload, err := srv.HandleRequest(ctx, segments, body, claims)
	if err != nil {
		h.log.ErrorContext(ctx, "forward.fail", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	h.log.InfoContext(ctx, "forward.ok",
		slog.Int("status", status),
		slog.Duration("dur", time.Since(start)))
	writeJSON(w, status, payload)
}

// handleMessageEvents serves the long-lived event stream for one client
// connection.
func (h *Handler) handleMessageEvents(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	q := r.URL.Query()
	clientID := q.Get("client")
	rawToken := q.Get("token")
	syncSchema := q.Get("syncSchema") == "true"

	var schemaHash *int
	if s := q.Get("schema"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			schemaHash = &n
		}
	}

	claims, err := h.validator.ParseAndValidate(ctx, rawToken, h.tenantID)
	if err != nil {
		h.metrics.AuthFailures.Inc()
		h.log.InfoContext(ctx, "auth.fail", slog.String("err", err.Error()))
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	if clientID == "" {
		writeError(w, http.StatusBadRequest, "client query parameter is required")
		return
	}

	ctx = logctx.WithTenantData(ctx, &logctx.TenantData{
		TenantID: h.tenantID,
		ClientID: clientID,
		UserID:   claims.Subject,
	})

	f, ok := w.(http.Flusher)
	if !ok {
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	srv, err := h.reg.Resolve(ctx, h.tenantID)
	if err != nil {
		h.log.ErrorContext(ctx, "tenant.resolve.fail", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	conn, err := srv.OpenConnection(ctx, claims, backend.ConnectionOptions{
		ClientID:         clientID,
		ClientSchemaHash: schemaHash,
		SyncSchema:       syncSchema,
	})
	if err != nil {
		h.log.ErrorContext(ctx, "conn.open.fail", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	incompat, err := conn.IsClientSchemaCompatible(ctx)
	if err != nil {
		conn.Close()
		h.log.ErrorContext(ctx, "schema.check.fail", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	if incompat != nil {
		// Terminal but not an error: the stream was established, so the
		// incompatibility travels inside it. No listener is ever registered.
		_ = writeSSEEvent(wf, backend.Event{Type: backend.EventTypeClose, Payload: incompat})
		conn.Close()
		h.log.InfoContext(ctx, "sse.schema.incompatible", slog.Duration("dur", time.Since(start)))
		return
	}

	h.metrics.StreamsOpen.Inc()
	defer h.metrics.StreamsOpen.Dec()

	queue := newEventQueue(streamQueueDepth)
	remove := conn.AddListener(func(ev backend.Event) {
		if queue.push(ev) {
			h.metrics.EventsDropped.Inc()
		}
	})

	// Listener removal must precede every other teardown step so no write
	// is attempted on a closed output. remove is idempotent.
	defer func() {
		remove()
		conn.Close()
		h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
	}()

	h.log.InfoContext(ctx, "sse.stream.start")

	var hb *time.Ticker
	var hbC <-chan time.Time
	if h.heartbeat > 0 {
		hb = time.NewTicker(h.heartbeat)
		hbC = hb.C
		defer hb.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-queue.ready:
			for {
				ev, ok := queue.pop()
				if !ok {
					break
				}
				if err := writeSSEEvent(wf, ev); err != nil {
					// The client is gone; nothing to recover.
					return
				}
				h.metrics.EventsDelivered.Inc()
				if ev.Type == backend.EventTypeClose {
					return
				}
			}
			if hb != nil {
				hb.Reset(h.heartbeat)
			}
		case <-hbC:
			if err := writeSSEEvent(wf, backend.Event{Type: backend.EventTypeHeartbeat}); err != nil {
				return
			}
		}
	}
}

// writeSSEEvent writes one event as a single SSE frame and flushes it.
func writeSSEEvent(wf *lockedWriteFlusher, ev backend.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := wf.Write(b); err != nil {
		return err
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return err
	}
	wf.Flush()
	return nil
}
