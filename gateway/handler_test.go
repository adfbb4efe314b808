package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/driftsync/driftsync/auth"
	"github.com/driftsync/driftsync/backend"
	"github.com/driftsync/driftsync/backend/backendtest"
)

const (
	testSecret = "gateway-test-secret"
	testTenant = "proj-1"
)

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func validToken(t *testing.T) string {
	return signToken(t, jwt.MapClaims{"sub": "user-1", "tenantId": testTenant})
}

func newTestGateway(t *testing.T, srv backend.Server, opts ...Option) *Handler {
	t.Helper()
	cfg := Config{JWTSecret: testSecret, ProjectID: testTenant}
	all := append([]Option{
		WithBackendFactory(func(ctx context.Context, tenantID string) (backend.Server, error) {
			return srv, nil
		}),
	}, opts...)
	h, err := New(context.Background(), cfg, all...)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	t.Cleanup(func() { _ = h.Close(context.Background()) })
	return h
}

func doJSON(t *testing.T, h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestCORSPreflight(t *testing.T) {
	h := newTestGateway(t, backendtest.NewServer(testTenant))
	req := httptest.NewRequest(http.MethodOptions, "/api/message", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow-origin %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(got, "POST") {
		t.Fatalf("allow-methods %q", got)
	}
}

func TestMessageRejectsMissingAuth(t *testing.T) {
	h := newTestGateway(t, backendtest.NewServer(testTenant))
	rec := doJSON(t, h, http.MethodPost, "/api/message", "", `{}`)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") != "Bearer" {
		t.Fatalf("missing WWW-Authenticate header")
	}
	if body := decodeBody(t, rec); body["error"] != "Unauthorized" {
		t.Fatalf("body %v", body)
	}
}

func TestMessageRejectsExpiredToken(t *testing.T) {
	h := newTestGateway(t, backendtest.NewServer(testTenant))
	tok := signToken(t, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	rec := doJSON(t, h, http.MethodPost, "/api/message", tok, `{}`)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "Unauthorized" {
		t.Fatalf("body %v", body)
	}
}

func TestMessageRejectsWrongContentType(t *testing.T) {
	h := newTestGateway(t, backendtest.NewServer(testTenant))
	req := httptest.NewRequest(http.MethodPost, "/api/message", strings.NewReader("hello"))
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Authorization", "Bearer "+validToken(t))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status %d, want 415", rec.Code)
	}
}

func TestMessageWithoutLiveConnection(t *testing.T) {
	h := newTestGateway(t, backendtest.NewServer(testTenant))
	rec := doJSON(t, h, http.MethodPost, "/api/message", validToken(t),
		`{"message":{"op":"set"},"options":{"clientId":"ghost"}}`)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status %d, want 500", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "Internal Server Error" {
		t.Fatalf("body %v", body)
	}
}

func TestMessageDispatchesToLiveConnection(t *testing.T) {
	srv := backendtest.NewServer(testTenant)
	h := newTestGateway(t, srv)

	conn, err := srv.OpenConnection(context.Background(), nil, backend.ConnectionOptions{ClientID: "c1"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	rec := doJSON(t, h, http.MethodPost, "/api/message", validToken(t),
		`{"message":{"op":"set","value":3},"options":{"clientId":"c1"}}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["success"] != true {
		t.Fatalf("body %v", body)
	}
	cmds := conn.(*backendtest.Conn).Commands()
	if len(cmds) != 1 || string(cmds[0]) != `{"op":"set","value":3}` {
		t.Fatalf("commands %v", cmds)
	}
}

func TestForwardRelaysBackendStatusAndPayload(t *testing.T) {
	srv := backendtest.NewServer(testTenant)
	var gotSegments []string
	srv.OnRequest = func(segments []string, body json.RawMessage, claims *auth.Claims) (int, any, error) {
		gotSegments = segments
		return http.StatusTeapot, map[string]any{"brew": "no"}, nil
	}
	h := newTestGateway(t, srv)

	rec := doJSON(t, h, http.MethodPost, "/api/brew/coffee", validToken(t), `{"size":"large"}`)

	if rec.Code != http.StatusTeapot {
		t.Fatalf("status %d, want 418", rec.Code)
	}
	if body := decodeBody(t, rec); body["brew"] != "no" {
		t.Fatalf("body %v", body)
	}
	if len(gotSegments) != 2 || gotSegments[0] != "brew" || gotSegments[1] != "coffee" {
		t.Fatalf("segments %v", gotSegments)
	}
}

func TestForwardRejectsInvalidJSON(t *testing.T) {
	h := newTestGateway(t, backendtest.NewServer(testTenant))
	rec := doJSON(t, h, http.MethodPost, "/api/stats", validToken(t), `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
}

func TestForwardBackendErrorIsOpaque(t *testing.T) {
	srv := backendtest.NewServer(testTenant)
	srv.OnRequest = func([]string, json.RawMessage, *auth.Claims) (int, any, error) {
		return 0, nil, fmt.Errorf("disk on fire")
	}
	h := newTestGateway(t, srv)

	rec := doJSON(t, h, http.MethodPost, "/api/stats", validToken(t), `{}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status %d, want 500", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "Internal Server Error" {
		t.Fatalf("cause leaked: %v", body)
	}
}

// streamFrame is one decoded SSE data frame.
type streamFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// readFrame blocks until the next "data:" line and decodes it.
func readFrame(t *testing.T, br *bufio.Reader) (streamFrame, error) {
	t.Helper()
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return streamFrame{}, err
		}
		line = strings.TrimRight(line, "\n")
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var f streamFrame
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &f); err != nil {
			t.Fatalf("malformed frame %q: %v", line, err)
		}
		return f, nil
	}
}

func openStream(t *testing.T, ts *httptest.Server, query string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + "/message-events?" + query)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// waitForListener polls until the client's connection has a subscriber.
func waitForListener(t *testing.T, srv *backendtest.Server, clientID string) *backendtest.Conn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c, ok := srv.GetConnection(clientID); ok {
			fake := c.(*backendtest.Conn)
			if fake.ListenerCount() > 0 {
				return fake
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no listener registered for %q", clientID)
	return nil
}

func TestStreamRejectsBadToken(t *testing.T) {
	h := newTestGateway(t, backendtest.NewServer(testTenant))
	ts := httptest.NewServer(h)
	defer ts.Close()

	resp := openStream(t, ts, "client=c1&token=garbage")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	var body map[string]any
	if err := json.Unmarshal(b, &body); err != nil || body["error"] != "Unauthorized" {
		t.Fatalf("body %s", b)
	}
}

func TestStreamRejectsForeignTenantToken(t *testing.T) {
	h := newTestGateway(t, backendtest.NewServer(testTenant))
	ts := httptest.NewServer(h)
	defer ts.Close()

	tok := signToken(t, jwt.MapClaims{"sub": "u", "tenantId": "someone-else"})
	resp := openStream(t, ts, "client=c1&token="+tok)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", resp.StatusCode)
	}
}

func TestStreamRequiresClientParam(t *testing.T) {
	h := newTestGateway(t, backendtest.NewServer(testTenant))
	ts := httptest.NewServer(h)
	defer ts.Close()

	resp := openStream(t, ts, "token="+validToken(t))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", resp.StatusCode)
	}
}

func TestStreamDeliversEventsInOrderUntilClose(t *testing.T) {
	srv := backendtest.NewServer(testTenant)
	h := newTestGateway(t, srv)
	ts := httptest.NewServer(h)
	defer ts.Close()

	resp := openStream(t, ts, "client=c1&token="+validToken(t))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type %q", ct)
	}
	br := bufio.NewReader(resp.Body)

	conn := waitForListener(t, srv, "c1")
	conn.Emit(backend.Event{Type: backend.EventTypeEntityData, Payload: map[string]any{"seq": 1}})
	conn.Emit(backend.Event{Type: backend.EventTypeEntityData, Payload: map[string]any{"seq": 2}})
	conn.Emit(backend.Event{Type: backend.EventTypeClose, Payload: map[string]any{"reason": "bye"}})

	for i, want := range []string{`{"seq":1}`, `{"seq":2}`} {
		f, err := readFrame(t, br)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if f.Type != backend.EventTypeEntityData || string(f.Payload) != want {
			t.Fatalf("frame %d: %s %s", i, f.Type, f.Payload)
		}
	}

	f, err := readFrame(t, br)
	if err != nil {
		t.Fatalf("close frame: %v", err)
	}
	if f.Type != backend.EventTypeClose {
		t.Fatalf("expected CLOSE, got %s", f.Type)
	}

	// CLOSE is terminal: the response body must end.
	if _, err := readFrame(t, br); err != io.EOF && err != io.ErrUnexpectedEOF {
		t.Fatalf("expected stream end, got %v", err)
	}
}

func TestStreamSchemaIncompatibleGetsSingleCloseFrame(t *testing.T) {
	srv := backendtest.NewServer(testTenant)
	client, server := 7, 42
	srv.Incompat = &backend.SchemaIncompatibility{
		Reason:           "schema mismatch",
		ClientSchemaHash: &client,
		ServerSchemaHash: &server,
	}
	h := newTestGateway(t, srv)
	ts := httptest.NewServer(h)
	defer ts.Close()

	resp := openStream(t, ts, "client=c1&schema=7&token="+validToken(t))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, want 200", resp.StatusCode)
	}
	br := bufio.NewReader(resp.Body)

	f, err := readFrame(t, br)
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	if f.Type != backend.EventTypeClose {
		t.Fatalf("expected CLOSE, got %s", f.Type)
	}
	var inc backend.SchemaIncompatibility
	if err := json.Unmarshal(f.Payload, &inc); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if inc.Reason != "schema mismatch" || *inc.ClientSchemaHash != 7 || *inc.ServerSchemaHash != 42 {
		t.Fatalf("payload %+v", inc)
	}
	if _, err := readFrame(t, br); err != io.EOF && err != io.ErrUnexpectedEOF {
		t.Fatalf("expected stream end after CLOSE, got %v", err)
	}
}

func TestStreamClientDisconnectClosesConnection(t *testing.T) {
	srv := backendtest.NewServer(testTenant)
	h := newTestGateway(t, srv)
	ts := httptest.NewServer(h)
	defer ts.Close()

	resp := openStream(t, ts, "client=c1&token="+validToken(t))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, want 200", resp.StatusCode)
	}
	waitForListener(t, srv, "c1")

	resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := srv.GetConnection("c1"); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("connection still registered after client disconnect")
}

func TestStreamHeartbeat(t *testing.T) {
	srv := backendtest.NewServer(testTenant)
	cfg := Config{JWTSecret: testSecret, ProjectID: testTenant, HeartbeatInterval: 20 * time.Millisecond}
	h, err := New(context.Background(), cfg, WithBackendFactory(func(ctx context.Context, tenantID string) (backend.Server, error) {
		return srv, nil
	}))
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	t.Cleanup(func() { _ = h.Close(context.Background()) })
	ts := httptest.NewServer(h)
	defer ts.Close()

	resp := openStream(t, ts, "client=c1&token="+validToken(t))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, want 200", resp.StatusCode)
	}
	// Close the body before the deferred ts.Close runs; otherwise Close
	// blocks forever on the still-open stream (openStream's t.Cleanup
	// fires only after defers).
	defer resp.Body.Close()
	br := bufio.NewReader(resp.Body)

	f, err := readFrame(t, br)
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	if f.Type != backend.EventTypeHeartbeat {
		t.Fatalf("expected HEARTBEAT, got %s", f.Type)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{ProjectID: "p"}).validate(); err == nil {
		t.Fatalf("expected error without a secret")
	}
	if err := (Config{JWTSecret: "s"}).validate(); err == nil {
		t.Fatalf("expected error without a project id")
	}
	if err := (Config{JWTSecret: "s", ProjectID: "p"}).validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
