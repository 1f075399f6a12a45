// Package integration provides a reusable test harness for end-to-end
// integration testing of the pulse coordinator. It starts a full HTTP server
// with the websocket endpoint, the producer API, a record store and a test
// JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/pulse/internal/config"
	"github.com/pitabwire/pulse/internal/coordinator"
	"github.com/pitabwire/pulse/internal/durable"
	"github.com/pitabwire/pulse/internal/transport"
)

// TestHarness encapsulates a fully wired coordinator for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Service *coordinator.Service
	Records durable.RecordStore

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	records        durable.RecordStore
	redis          *miniredis.Miniredis
	handlerTimeout time.Duration
	sendQueueSize  int
	issuer         *tokenIssuer
}

// WithRedisStore mirrors records into the given miniredis server. Sharing
// one server between harnesses simulates a process restart.
func WithRedisStore(mr *miniredis.Miniredis) HarnessOption {
	return func(c *harnessConfig) {
		c.redis = mr
	}
}

// WithRecordStore sets the durable record store.
func WithRecordStore(store durable.RecordStore) HarnessOption {
	return func(c *harnessConfig) {
		c.records = store
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithSendQueueSize sets the per-connection outbound queue size.
func WithSendQueueSize(n int) HarnessOption {
	return func(c *harnessConfig) {
		c.sendQueueSize = n
	}
}

// withIssuer reuses a token issuer so tokens stay valid across harnesses.
func withIssuer(ti *tokenIssuer) HarnessOption {
	return func(c *harnessConfig) {
		c.issuer = ti
	}
}

// NewTestHarness creates and starts a full coordinator test instance. The
// server is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		sendQueueSize:  256,
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{t: t}

	// Step 1: Create JWT issuer.
	h.issuer = hc.issuer
	if h.issuer == nil {
		h.issuer = newTokenIssuer(t)
	}

	// Step 2: Build record store.
	switch {
	case hc.records != nil:
		h.Records = hc.records
	case hc.redis != nil:
		client := redis.NewClient(&redis.Options{Addr: hc.redis.Addr()})
		h.Records = durable.NewRedisRecordStore(client, "pulse")
	default:
		h.Records = durable.NewMemoryRecordStore()
	}
	t.Cleanup(func() { h.Records.Close() })

	// Step 3: Build config.
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.WebSocket.SendQueueSize = hc.sendQueueSize
	h.cfg.Identity = config.IdentityConfig{
		Issuer:       h.issuer.Issuer(),
		Audience:     h.issuer.Audience(),
		JWKSURL:      h.issuer.JWKSURL(),
		JWKSCacheTTL: time.Hour,
		Algorithms:   []string{"RS256"},
		TenantClaim:  "tenant_id",
		OperatorRole: "operator",
	}
	h.cfg.Sync.InitialInterval = 5 * time.Millisecond
	h.cfg.Sync.MaxInterval = 20 * time.Millisecond
	h.cfg.Sync.MaxElapsedTime = 100 * time.Millisecond
	h.cfg.Sync.FailureThreshold = 3
	h.cfg.Sync.OpenTimeout = time.Second
	h.cfg.Observability.Metrics.Enabled = false

	// Step 4: Wire the coordinator and the router with the full middleware
	// chain.
	jwks := transport.NewJWKSClient(h.cfg.Identity.JWKSURL, h.cfg.Identity.JWKSCacheTTL)
	h.Service = coordinator.New(coordinator.Dependencies{
		Config:   h.cfg,
		Records:  h.Records,
		Verifier: transport.NewJWTVerifier(h.cfg.Identity, jwks),
	})

	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Service:      h.Service,
		Authenticate: transport.JWTAuthenticator(h.cfg.Identity, jwks),
		DurableStore: h.Records,
	})

	// Step 5: Start test server. Cleanups run in reverse, so the service
	// drops its connections before the server closes.
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.Service.Close(ctx)
	})

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// GenerateForgedToken creates a JWT signed by an unpublished key.
func (h *TestHarness) GenerateForgedToken(claims TestClaims) string {
	return h.issuer.GenerateForgedToken(claims)
}

// Restart starts a second harness that shares this harness's token issuer
// plus the given options, as if the process had restarted.
func (h *TestHarness) Restart(opts ...HarnessOption) *TestHarness {
	h.t.Helper()
	return NewTestHarness(h.t, append(opts, withIssuer(h.issuer))...)
}

// --- HTTP client helpers ---

// CampaignPath returns the producer API path for a campaign.
func CampaignPath(tenantID, campaignID string) string {
	return fmt.Sprintf("/api/v1/tenants/%s/campaigns/%s", tenantID, campaignID)
}

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token)
}

// MustPOST performs a POST and fails the test unless it returns 204.
func (h *TestHarness) MustPOST(path string, body any, token string) {
	h.t.Helper()
	resp := h.POST(path, body, token)
	h.AssertStatus(h.t, resp, http.StatusNoContent)
	resp.Body.Close()
}

func (h *TestHarness) doRequest(method, path string, body any, token string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertErrorCode checks the status and the error envelope code.
func (h *TestHarness) AssertErrorCode(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	h.AssertJSON(t, resp, status, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q", body.Error.Code, code)
	}
}

// --- Observer client ---

// Frame is a decoded server frame.
type Frame map[string]any

// Str returns a string field.
func (f Frame) Str(key string) string {
	s, _ := f[key].(string)
	return s
}

// Num returns a numeric field.
func (f Frame) Num(key string) float64 {
	n, _ := f[key].(float64)
	return n
}

// Observer is a websocket client connected to the harness.
type Observer struct {
	t            *testing.T
	conn         *websocket.Conn
	ConnectionID string
}

// Connect opens an observer connection and consumes the connected frame.
func (h *TestHarness) Connect() *Observer {
	h.t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + h.cfg.WebSocket.Path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		h.t.Fatalf("dial %s: %v", url, err)
	}
	h.t.Cleanup(func() { conn.Close() })

	o := &Observer{t: h.t, conn: conn}
	o.ConnectionID = o.Expect("connected").Str("connectionId")
	return o
}

// Send writes a client frame.
func (o *Observer) Send(f map[string]any) {
	o.t.Helper()
	if err := o.conn.WriteJSON(f); err != nil {
		o.t.Fatalf("write frame: %v", err)
	}
}

// Read returns the next frame or the read error.
func (o *Observer) Read(wait time.Duration) (Frame, error) {
	_ = o.conn.SetReadDeadline(time.Now().Add(wait))
	_, data, err := o.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode %s: %w", data, err)
	}
	return f, nil
}

// Next returns the next frame, failing after two seconds.
func (o *Observer) Next() Frame {
	o.t.Helper()
	f, err := o.Read(2 * time.Second)
	if err != nil {
		o.t.Fatalf("read frame: %v", err)
	}
	return f
}

// Expect returns the next frame, failing unless it has the given type.
func (o *Observer) Expect(typ string) Frame {
	o.t.Helper()
	f := o.Next()
	if f.Str("type") != typ {
		o.t.Fatalf("frame type = %q (%v), want %q", f.Str("type"), f, typ)
	}
	return f
}

// ExpectNone fails if any frame arrives within wait.
func (o *Observer) ExpectNone(wait time.Duration) {
	o.t.Helper()
	if f, err := o.Read(wait); err == nil {
		o.t.Fatalf("unexpected frame %v", f)
	}
}

// Authenticate sends an authenticate frame and returns the reply.
func (o *Observer) Authenticate(tenantID, token string) Frame {
	o.t.Helper()
	o.Send(map[string]any{"type": "authenticate", "tenantId": tenantID, "token": token})
	return o.Next()
}

// Subscribe sends a subscribe frame and returns the reply.
func (o *Observer) Subscribe(tenantID, campaignID string) Frame {
	o.t.Helper()
	o.Send(map[string]any{"type": "subscribe", "tenantId": tenantID, "campaignId": campaignID})
	return o.Next()
}

// Close closes the connection from the client side.
func (o *Observer) Close() {
	o.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	o.conn.Close()
}

// --- Default test claims ---

// ProducerClaims returns TestClaims for a stage producer of the tenant.
func ProducerClaims(tenantID string) TestClaims {
	return TestClaims{
		SubjectID: "svc-producer",
		TenantID:  tenantID,
		Roles:     []string{"producer"},
	}
}

// ObserverClaims returns TestClaims for a dashboard user of the tenant.
func ObserverClaims(tenantID string) TestClaims {
	return TestClaims{
		SubjectID: "user-" + tenantID,
		TenantID:  tenantID,
		Roles:     []string{"viewer"},
	}
}

// OperatorClaims returns TestClaims for a platform operator.
func OperatorClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-operator",
		TenantID:  "platform",
		Roles:     []string{"operator"},
	}
}

// --- Helpers ---

// Watch connects an observer, authenticates it for tenantID and subscribes
// it to campaignID. It returns the observer and its snapshot frame.
func (h *TestHarness) Watch(tenantID, campaignID string) (*Observer, Frame) {
	h.t.Helper()
	o := h.Connect()
	if f := o.Authenticate(tenantID, h.GenerateToken(ObserverClaims(tenantID))); f.Str("type") != "authenticated" {
		h.t.Fatalf("authenticate: %v", f)
	}
	snap := o.Subscribe(tenantID, campaignID)
	if snap.Str("type") != "snapshot" {
		h.t.Fatalf("subscribe: %v", snap)
	}
	return o, snap
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
