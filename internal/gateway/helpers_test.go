package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/bookclub/pkg/apperror"
	"github.com/nao1215/bookclub/pkg/middleware"
	"github.com/nao1215/bookclub/pkg/ratelimit"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testJWTSecret はテスト用のJWT署名秘密鍵。
const testJWTSecret = "gateway-test-secret"

// testOrigin はテストで許可するオリジン。
const testOrigin = "http://localhost:3000"

// testRoutes はテスト用のルートテーブル。
const testRoutes = `
services:
  - name: books
    env: BOOKS_URL
  - name: user
    env: USER_URL
  - name: collab
    env: COLLAB_URL
routes:
  - prefix: /v1/auth
    service: user
    auth: none
    rewrite:
      pattern: ^/v1/auth
      replacement: /api/auth
  - prefix: /v1/books
    service: books
    auth: optional
  - prefix: /v1/clubs
    service: books
    auth: required
    rewrite:
      pattern: ^/v1
      replacement: /api
  - prefix: /v1/collab
    service: collab
    auth: required
timeouts:
  transfer_pattern: /uploads?(/|$)
  report_pattern: /reports?(/|$)
`

// syncBuffer は複数のgoroutineから書き込まれるログを保持する。
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// captured は背後のサービスが受け取ったリクエスト。
type captured struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     string
}

// backend はリクエストを記録するテスト用の背後のサービス。
type backend struct {
	*httptest.Server

	mu       sync.Mutex
	requests []captured
}

// newBackend はテスト用の背後のサービスを起動する。handlerがnilの場合は200で{"ok":true}を返す。
func newBackend(t *testing.T, handler http.HandlerFunc) *backend {
	t.Helper()

	b := &backend{}
	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		b.mu.Lock()
		b.requests = append(b.requests, captured{
			Method:   r.Method,
			Path:     r.URL.Path,
			RawQuery: r.URL.RawQuery,
			Header:   r.Header.Clone(),
			Body:     string(body),
		})
		b.mu.Unlock()

		if handler != nil {
			handler(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(b.Close)
	return b
}

func (b *backend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

func (b *backend) last(t *testing.T) captured {
	t.Helper()

	b.mu.Lock()
	defer b.mu.Unlock()
	require.NotEmpty(t, b.requests, "背後のサービスにリクエストが届いていない")
	return b.requests[len(b.requests)-1]
}

// testGateway はテスト用に起動したゲートウェイ。
type testGateway struct {
	server *Server
	http   *httptest.Server
	logs   *syncBuffer
}

// testConfig はテスト用の設定を返す。servicesはサービスURLの環境変数名と値。
func testConfig(t *testing.T, services map[string]string) Config {
	t.Helper()

	routes, err := ParseRouteFile([]byte(testRoutes))
	require.NoError(t, err)

	cfg := Config{
		Port:           "0",
		JWTSecret:      testJWTSecret,
		AllowedOrigins: []string{testOrigin},
		RateLimits: []ratelimit.Policy{
			{Name: "general", PathPrefix: "/", Limit: 1000, Window: time.Hour},
		},
		Timeouts: TimeoutConfig{
			Default:  2 * time.Second,
			Transfer: 5 * time.Second,
			Report:   3 * time.Second,
		},
		MaxBodyBytes: 1024,
		Routes:       routes,
		Lookup:       func(key string) string { return services[key] },
	}
	require.NoError(t, cfg.Timeouts.compile(routes.Timeouts))
	return cfg
}

// newTestGateway は設定とカウンタの保存先からゲートウェイを起動する。
func newTestGateway(t *testing.T, cfg Config, store ratelimit.Store) *testGateway {
	t.Helper()

	if store == nil {
		store = ratelimit.NewMemoryStore(1000, time.Hour)
	}
	logs := &syncBuffer{}
	logger := zerolog.New(logs).Level(zerolog.DebugLevel)

	s, err := NewServer(cfg, logger, store, middleware.NewJWTVerifier(cfg.JWTSecret))
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testGateway{server: s, http: srv, logs: logs}
}

// do はゲートウェイにリクエストを送信する。
func (g *testGateway) do(t *testing.T, method, path string, body io.Reader, header map[string]string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, g.http.URL+path, body)
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := g.http.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// decodeError はエラーレスポンスのボディを厳密に1つのJSONとして読む。
func decodeError(t *testing.T, resp *http.Response) apperror.Response {
	t.Helper()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var body apperror.Response
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	require.NoError(t, dec.Decode(&body), "body=%s", raw)
	require.False(t, dec.More(), "レスポンスボディに余分なデータがある: %s", raw)
	return body
}

// signToken はテスト用のトークンを生成する。
func signToken(t *testing.T, userID string, expiresIn time.Duration) string {
	t.Helper()

	token, err := middleware.SignJWT(testJWTSecret, middleware.JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn))},
		UserID:           userID,
		Email:            userID + "@example.com",
		Name:             "読書会メンバー",
	})
	require.NoError(t, err)
	return token
}
