package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/nao1215/bookclub/pkg/event"
	"github.com/nao1215/bookclub/pkg/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	// testJWTSecret はテスト用のJWT署名秘密鍵。
	testJWTSecret = "realtime-test-secret"
	// testOrigin はテストで許可するオリジン。
	testOrigin = "http://localhost:3000"
	// testInternalKey はテスト用の内部APIキー。
	testInternalKey = "internal-test-key"
	// readWait はテストで1フレームを待つ時間。
	readWait = 2 * time.Second
)

// testConfig はテスト用の設定を返す。ハートビートは実質的に止めておく。
func testConfig() Config {
	return Config{
		Port:           "0",
		JWTSecret:      testJWTSecret,
		AllowedOrigins: []string{testOrigin},
		InternalAPIKey: testInternalKey,
		WSPath:         "/ws",
		PingInterval:   time.Hour,
		AuthTimeout:    5 * time.Second,
		MaxFrameBytes:  64 << 10,
		SendQueueSize:  16,
		FrameRate:      rate.Inf,
		FrameBurst:     1,
	}
}

// testHub はテスト用に起動した通知ハブ。
type testHub struct {
	server *Server
	http   *httptest.Server
}

// newTestHub は設定から通知ハブを起動する。ハートビートもテスト終了まで動かす。
func newTestHub(t *testing.T, cfg Config) *testHub {
	t.Helper()

	s, err := NewServer(cfg, zerolog.Nop(), middleware.NewJWTVerifier(cfg.JWTSecret))
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Hub().Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &testHub{server: s, http: srv}
}

// dial はWebSocketで接続する。
func (h *testHub) dial(t *testing.T, header http.Header) *websocket.Conn {
	t.Helper()

	conn, resp, err := h.tryDial(header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (h *testHub) tryDial(header http.Header) (*websocket.Conn, *http.Response, error) {
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + h.server.cfg.WSPath
	return websocket.DefaultDialer.Dial(url, header)
}

// connect は接続して認証まで済ませる。
func (h *testHub) connect(t *testing.T, userID string) *websocket.Conn {
	t.Helper()

	conn := h.dial(t, nil)
	writeFrame(t, conn, event.Frame{Type: event.TypeAuth, Token: signToken(t, userID, time.Hour)})
	require.Equal(t, event.TypeAuthSuccess, readFrame(t, conn).Type)
	return conn
}

// notify は内部APIで通知を送る。
func (h *testHub) notify(t *testing.T, body, key string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, h.http.URL+"/internal/notify", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(middleware.HeaderInternalKey, key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// get はGETリクエストを送ってボディを返す。
func (h *testHub) get(t *testing.T, path string) (int, []byte) {
	t.Helper()

	resp, err := http.Get(h.http.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func writeFrame(t *testing.T, conn *websocket.Conn, f event.Frame) {
	t.Helper()

	b, err := json.Marshal(f)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, b))
}

func readFrame(t *testing.T, conn *websocket.Conn) *event.Frame {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readWait)))
	kind, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, kind)
	f, err := event.Parse(raw)
	require.NoError(t, err)
	return f
}

// readClose は次の読み込みがクローズフレームで終わることを確認し、そのコードと理由を返す。
func readClose(t *testing.T, conn *websocket.Conn) *websocket.CloseError {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readWait)))
	_, raw, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr, "クローズ以外を受信した: %s", raw)
	return closeErr
}

// signToken はuserIDのトークンを発行する。ttlが負の場合は期限切れのトークンになる。
func signToken(t *testing.T, userID string, ttl time.Duration) string {
	t.Helper()

	now := time.Now()
	token, err := middleware.SignJWT(testJWTSecret, middleware.JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now.Add(min(ttl, 0) - time.Minute)),
		},
		UserID: userID,
		Email:  userID + "@example.com",
	})
	require.NoError(t, err)
	return token
}

// metricsBody は/metricsの出力を返す。
func (h *testHub) metricsBody(t *testing.T) string {
	t.Helper()

	status, body := h.get(t, "/metrics")
	require.Equal(t, http.StatusOK, status)
	return string(bytes.TrimSpace(body))
}
