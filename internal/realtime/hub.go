package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/nao1215/bookclub/pkg/event"
	"github.com/nao1215/bookclub/pkg/logging"
	"github.com/nao1215/bookclub/pkg/middleware"
)

// ErrMissingUserID は通知先のユーザーIDが空であることを表す。
var ErrMissingUserID = errors.New("通知先のユーザーIDがありません")

// Hub は認証済みのWebSocket接続をユーザーごとに管理し、通知を配信する。
type Hub struct {
	cfg      Config
	verifier middleware.TokenVerifier
	logger   zerolog.Logger
	metrics  *metrics
	upgrader websocket.Upgrader

	mu sync.RWMutex
	// users はユーザーIDから認証済み接続の集合への対応。
	users map[string]map[*Client]struct{}
	// conns は認証前のものも含む全ての接続。
	conns  map[*Client]struct{}
	closed bool
}

func newHub(cfg Config, verifier middleware.TokenVerifier, cors *middleware.CORSPolicy, logger zerolog.Logger, m *metrics) *Hub {
	h := &Hub{
		cfg:      cfg,
		verifier: verifier,
		logger:   logger,
		metrics:  m,
		users:    make(map[string]map[*Client]struct{}),
		conns:    make(map[*Client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			if !cors.Allows(origin) {
				logger.Warn().Str("origin", origin).Msg("許可されていないオリジンからの接続を拒否しました")
				return false
			}
			return true
		},
	}
	return h
}

// ServeWS はHTTPリクエストをWebSocketにアップグレードし、接続の読み書きを開始する。
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgraderがエラーレスポンスを書き込み済み
		h.logger.Debug().Err(err).Msg("WebSocketへのアップグレードに失敗しました")
		return
	}

	c := newClient(h, conn)
	if !h.add(c) {
		c.closeWith(websocket.CloseGoingAway, reasonShutdown)
		return
	}
	c.logger.Debug().Str(logging.FieldClient, r.RemoteAddr).Msg("WebSocketが接続されました")

	go c.writeLoop()
	go c.readLoop()
}

// add は接続を登録する。ハブが停止済みの場合はfalseを返す。
func (h *Hub) add(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c] = struct{}{}
	return true
}

// authenticate は接続をユーザーに結び付ける。接続が既に外されているか、
// 既に認証済みの場合はfalseを返す。
func (h *Hub) authenticate(c *Client, userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; !ok || c.userID != "" {
		return false
	}
	c.userID = userID
	set, ok := h.users[userID]
	if !ok {
		set = make(map[*Client]struct{})
		h.users[userID] = set
	}
	set[c] = struct{}{}
	c.authed.Store(true)
	return true
}

// remove は接続をハブから外す。ユーザーの最後の接続であればユーザーも外す。
func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c)
	if c.userID == "" {
		return
	}
	if set, ok := h.users[c.userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.users, c.userID)
		}
	}
}

// Push はユーザーの全ての接続に通知を送り、送信キューに積めた接続の数を返す。
// 接続が無い場合は0を返す。
func (h *Hub) Push(userID string, data json.RawMessage) (int, error) {
	if userID == "" {
		return 0, ErrMissingUserID
	}
	frame, err := event.Notification(data)
	if err != nil {
		return 0, err
	}
	payload, err := frame.Encode()
	if err != nil {
		return 0, err
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.users[userID]))
	for c := range h.users[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if c.enqueue(outbound{data: payload}) {
			delivered++
			h.metrics.push.WithLabelValues("delivered").Inc()
			continue
		}
		h.metrics.push.WithLabelValues("dropped").Inc()
	}
	return delivered, nil
}

// Connections は接続数を返す。
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// ConnectedUsers は認証済みの接続を持つユーザーの数を返す。
func (h *Hub) ConnectedUsers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users)
}

// Run はctxが終わるまでハートビートを続け、終わったら全ての接続を閉じる。
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.close()
			return nil
		case <-ticker.C:
			h.heartbeat()
		}
	}
}

// heartbeat は前回のping以降pongの無い接続を切断し、残りの接続にpingを送る。
func (h *Hub) heartbeat() {
	for _, c := range h.snapshot() {
		if !c.alive.CompareAndSwap(true, false) {
			h.metrics.reaped.Inc()
			c.logger.Info().Msg("pongが返らないため接続を切断します")
			c.shutdown()
			continue
		}
		if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
			c.logger.Debug().Err(err).Msg("pingの送信に失敗しました")
			c.shutdown()
		}
	}
}

// close は新しい接続の受け付けを止め、全ての接続を閉じる。
func (h *Hub) close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	clients := h.snapshot()
	for _, c := range clients {
		c.closeWith(websocket.CloseGoingAway, reasonShutdown)
	}
	h.logger.Info().Int(logging.FieldCount, len(clients)).Msg("全てのWebSocketを閉じました")
}

func (h *Hub) snapshot() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients := make([]*Client, 0, len(h.conns))
	for c := range h.conns {
		clients = append(clients, c)
	}
	return clients
}
