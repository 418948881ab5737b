package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/nao1215/bookclub/pkg/event"
	"github.com/nao1215/bookclub/pkg/logging"
	"github.com/nao1215/bookclub/pkg/middleware"
)

const (
	// writeWait は1フレームの書き込みに許す時間。
	writeWait = 10 * time.Second
	// verifyTimeout はトークン検証に許す時間。
	verifyTimeout = 5 * time.Second
)

// auth-errorフレームのメッセージ。
const (
	msgAuthRequired = "Authentication required"
	msgInvalidToken = "Invalid token"
	msgTokenExpired = "Token expired. Please log in again."
)

// クローズフレームの理由。
const (
	reasonAuthFailed  = "authentication failed"
	reasonAuthTimeout = "authentication timeout"
	reasonShutdown    = "server shutting down"
)

// authState は読み込みgoroutineから見た認証の状態。
type authState int

const (
	stateAwaitingAuth authState = iota
	stateAuthenticated
	stateRejected
)

// outbound は書き込みgoroutineへ渡すメッセージ。
type outbound struct {
	data []byte
	// closeCode が0でなければdataの後にクローズフレームを送って接続を閉じる。
	closeCode   int
	closeReason string
}

// Client はハブに接続した1本のWebSocket。
type Client struct {
	conn   *websocket.Conn
	hub    *Hub
	logger zerolog.Logger

	// userID は認証成功時に一度だけ設定する。hub.muで保護する。
	userID string
	// authed はuserIDが設定済みかどうか。認証タイムアウトの判定に使う。
	authed atomic.Bool
	// alive は前回のping以降にpongを受け取ったかどうか。
	alive atomic.Bool

	send    chan outbound
	limiter *rate.Limiter

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:    conn,
		hub:     h,
		logger:  h.logger.With().Str(logging.FieldConnID, id).Logger(),
		send:    make(chan outbound, h.cfg.SendQueueSize),
		limiter: rate.NewLimiter(h.cfg.FrameRate, h.cfg.FrameBurst),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	c.alive.Store(true)
	return c
}

// readLoop は受信フレームを順に処理する。接続が切れるとハブから自身を外す。
func (c *Client) readLoop() {
	defer c.shutdown()

	authTimer := time.AfterFunc(c.hub.cfg.AuthTimeout, c.authTimeout)
	defer authTimer.Stop()

	c.conn.SetReadLimit(c.hub.cfg.MaxFrameBytes)
	c.conn.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})

	state := stateAwaitingAuth
	for {
		kind, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logDisconnect(err)
			return
		}
		if state == stateRejected {
			continue
		}
		if !c.limiter.Allow() {
			c.hub.metrics.framesDropped.WithLabelValues("rate").Inc()
			c.logger.Debug().Msg("受信レートの上限を超えたフレームを破棄しました")
			continue
		}
		if kind != websocket.TextMessage {
			c.hub.metrics.framesDropped.WithLabelValues("binary").Inc()
			c.logger.Warn().Int("message_type", kind).Msg("テキスト以外のフレームを無視しました")
			continue
		}
		frame, err := event.Parse(raw)
		if err != nil {
			c.hub.metrics.framesDropped.WithLabelValues("malformed").Inc()
			c.logger.Warn().Err(err).Msg("不正なフレームを無視しました")
			continue
		}

		if state == stateAwaitingAuth && frame.Type == event.TypeAuth {
			state = c.authenticate(frame.Token)
			if state == stateAuthenticated {
				authTimer.Stop()
			}
			continue
		}
		c.hub.metrics.framesDropped.WithLabelValues("ignored").Inc()
		c.logger.Debug().Str("type", string(frame.Type)).Msg("処理対象外のフレームを無視しました")
	}
}

// authenticate はトークンを検証し、成功すればハブにユーザーとして登録する。
func (c *Client) authenticate(token string) authState {
	v := middleware.Verification{Err: middleware.ErrTokenMissing}
	if token != "" {
		ctx, cancel := context.WithTimeout(c.ctx, verifyTimeout)
		v = c.hub.verifier.Verify(ctx, token)
		cancel()
	}

	if !v.Valid {
		c.hub.metrics.auth.WithLabelValues("failure").Inc()
		c.logger.Info().Err(v.Err).Msg("WebSocketの認証に失敗しました")
		frame, err := event.AuthError(authFailureMessage(v.Err)).Encode()
		if err != nil {
			c.closeWith(websocket.ClosePolicyViolation, reasonAuthFailed)
			return stateRejected
		}
		c.enqueue(outbound{
			data:        frame,
			closeCode:   websocket.ClosePolicyViolation,
			closeReason: reasonAuthFailed,
		})
		return stateRejected
	}

	// 検証中に接続が閉じられていれば何もしない
	if !c.hub.authenticate(c, v.Identity.UserID) {
		return stateRejected
	}
	c.hub.metrics.auth.WithLabelValues("success").Inc()
	c.logger.Info().Str(logging.FieldUserID, v.Identity.UserID).Msg("WebSocketの認証に成功しました")

	frame, err := (&event.Frame{Type: event.TypeAuthSuccess}).Encode()
	if err == nil {
		c.enqueue(outbound{data: frame})
	}
	return stateAuthenticated
}

// authTimeout は認証されないまま猶予を過ぎた接続を閉じる。
func (c *Client) authTimeout() {
	if c.authed.Load() {
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	c.hub.metrics.auth.WithLabelValues("timeout").Inc()
	c.logger.Info().Dur("auth_timeout", c.hub.cfg.AuthTimeout).Msg("認証されないまま猶予を過ぎたため切断します")
	c.closeWith(websocket.ClosePolicyViolation, reasonAuthTimeout)
}

// authFailureMessage は検証失敗の理由からクライアントへ返すメッセージを選ぶ。
func authFailureMessage(err error) string {
	switch {
	case errors.Is(err, middleware.ErrTokenMissing):
		return msgAuthRequired
	case errors.Is(err, middleware.ErrTokenExpired):
		return msgTokenExpired
	default:
		return msgInvalidToken
	}
}

// writeLoop はこの接続への唯一のデータフレームの書き込み手。
func (c *Client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if msg.data != nil {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
					c.logger.Debug().Err(err).Msg("フレームの送信に失敗しました")
					c.shutdown()
					return
				}
			}
			if msg.closeCode != 0 {
				c.closeWith(msg.closeCode, msg.closeReason)
				return
			}
		}
	}
}

// enqueue は送信キューにメッセージを積む。キューが一杯の場合は遅い接続として閉じる。
func (c *Client) enqueue(msg outbound) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	default:
		// 書き込みがふさがっている接続にはクローズフレームも送れないので直ちに切る
		c.logger.Warn().Int("queue_size", cap(c.send)).Msg("送信キューが一杯のため接続を切断します")
		c.shutdown()
		return false
	}
}

// closeWith はクローズフレームを送ってから接続を閉じる。
func (c *Client) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		c.logger.Debug().Err(err).Msg("クローズフレームの送信に失敗しました")
	}
	c.shutdown()
}

// shutdown は接続を閉じてハブから外す。何度呼んでもよい。
func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.done)
		_ = c.conn.Close()
		c.hub.remove(c)
	})
}

// logDisconnect は切断の理由をログに残す。
func (c *Client) logDisconnect(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.hub.metrics.framesDropped.WithLabelValues("too_large").Inc()
		c.logger.Warn().Int64(logging.FieldLimit, c.hub.cfg.MaxFrameBytes).Msg("上限を超えるフレームを受信したため切断しました")
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		c.logger.Debug().Msg("WebSocketが閉じられました")
	default:
		c.logger.Debug().Err(err).Msg("WebSocketが切断されました")
	}
}
