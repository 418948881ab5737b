package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/bookclub/pkg/apperror"
	"github.com/nao1215/bookclub/pkg/event"
	"github.com/nao1215/bookclub/pkg/logging"
	"github.com/nao1215/bookclub/pkg/middleware"
)

// msgInvalidBody は不正な通知要求に返すメッセージ。
const msgInvalidBody = "Invalid request body"

// shutdownTimeout はグレースフルシャットダウンの待ち時間。
const shutdownTimeout = 15 * time.Second

// Health は/healthのレスポンス。接続数は目安であり厳密ではない。
type Health struct {
	Status         string `json:"status"`
	Service        string `json:"service"`
	ConnectedUsers int    `json:"connected_users"`
	Connections    int    `json:"connections"`
}

// Server はリアルタイム通知ハブのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg はサーバーの設定。
	cfg Config
	// logger はコンポーネント名を付与したロガー。
	logger zerolog.Logger
	// hub はWebSocket接続を管理する。
	hub *Hub
	// cors はHTTPエンドポイントとWebSocketのOriginチェックで共有する許可リスト。
	cors *middleware.CORSPolicy
	// metrics はPrometheusメトリクス。
	metrics *metrics
}

// NewServer は新しい通知ハブサーバーを生成する。
func NewServer(cfg Config, logger zerolog.Logger, verifier middleware.TokenVerifier) (*Server, error) {
	switch {
	case cfg.PingInterval <= 0:
		return nil, errors.New("ハートビートの間隔が不正です")
	case cfg.AuthTimeout <= 0:
		return nil, errors.New("認証の猶予が不正です")
	case cfg.MaxFrameBytes <= 0:
		return nil, errors.New("フレームサイズの上限が不正です")
	case cfg.SendQueueSize <= 0:
		return nil, errors.New("送信キューの長さが不正です")
	case cfg.WSPath == "":
		return nil, errors.New("WebSocketのパスが設定されていません")
	}
	logger = logging.ForComponent(logger, "realtime")

	m := newMetrics()
	cors := middleware.NewCORSPolicy(cfg.AllowedOrigins)
	hub := newHub(cfg, verifier, cors, logger, m)
	m.observe(hub)

	s := &Server{
		router:  gin.New(),
		cfg:     cfg,
		logger:  logger,
		hub:     hub,
		cors:    cors,
		metrics: m,
	}
	s.setupRoutes()
	return s, nil
}

// setupRoutes はルーティングを設定する。
func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recovery(s.logger))
	s.router.Use(middleware.CORS(s.cors))
	s.router.Use(middleware.AssignRequestID())

	s.router.GET(s.cfg.WSPath, gin.WrapF(s.hub.ServeWS))
	s.router.GET("/health", s.handleHealth())
	s.router.GET("/metrics", gin.WrapH(s.metrics.handler()))

	internal := s.router.Group("/internal")
	internal.Use(middleware.InternalKey(s.cfg.InternalAPIKey))
	internal.POST("/notify", s.handleNotify())
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub は接続を管理するハブを返す。
func (s *Server) Hub() *Hub {
	return s.hub
}

// handleHealth はハブのヘルスチェックを返すハンドラを返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, Health{
			Status:         "ok",
			Service:        "realtime",
			ConnectedUsers: s.hub.ConnectedUsers(),
			Connections:    s.hub.Connections(),
		})
	}
}

// handleNotify はバックエンドサービスからの通知要求を受けてユーザーへ配信するハンドラを返す。
// 接続が無いユーザーへの通知は配信数0として成功を返す。
func (s *Server) handleNotify() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := middleware.RequestID(c)

		var req event.NotifyRequest
		if err := c.ShouldBindJSON(&req); err != nil || string(req.Data) == "null" {
			s.logger.Debug().Str(logging.FieldRequestID, requestID).Err(err).Msg("通知要求が不正です")
			apperror.Write(c, apperror.Safe(http.StatusBadRequest, msgInvalidBody), requestID)
			return
		}

		delivered, err := s.hub.Push(req.UserID, req.Data)
		if err != nil {
			s.logger.Debug().Str(logging.FieldRequestID, requestID).Err(err).Msg("通知を配信できません")
			apperror.Write(c, apperror.Safe(http.StatusBadRequest, msgInvalidBody), requestID)
			return
		}

		s.logger.Info().
			Str(logging.FieldRequestID, requestID).
			Str(logging.FieldUserID, req.UserID).
			Int(logging.FieldCount, delivered).
			Msg("通知を配信しました")
		c.JSON(http.StatusOK, event.NotifyResponse{Delivered: delivered})
	}
}

// Run はHTTPサーバーとハートビートを起動し、ctxがキャンセルされるとグレースフルシャットダウンする。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info().Str(logging.FieldAddr, srv.Addr).Str(logging.FieldPath, s.cfg.WSPath).Msg("リアルタイム通知ハブを起動します")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("リアルタイム通知ハブの起動に失敗: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return s.hub.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.logger.Info().Msg("リアルタイム通知ハブを停止します")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
