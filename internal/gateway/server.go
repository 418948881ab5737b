package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/bookclub/pkg/httpclient"
	"github.com/nao1215/bookclub/pkg/logging"
	"github.com/nao1215/bookclub/pkg/middleware"
	"github.com/nao1215/bookclub/pkg/ratelimit"
)

// shutdownTimeout はグレースフルシャットダウンの待ち時間。
const shutdownTimeout = 15 * time.Second

// Server はAPI GatewayサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg はサーバーの設定。
	cfg Config
	// logger はコンポーネント名を付与したロガー。
	logger zerolog.Logger
	// routes は起動時に構築したルートテーブル。
	routes *RouteTable
	// limiter はレート制限の判定を行う。
	limiter *ratelimit.Limiter
	// verifier はBearerトークンを検証する。
	verifier middleware.TokenVerifier
	// cors はCORSの許可リスト。
	cors *middleware.CORSPolicy
	// proxy は背後のサービスへのリバースプロキシ。
	proxy *httputil.ReverseProxy
	// probes はヘルスチェック用のクライアント。
	probes map[string]*httpclient.Client
	// metrics はPrometheusメトリクス。
	metrics *metrics

	// front はゲートウェイ自身のエンドポイントを含む全リクエストに適用するステージ。
	front []Stage
	// stages は転送するリクエストに適用するステージ。
	stages []Stage

	now func() time.Time
}

// NewServer は新しいGatewayサーバーを生成する。
func NewServer(cfg Config, logger zerolog.Logger, store ratelimit.Store, verifier middleware.TokenVerifier) (*Server, error) {
	if cfg.Routes == nil {
		return nil, errors.New("ルートテーブルが設定されていません")
	}
	if cfg.Lookup == nil {
		return nil, errors.New("サービスURLの参照方法が設定されていません")
	}
	if cfg.MaxBodyBytes <= 0 {
		return nil, errors.New("ボディサイズの上限が不正です")
	}
	logger = logging.ForComponent(logger, "gateway")

	registry := ResolveServices(cfg.Routes.Services, cfg.Lookup, logger)
	routes, err := NewRouteTable(cfg.Routes, registry, logger)
	if err != nil {
		return nil, err
	}

	router := gin.New()
	if err := router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("信頼するプロキシの設定に失敗: %w", err)
	}

	transport := newTransport()
	s := &Server{
		router:   router,
		cfg:      cfg,
		logger:   logger,
		routes:   routes,
		limiter:  ratelimit.NewLimiter(store, "gateway"),
		verifier: verifier,
		cors:     middleware.NewCORSPolicy(cfg.AllowedOrigins),
		probes:   newProbes(registry, transport),
		metrics:  newMetrics(),
		now:      time.Now,
	}
	s.proxy = s.newReverseProxy(transport)
	s.front = []Stage{
		{Name: "sanitize", Run: s.sanitizeStage},
		{Name: "request-id", Run: s.requestIDStage},
		{Name: "cors", Run: s.corsStage},
	}
	s.stages = []Stage{
		{Name: "timeout", Run: s.timeoutStage},
		{Name: "rate-limit", Run: s.rateLimitStage},
		{Name: "log-request", Run: s.logRequestStage},
		{Name: "resolve", Run: s.resolveStage},
		{Name: "authenticate", Run: s.authenticateStage},
		{Name: "forward", Run: s.forwardStage},
	}
	s.setupRoutes()

	logger.Info().
		Int("routes", len(routes.Rules())).
		Int("services", len(registry)).
		Msg("ルートテーブルを構築しました")
	return s, nil
}

// setupRoutes はルーティングを設定する。
// ゲートウェイ自身のエンドポイント以外はすべてパイプラインを通して転送する。
func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recovery(s.logger))
	s.router.Use(s.entry())

	s.router.GET("/health", s.handleHealth())
	s.router.GET("/health/services", s.handleServicesHealth())
	s.router.GET("/metrics", gin.WrapH(s.metrics.handler()))

	s.router.NoRoute(s.handleForward())
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// entry は全リクエストに共通のステージを実行し、完了時にアクセスログとメトリクスを記録する。
func (s *Server) entry() gin.HandlerFunc {
	return func(c *gin.Context) {
		ex := exchangeFrom(c, s.logger)
		// 転送中の中断でhttp.ErrAbortHandlerのパニックが起きても完了を記録する
		defer s.finish(ex)
		if !runStages(ex, s.front) {
			c.Next()
		}
	}
}

// handleForward は転送対象のリクエストをパイプラインに通すハンドラを返す。
func (s *Server) handleForward() gin.HandlerFunc {
	return func(c *gin.Context) {
		ex := exchangeFrom(c, s.logger)
		runStages(ex, s.stages)
	}
}

// finish はレスポンスの完了をログとメトリクスに記録する。
func (s *Server) finish(ex *Exchange) {
	c := ex.c
	status := c.Writer.Status()
	elapsed := time.Since(ex.ReceivedAt)

	route := "unmatched"
	switch {
	case ex.Rule != nil:
		route = ex.Rule.Prefix
	case c.FullPath() != "":
		route = c.FullPath()
	}
	s.metrics.requests.WithLabelValues(route, fmt.Sprint(status)).Inc()
	s.metrics.duration.WithLabelValues(route).Observe(elapsed.Seconds())

	ex.logger.WithLevel(logLevelFor(status)).
		Str(logging.FieldMethod, c.Request.Method).
		Str(logging.FieldPath, c.Request.URL.Path).
		Str(logging.FieldRoute, route).
		Int(logging.FieldStatus, status).
		Int64(logging.FieldDuration, elapsed.Milliseconds()).
		Int(logging.FieldBytes, c.Writer.Size()).
		Msg("リクエストの処理が完了しました")
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるとグレースフルシャットダウンする。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info().Str(logging.FieldAddr, srv.Addr).Msg("Gatewayサービスを起動します")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("Gatewayサービスの起動に失敗: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.logger.Info().Msg("Gatewayサービスを停止します")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// NewRateLimitStore はレート制限カウンタの保存先を生成する。redisURLが空の場合は
// プロセス内に保持する。返す関数で接続を閉じる。
func NewRateLimitStore(ctx context.Context, redisURL string, policies []ratelimit.Policy) (ratelimit.Store, func() error, error) {
	if redisURL == "" {
		var ttl time.Duration
		for _, p := range policies {
			ttl = max(ttl, p.Window)
		}
		return ratelimit.NewMemoryStore(100_000, ttl), func() error { return nil }, nil
	}
	client, err := ratelimit.NewRedisClient(ctx, redisURL)
	if err != nil {
		return nil, nil, err
	}
	return ratelimit.NewRedisStore(client), client.Close, nil
}
