// API Gatewayサービスのエントリポイント。
// クライアントからのリクエストを検証・認証し、パスに応じて背後のサービスへ転送する。
// 外部からアクセス可能な唯一のHTTPの入口であり、セキュリティの境界線となる。
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/nao1215/bookclub/internal/gateway"
	"github.com/nao1215/bookclub/pkg/logging"
	"github.com/nao1215/bookclub/pkg/middleware"
)

func main() {
	logCfg, err := logging.ConfigFromEnv()
	if err != nil {
		fallback := zerolog.New(os.Stderr)
		fallback.Fatal().Err(err).Msg("ログ設定の読み込みに失敗")
	}
	logger := logging.New(logCfg).With().Str(logging.FieldService, "gateway").Logger()

	cfg, err := gateway.LoadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("設定の読み込みに失敗")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := gateway.NewRateLimitStore(ctx, cfg.RedisURL, cfg.RateLimits)
	if err != nil {
		logger.Fatal().Err(err).Msg("レート制限の保存先の初期化に失敗")
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn().Err(err).Msg("レート制限の保存先のクローズに失敗")
		}
	}()

	server, err := gateway.NewServer(cfg, logger, store, middleware.NewJWTVerifier(cfg.JWTSecret))
	if err != nil {
		logger.Fatal().Err(err).Msg("Gatewayサーバーの初期化に失敗")
	}

	if err := server.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("Gatewayサービスが異常終了しました")
		stop()
		os.Exit(1)
	}
}
