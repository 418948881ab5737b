// リアルタイム通知ハブのエントリポイント。
// WebSocketで接続したユーザーに、バックエンドサービスからの通知を即時に届ける。
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/nao1215/bookclub/internal/realtime"
	"github.com/nao1215/bookclub/pkg/logging"
	"github.com/nao1215/bookclub/pkg/middleware"
)

func main() {
	logCfg, err := logging.ConfigFromEnv()
	if err != nil {
		fallback := zerolog.New(os.Stderr)
		fallback.Fatal().Err(err).Msg("ログ設定の読み込みに失敗")
	}
	logger := logging.New(logCfg).With().Str(logging.FieldService, "realtime").Logger()

	cfg, err := realtime.LoadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("設定の読み込みに失敗")
	}

	server, err := realtime.NewServer(cfg, logger, middleware.NewJWTVerifier(cfg.JWTSecret))
	if err != nil {
		logger.Fatal().Err(err).Msg("リアルタイム通知ハブの初期化に失敗")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("リアルタイム通知ハブが異常終了しました")
		stop()
		os.Exit(1)
	}
}
