package realtime

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nao1215/bookclub/pkg/envconfig"
)

// Config はリアルタイム通知ハブの設定。
type Config struct {
	// Port はリッスンポート。
	Port string
	// JWTSecret はトークン検証用の秘密鍵。
	JWTSecret string
	// AllowedOrigins はWebSocket接続を許可するオリジン。
	AllowedOrigins []string
	// InternalAPIKey は内部APIの共有キー。空の場合は内部APIを無効にする。
	InternalAPIKey string
	// WSPath はWebSocketのエンドポイント。
	WSPath string
	// PingInterval はハートビートの間隔。
	PingInterval time.Duration
	// AuthTimeout は接続から認証完了までの猶予。
	AuthTimeout time.Duration
	// MaxFrameBytes は受信フレームの最大サイズ。
	MaxFrameBytes int64
	// SendQueueSize は接続ごとの送信キューの長さ。
	SendQueueSize int
	// FrameRate は接続ごとに1秒あたり受け付けるフレーム数。
	FrameRate rate.Limit
	// FrameBurst はFrameRateを超えて一度に受け付けるフレーム数。
	FrameBurst int
}

// LoadConfig は環境変数から設定を読み込む。
func LoadConfig() (Config, error) {
	cfg := Config{
		Port:           envconfig.GetOr("PORT", "8087"),
		JWTSecret:      envconfig.GetOr("JWT_SECRET", "dev-secret-key"),
		AllowedOrigins: envconfig.List("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		InternalAPIKey: envconfig.GetOr("INTERNAL_API_KEY", ""),
		WSPath:         envconfig.GetOr("REALTIME_WS_PATH", "/ws"),
		SendQueueSize:  64,
		FrameRate:      20,
		FrameBurst:     40,
	}
	if !strings.HasPrefix(cfg.WSPath, "/") {
		return Config{}, fmt.Errorf("REALTIME_WS_PATH は/で始まる必要があります: %q", cfg.WSPath)
	}

	var err error
	if cfg.PingInterval, err = envconfig.Duration("REALTIME_PING_INTERVAL", 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.AuthTimeout, err = envconfig.Duration("REALTIME_AUTH_TIMEOUT", 30*time.Second); err != nil {
		return Config{}, err
	}
	maxFrame, err := envconfig.Int("REALTIME_MAX_FRAME_BYTES", 64<<10)
	if err != nil {
		return Config{}, err
	}
	if maxFrame <= 0 {
		return Config{}, fmt.Errorf("環境変数 REALTIME_MAX_FRAME_BYTES は正の値である必要があります: %d", maxFrame)
	}
	cfg.MaxFrameBytes = int64(maxFrame)
	return cfg, nil
}
